package access

import (
	"context"

	"github.com/zeebo/errs"

	"github.com/ssd-technologies/kertas/internal/drives"
	"github.com/ssd-technologies/kertas/internal/objectstore"
)

// maxContainmentDepth bounds the parent walk from an object up to its
// drive's root container. Deeper objects are treated as outside the drive.
const maxContainmentDepth = 32

// ErrOutsideDrive is returned for objects that are not in the container tree
// of the authorized drive. It is reported like a missing object so callers
// cannot learn what other drives hold.
var ErrOutsideDrive = errs.Class("object is outside the drive")

// Contains fetches the record of objectID and checks that it lies in the
// container tree of drive. The returned record can be handed on so the
// object's metadata is fetched only once.
func (g *Gate) Contains(ctx context.Context, drive *drives.Drive, objectID string) (_ *objectstore.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if !drive.HasContainer() {
		return nil, ErrMisconfigured.New("%s has no container", drive.Slug)
	}
	rec, err := g.store.GetMetadata(ctx, objectID)
	if err != nil {
		return nil, err
	}
	inside, err := g.within(ctx, drive.ContainerID, rec, map[string]bool{})
	if err != nil {
		return nil, err
	}
	if !inside {
		mon.Event("outside_drive")
		return nil, ErrOutsideDrive.New("%s is not in drive %s", objectID, drive.Slug)
	}
	return rec, nil
}

// FilterContained keeps the records that lie in the container tree of drive.
// Ancestors shared between records are resolved once.
func (g *Gate) FilterContained(ctx context.Context, drive *drives.Drive, records []objectstore.Record) (_ []objectstore.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if !drive.HasContainer() {
		return nil, ErrMisconfigured.New("%s has no container", drive.Slug)
	}
	known := map[string]bool{}
	kept := make([]objectstore.Record, 0, len(records))
	for i := range records {
		inside, err := g.within(ctx, drive.ContainerID, &records[i], known)
		if err != nil {
			return nil, err
		}
		if inside {
			kept = append(kept, records[i])
		}
	}
	return kept, nil
}

// within walks rec's parents until it reaches root, an object without a
// parent, or the depth bound. known caches the verdict for every ancestor
// visited.
func (g *Gate) within(ctx context.Context, root string, rec *objectstore.Record, known map[string]bool) (bool, error) {
	if rec.ID == root {
		return true, nil
	}

	var visited []string
	settle := func(inside bool) (bool, error) {
		for _, id := range visited {
			known[id] = inside
		}
		return inside, nil
	}

	parent := rec.ContainerRef
	for depth := 0; depth < maxContainmentDepth; depth++ {
		switch {
		case parent == "":
			return settle(false)
		case parent == root:
			return settle(true)
		}
		if inside, ok := known[parent]; ok {
			return settle(inside)
		}
		visited = append(visited, parent)

		next, err := g.store.GetMetadata(ctx, parent)
		switch {
		case objectstore.ErrNotFound.Has(err):
			return settle(false)
		case err != nil:
			return false, err
		}
		parent = next.ContainerRef
	}
	return settle(false)
}
