// Package memstore is an in-memory objectstore.Store with real byte-range
// semantics. It backs the test suites and the "memory" store kind used for
// local development.
package memstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ssd-technologies/kertas/internal/objectstore"
)

// Object is a stored entry. Folders have no data.
type Object struct {
	ID       string
	Name     string
	MimeType string
	Parent   string
	Data     []byte
	Modified time.Time
	ETag     string
	Trashed  bool
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	objects map[string]*Object
	faults  map[string]fault

	open atomic.Int64
}

type fault struct {
	err       error
	afterByte int64
}

var _ objectstore.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		objects: make(map[string]*Object),
		faults:  make(map[string]fault),
	}
}

// PutFolder adds or replaces a folder.
func (s *Store) PutFolder(id, name, parent string) {
	s.Put(Object{ID: id, Name: name, MimeType: objectstore.FolderMimeType, Parent: parent, Modified: time.Now()})
}

// PutFile adds or replaces a file.
func (s *Store) PutFile(id, name, parent, mimeType string, data []byte) {
	s.Put(Object{ID: id, Name: name, MimeType: mimeType, Parent: parent, Data: data, Modified: time.Now()})
}

// Put adds or replaces obj.
func (s *Store) Put(obj Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := obj
	s.objects[o.ID] = &o
}

// Trash marks an object as trashed so listings skip it.
func (s *Store) Trash(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.objects[id]; ok {
		o.Trashed = true
	}
}

// FailAfter makes reads of id fail with err once afterByte bytes have been
// delivered. A negative afterByte fails OpenRange itself.
func (s *Store) FailAfter(id string, afterByte int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[id] = fault{err: err, afterByte: afterByte}
}

// OpenStreams is the number of streams opened and not yet closed.
func (s *Store) OpenStreams() int64 { return s.open.Load() }

func (s *Store) ListChildren(ctx context.Context, containerID string, page objectstore.PageRequest) (*objectstore.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, objectstore.Error.Wrap(err)
	}
	s.mu.RLock()
	parent, ok := s.objects[containerID]
	if !ok || parent.MimeType != objectstore.FolderMimeType {
		s.mu.RUnlock()
		return nil, objectstore.ErrNotFound.New("container %s", containerID)
	}
	var raws []objectstore.Raw
	for _, o := range s.objects {
		if o.Parent == containerID && !o.Trashed {
			raws = append(raws, o.raw())
		}
	}
	s.mu.RUnlock()

	sortRaws(raws)
	return paginate(raws, page)
}

func (s *Store) SearchByName(ctx context.Context, query string, page objectstore.PageRequest) (*objectstore.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, objectstore.Error.Wrap(err)
	}
	needle := strings.ToLower(objectstore.SanitizeQuery(query))
	if needle == "" {
		return &objectstore.Page{Records: []objectstore.Record{}}, nil
	}

	s.mu.RLock()
	var raws []objectstore.Raw
	for _, o := range s.objects {
		if !o.Trashed && strings.Contains(strings.ToLower(o.Name), needle) {
			raws = append(raws, o.raw())
		}
	}
	s.mu.RUnlock()

	sortRaws(raws)
	return paginate(raws, page)
}

func (s *Store) GetMetadata(ctx context.Context, objectID string) (*objectstore.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, objectstore.Error.Wrap(err)
	}
	s.mu.RLock()
	o, ok := s.objects[objectID]
	s.mu.RUnlock()
	if !ok || o.Trashed {
		return nil, objectstore.ErrNotFound.New("object %s", objectID)
	}
	rec, ok := objectstore.Normalize(o.raw())
	if !ok {
		return nil, objectstore.ErrNotFound.New("object %s is incomplete", objectID)
	}
	return &rec, nil
}

func (s *Store) OpenRange(ctx context.Context, objectID, byteRange string) (*objectstore.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, objectstore.Error.Wrap(err)
	}
	s.mu.RLock()
	o, ok := s.objects[objectID]
	f, faulty := s.faults[objectID]
	s.mu.RUnlock()
	if !ok || o.Trashed || o.MimeType == objectstore.FolderMimeType {
		return nil, objectstore.ErrNotFound.New("object %s", objectID)
	}
	if faulty && f.afterByte < 0 {
		return nil, f.err
	}

	size := int64(len(o.Data))
	stream := &objectstore.Stream{
		ContentType: o.MimeType,
		ETag:        o.ETag,
	}
	start, end := int64(0), size-1
	if r, ok := objectstore.ParseRange(byteRange); ok {
		var err error
		start, end, err = r.Resolve(size)
		if err != nil {
			return nil, err
		}
		stream.ContentRange = objectstore.ContentRange(start, end, size)
	}
	stream.ContentLength = end - start + 1

	var body io.Reader = bytes.NewReader(o.Data[start : end+1])
	if faulty {
		body = &failingReader{r: body, remaining: f.afterByte, err: f.err}
	}

	s.open.Add(1)
	stream.Body = &trackedBody{ctx: ctx, r: body, closed: func() { s.open.Add(-1) }}
	return stream, nil
}

func (o *Object) raw() objectstore.Raw {
	sum := md5.Sum(o.Data)
	raw := objectstore.Raw{
		ID:           o.ID,
		Name:         o.Name,
		MimeType:     o.MimeType,
		ModifiedTime: o.Modified.UTC().Format(time.RFC3339),
	}
	if o.Parent != "" {
		raw.Parents = []string{o.Parent}
	}
	if o.MimeType != objectstore.FolderMimeType {
		raw.Size = int64(len(o.Data))
		raw.HasSize = true
		raw.Checksum = hex.EncodeToString(sum[:])
	}
	return raw
}

// sortRaws orders folders first, then by name.
func sortRaws(raws []objectstore.Raw) {
	sort.Slice(raws, func(i, j int) bool {
		fi := raws[i].MimeType == objectstore.FolderMimeType
		fj := raws[j].MimeType == objectstore.FolderMimeType
		if fi != fj {
			return fi
		}
		if raws[i].Name != raws[j].Name {
			return raws[i].Name < raws[j].Name
		}
		return raws[i].ID < raws[j].ID
	})
}

// paginate uses the decimal offset as the continuation token.
func paginate(raws []objectstore.Raw, page objectstore.PageRequest) (*objectstore.Page, error) {
	size := objectstore.ClampPageSize(page.Size)
	offset := 0
	if page.Token != "" {
		n, err := strconv.Atoi(page.Token)
		if err != nil || n < 0 {
			return nil, objectstore.Error.New("invalid page token")
		}
		offset = n
	}
	if offset > len(raws) {
		offset = len(raws)
	}
	end := offset + size
	if end > len(raws) {
		end = len(raws)
	}

	result := &objectstore.Page{Records: objectstore.NormalizeAll(raws[offset:end])}
	if end < len(raws) {
		result.NextToken = strconv.Itoa(end)
	}
	return result, nil
}

type trackedBody struct {
	ctx    context.Context
	r      io.Reader
	once   sync.Once
	closed func()
}

func (b *trackedBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	return b.r.Read(p)
}

func (b *trackedBody) Close() error {
	b.once.Do(b.closed)
	return nil
}

type failingReader struct {
	r         io.Reader
	remaining int64
	err       error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.remaining <= 0 {
		return 0, f.err
	}
	if int64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := f.r.Read(p)
	f.remaining -= int64(n)
	return n, err
}
