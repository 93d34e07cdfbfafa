package memstore

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	"github.com/ssd-technologies/kertas/internal/objectstore"
)

// IDForPath derives a stable object id for a path relative to a seed root.
func IDForPath(rel string) string {
	sum := sha256.Sum256([]byte(filepath.ToSlash(rel)))
	return "mem" + hex.EncodeToString(sum[:12])
}

// LoadDir mirrors the directory tree under root into the store and returns
// the id of the root container. File contents are read into memory, so this
// is meant for development fixtures, not large media.
func (s *Store) LoadDir(root string) (string, error) {
	rootID := IDForPath(".")
	s.PutFolder(rootID, filepath.Base(root), "")

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		parent := IDForPath(filepath.Dir(rel))

		if d.IsDir() {
			s.PutFolder(IDForPath(rel), d.Name(), parent)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mimeType := mime.TypeByExtension(filepath.Ext(d.Name()))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		s.Put(Object{
			ID:       IDForPath(rel),
			Name:     d.Name(),
			MimeType: mimeType,
			Parent:   parent,
			Data:     data,
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return "", objectstore.Error.Wrap(err)
	}
	return rootID, nil
}
