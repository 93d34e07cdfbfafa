package memstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/kertas/internal/objectstore"
)

func TestStore_ListChildren(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutFolder("root000001", "root", "")
	s.PutFile("file000002", "b.txt", "root000001", "text/plain", []byte("bb"))
	s.PutFile("file000001", "a.txt", "root000001", "text/plain", []byte("a"))
	s.PutFolder("fold000001", "z-folder", "root000001")
	s.PutFile("file000003", "trashed.txt", "root000001", "text/plain", nil)
	s.Trash("file000003")

	page, err := s.ListChildren(ctx, "root000001", objectstore.PageRequest{Size: 2})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "z-folder", page.Records[0].Name, "folders sort first")
	assert.Equal(t, "a.txt", page.Records[1].Name)
	require.NotEmpty(t, page.NextToken)

	page, err = s.ListChildren(ctx, "root000001", objectstore.PageRequest{Size: 2, Token: page.NextToken})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "b.txt", page.Records[0].Name)
	assert.Empty(t, page.NextToken)

	_, err = s.ListChildren(ctx, "missing0001", objectstore.PageRequest{Size: 10})
	assert.True(t, objectstore.ErrNotFound.Has(err))

	_, err = s.ListChildren(ctx, "root000001", objectstore.PageRequest{Size: 10, Token: "bogus"})
	assert.Error(t, err)
}

func TestStore_SearchByName(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutFolder("root000001", "root", "")
	s.PutFile("file000001", "Holiday.jpg", "root000001", "image/jpeg", []byte("x"))
	s.PutFile("file000002", "work.txt", "root000001", "text/plain", []byte("y"))

	page, err := s.SearchByName(ctx, "holi'day", objectstore.PageRequest{Size: 10})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "file000001", page.Records[0].ID)

	page, err = s.SearchByName(ctx, "'\"", objectstore.PageRequest{Size: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func TestStore_OpenRange(t *testing.T) {
	ctx := context.Background()
	s := New()
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	s.PutFile("file000001", "blob.bin", "", "application/octet-stream", data)

	stream, err := s.OpenRange(ctx, "file000001", "bytes=0-99")
	require.NoError(t, err)
	assert.Equal(t, "bytes 0-99/1000", stream.ContentRange)
	assert.Equal(t, int64(100), stream.ContentLength)
	body, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, data[:100], body)
	require.NoError(t, stream.Body.Close())

	stream, err = s.OpenRange(ctx, "file000001", "")
	require.NoError(t, err)
	assert.False(t, stream.Partial())
	assert.Equal(t, int64(1000), stream.ContentLength)
	assert.Equal(t, int64(1), s.OpenStreams())
	require.NoError(t, stream.Body.Close())
	require.NoError(t, stream.Body.Close())
	assert.Equal(t, int64(0), s.OpenStreams())

	_, err = s.OpenRange(ctx, "file000001", "bytes=2000-")
	assert.True(t, objectstore.ErrRangeInvalid.Has(err))

	_, err = s.OpenRange(ctx, "missing0001", "")
	assert.True(t, objectstore.ErrNotFound.Has(err))
}

func TestStore_FailAfter(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutFile("file000001", "blob.bin", "", "application/octet-stream", make([]byte, 100))
	boom := errors.New("connection reset")
	s.FailAfter("file000001", 10, boom)

	stream, err := s.OpenRange(ctx, "file000001", "")
	require.NoError(t, err)
	defer func() { _ = stream.Body.Close() }()

	body, err := io.ReadAll(stream.Body)
	assert.Len(t, body, 10)
	assert.ErrorIs(t, err, boom)
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New()
	s.PutFile("file000001", "blob.bin", "", "application/octet-stream", make([]byte, 100))

	stream, err := s.OpenRange(ctx, "file000001", "")
	require.NoError(t, err)
	cancel()
	_, err = stream.Body.Read(make([]byte, 10))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_LoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "music"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "music", "cover.png"), []byte("\x89PNG"), 0o644))

	s := New()
	rootID, err := s.LoadDir(dir)
	require.NoError(t, err)

	page, err := s.ListChildren(context.Background(), rootID, objectstore.PageRequest{Size: 10})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "music", page.Records[0].Name)
	assert.True(t, page.Records[0].IsFolder())
	assert.Equal(t, "readme.txt", page.Records[1].Name)

	page, err = s.ListChildren(context.Background(), page.Records[0].ID, objectstore.PageRequest{Size: 10})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, IDForPath("music/cover.png"), page.Records[0].ID)
	assert.Equal(t, "image/png", page.Records[0].MimeType)
}
