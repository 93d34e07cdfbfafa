// Package objectstore defines the provider-agnostic view of the remote
// object storage that drives are backed by.
package objectstore

import (
	"context"
	"io"
	"strings"
	"time"
	"unicode"
)

// FolderMimeType marks a record as a container rather than a leaf file.
const FolderMimeType = "application/vnd.google-apps.folder"

const (
	MinPageSize     = 1
	MaxPageSize     = 200
	DefaultPageSize = 50

	MinQueryLength = 1
	MaxQueryLength = 100
)

// Store is the capability the rest of the service needs from a remote object
// store. Implementations translate provider errors into the classes declared
// in errors.go.
type Store interface {
	// ListChildren lists the non-trashed direct children of a container.
	ListChildren(ctx context.Context, containerID string, page PageRequest) (*Page, error)
	// SearchByName finds objects whose name contains query.
	SearchByName(ctx context.Context, query string, page PageRequest) (*Page, error)
	// GetMetadata returns a single record. Unknown ids fail with ErrNotFound.
	GetMetadata(ctx context.Context, objectID string) (*Record, error)
	// OpenRange opens a read stream. byteRange is an HTTP Range header value
	// ("bytes=start-end") or empty for the whole object.
	OpenRange(ctx context.Context, objectID, byteRange string) (*Stream, error)
}

// PageRequest selects a page of results.
type PageRequest struct {
	Token string
	Size  int
}

// Page is one page of results. NextToken is empty on the last page.
type Page struct {
	Records   []Record `json:"files"`
	NextToken string   `json:"nextPageToken,omitempty"`
}

// Record is a normalized object description.
type Record struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	MimeType     string     `json:"mimeType"`
	Size         *int64     `json:"size,omitempty"`
	Checksum     string     `json:"checksum,omitempty"`
	ModifiedAt   *time.Time `json:"modifiedAt,omitempty"`
	ThumbnailRef string     `json:"thumbnailRef,omitempty"`
	ContainerRef string     `json:"containerRef,omitempty"`
}

// IsFolder reports whether the record is a container.
func (r *Record) IsFolder() bool { return r.MimeType == FolderMimeType }

// Stream is an open read of an object's content. Header values are relayed
// from the upstream as-is; ContentLength is -1 when unknown.
//
// Body must be closed; closing early aborts the upstream transfer.
type Stream struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	ContentRange  string
	ETag          string
}

// Partial reports whether the upstream honored a range request.
func (s *Stream) Partial() bool { return s.ContentRange != "" }

// Raw is an unvalidated record as decoded from a provider response.
type Raw struct {
	ID           string
	Name         string
	MimeType     string
	Size         int64
	HasSize      bool
	Checksum     string
	ModifiedTime string
	ThumbnailRef string
	Parents      []string
}

// Normalize validates raw and converts it into a Record. Records missing an
// id, name or mime type are rejected.
func Normalize(raw Raw) (Record, bool) {
	if raw.ID == "" || raw.Name == "" || raw.MimeType == "" {
		return Record{}, false
	}
	rec := Record{
		ID:           raw.ID,
		Name:         raw.Name,
		MimeType:     raw.MimeType,
		Checksum:     raw.Checksum,
		ThumbnailRef: raw.ThumbnailRef,
	}
	if raw.HasSize && raw.MimeType != FolderMimeType {
		size := raw.Size
		rec.Size = &size
	}
	if raw.ModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339, raw.ModifiedTime); err == nil {
			t = t.UTC()
			rec.ModifiedAt = &t
		}
	}
	if len(raw.Parents) > 0 {
		rec.ContainerRef = raw.Parents[0]
	}
	return rec, true
}

// NormalizeAll normalizes a batch, dropping invalid entries.
func NormalizeAll(raws []Raw) []Record {
	records := make([]Record, 0, len(raws))
	for _, raw := range raws {
		if rec, ok := Normalize(raw); ok {
			records = append(records, rec)
		}
	}
	return records
}

// ClampPageSize coerces size into [MinPageSize, MaxPageSize].
func ClampPageSize(size int) int {
	switch {
	case size < MinPageSize:
		return MinPageSize
	case size > MaxPageSize:
		return MaxPageSize
	}
	return size
}

// SanitizeQuery removes characters that carry meaning in provider query
// languages (quotes, backslashes, control characters) and collapses runs of
// whitespace.
func SanitizeQuery(query string) string {
	stripped := strings.Map(func(r rune) rune {
		switch {
		case r == '\'' || r == '"' || r == '\\' || r == '`':
			return -1
		case unicode.IsControl(r):
			return ' '
		}
		return r
	}, query)
	return strings.Join(strings.Fields(stripped), " ")
}
