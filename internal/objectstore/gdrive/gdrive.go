// Package gdrive implements objectstore.Store on top of the Google Drive v3
// API.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ssd-technologies/kertas/internal/objectstore"
)

var mon = monkit.Package()

// fileFields is the projection requested for every file resource.
const fileFields = "id,name,mimeType,size,md5Checksum,modifiedTime,thumbnailLink,parents"

// Config holds the adapter settings.
type Config struct {
	CredentialsFile   string
	CredentialsJSON   string
	RequestsPerSecond float64
	Burst             int
}

// Store talks to Google Drive. Every upstream call waits on a shared pacer
// so that one busy client cannot exhaust the project quota.
type Store struct {
	log   *zap.Logger
	files *drive.FilesService
	pacer *rate.Limiter
}

var _ objectstore.Store = (*Store)(nil)

// New creates a Store authenticated with the configured service account.
// Extra client options are appended after the credentials ones.
func New(ctx context.Context, log *zap.Logger, cfg Config, opts ...option.ClientOption) (*Store, error) {
	var all []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		all = append(all, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		all = append(all, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	all = append(all, option.WithScopes(drive.DriveReadonlyScope))
	all = append(all, opts...)

	svc, err := drive.NewService(ctx, all...)
	if err != nil {
		return nil, objectstore.Error.Wrap(err)
	}
	return newStore(log, svc, cfg), nil
}

func newStore(log *zap.Logger, svc *drive.Service, cfg Config) *Store {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Store{
		log:   log,
		files: svc.Files,
		pacer: rate.NewLimiter(limit, burst),
	}
}

func (s *Store) ListChildren(ctx context.Context, containerID string, page objectstore.PageRequest) (_ *objectstore.Page, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.list(ctx, childrenQuery(containerID), page)
}

func (s *Store) SearchByName(ctx context.Context, query string, page objectstore.PageRequest) (_ *objectstore.Page, err error) {
	defer mon.Task()(&ctx)(&err)
	q := objectstore.SanitizeQuery(query)
	if q == "" {
		return &objectstore.Page{Records: []objectstore.Record{}}, nil
	}
	return s.list(ctx, searchQuery(q), page)
}

func (s *Store) list(ctx context.Context, q string, page objectstore.PageRequest) (*objectstore.Page, error) {
	if err := s.pacer.Wait(ctx); err != nil {
		return nil, objectstore.Error.Wrap(err)
	}

	call := s.files.List().
		Q(q).
		PageSize(int64(objectstore.ClampPageSize(page.Size))).
		OrderBy("folder,name").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Fields(googleapi.Field("nextPageToken,files(" + fileFields + ")")).
		Context(ctx)
	if page.Token != "" {
		call = call.PageToken(page.Token)
	}

	list, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}

	raws := make([]objectstore.Raw, 0, len(list.Files))
	for _, f := range list.Files {
		raws = append(raws, toRaw(f))
	}
	records := objectstore.NormalizeAll(raws)
	if dropped := len(raws) - len(records); dropped > 0 {
		s.log.Debug("dropped incomplete records", zap.Int("count", dropped))
	}
	return &objectstore.Page{Records: records, NextToken: list.NextPageToken}, nil
}

func (s *Store) GetMetadata(ctx context.Context, objectID string) (_ *objectstore.Record, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := s.pacer.Wait(ctx); err != nil {
		return nil, objectstore.Error.Wrap(err)
	}

	f, err := s.files.Get(objectID).
		SupportsAllDrives(true).
		Fields(googleapi.Field(fileFields + ",trashed")).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify(err)
	}
	if f.Trashed {
		return nil, objectstore.ErrNotFound.New("object %s is trashed", objectID)
	}
	rec, ok := objectstore.Normalize(toRaw(f))
	if !ok {
		return nil, objectstore.ErrNotFound.New("object %s is incomplete", objectID)
	}
	return &rec, nil
}

func (s *Store) OpenRange(ctx context.Context, objectID, byteRange string) (_ *objectstore.Stream, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := s.pacer.Wait(ctx); err != nil {
		return nil, objectstore.Error.Wrap(err)
	}

	call := s.files.Get(objectID).SupportsAllDrives(true).Context(ctx)
	if byteRange != "" {
		call.Header().Set("Range", byteRange)
	}
	resp, err := call.Download()
	if err != nil {
		return nil, classify(err)
	}

	return &objectstore.Stream{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		ContentRange:  resp.Header.Get("Content-Range"),
		ETag:          resp.Header.Get("ETag"),
	}, nil
}

func childrenQuery(containerID string) string {
	return fmt.Sprintf("'%s' in parents and trashed = false", escape(containerID))
}

func searchQuery(sanitized string) string {
	return fmt.Sprintf("name contains '%s' and trashed = false", escape(sanitized))
}

// escape quotes a value for the Drive query language.
func escape(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `'`, `\'`)
}

func toRaw(f *drive.File) objectstore.Raw {
	raw := objectstore.Raw{
		ID:           f.Id,
		Name:         f.Name,
		MimeType:     f.MimeType,
		Size:         f.Size,
		Checksum:     f.Md5Checksum,
		ModifiedTime: f.ModifiedTime,
		ThumbnailRef: f.ThumbnailLink,
		Parents:      f.Parents,
	}
	// Google native documents have no binary size.
	raw.HasSize = f.Size > 0 || f.Md5Checksum != ""
	return raw
}

// classify maps Drive API failures onto the objectstore taxonomy.
func classify(err error) error {
	if objectstore.IsCanceled(err) {
		return objectstore.Error.Wrap(err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		msg := gerr.Message
		for _, item := range gerr.Errors {
			msg += " " + item.Reason + " " + item.Message
		}
		return objectstore.Classify(gerr.Code, msg, err)
	}
	return objectstore.Classify(0, err.Error(), err)
}
