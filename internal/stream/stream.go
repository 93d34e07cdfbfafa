// Package stream relays object content from the object store to HTTP
// clients. Content is copied through a fixed buffer and never held in
// memory as a whole, and byte ranges are passed through to the upstream.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ssd-technologies/kertas/internal/objectstore"
)

var mon = monkit.Package()

// ErrNotStreamable is returned for objects that have no content, such as
// folders.
var ErrNotStreamable = errs.Class("object cannot be streamed")

const bufferSize = 64 * 1024

// Disposition tells the client whether to render or save the content.
type Disposition int

const (
	Inline Disposition = iota
	Attachment
)

func (d Disposition) String() string {
	if d == Attachment {
		return "attachment"
	}
	return "inline"
}

// Options describe a single response.
type Options struct {
	Disposition Disposition
	// NoStore forbids caching, for responses authorized by a bearer URL.
	NoStore bool
	// Record is the object's metadata when the caller has already fetched
	// it. Serve then skips its own metadata lookup.
	Record *objectstore.Record
}

// Config holds the proxy limits.
type Config struct {
	// IdleTimeout aborts a stream when no bytes move in either direction
	// for this long. Zero disables it.
	IdleTimeout time.Duration
	// MaxDuration bounds the lifetime of one stream. Zero disables it.
	MaxDuration time.Duration
	// CacheMaxAge is sent as max-age for cacheable responses.
	CacheMaxAge time.Duration
}

// Proxy serves object content over HTTP.
type Proxy struct {
	log    *zap.Logger
	store  objectstore.Store
	config Config
}

// NewProxy creates a Proxy.
func NewProxy(log *zap.Logger, store objectstore.Store, config Config) *Proxy {
	return &Proxy{log: log, store: store, config: config}
}

// Serve writes objectID to w, honoring Range, If-None-Match and HEAD.
//
// A returned error means nothing was written and the caller should render
// it; for unsatisfiable ranges the Content-Range header is already set.
// Failures after the headers went out abort the connection with
// http.ErrAbortHandler so the client sees an incomplete transfer rather than
// a silently short body.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, objectID string, opts Options) (err error) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(&err)

	var cancel context.CancelFunc
	if p.config.MaxDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.config.MaxDuration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	meta := opts.Record
	if meta == nil || meta.ID != objectID {
		meta, err = p.store.GetMetadata(ctx, objectID)
		if err != nil {
			return err
		}
	}
	if meta.IsFolder() {
		return ErrNotStreamable.New("%s is a folder", objectID)
	}

	etag := WeakETag(meta)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		p.writeHeaders(w, meta, etag, opts)
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	byteRange, ranged := objectstore.ParseRange(r.Header.Get("Range"))
	if ranged && !ifRangeAllows(r.Header.Get("If-Range"), etag, meta.ModifiedAt) {
		// The client's copy is stale: send the whole current object.
		ranged = false
	}
	if ranged && meta.Size != nil {
		if _, _, err := byteRange.Resolve(*meta.Size); err != nil {
			w.Header().Set("Content-Range", objectstore.UnsatisfiedRange(*meta.Size))
			return err
		}
	}

	if r.Method == http.MethodHead {
		p.serveHead(w, meta, etag, byteRange, ranged, opts)
		return nil
	}

	rangeHeader := ""
	if ranged {
		rangeHeader = byteRange.String()
	}
	body, err := p.store.OpenRange(ctx, objectID, rangeHeader)
	if err != nil {
		if objectstore.ErrRangeInvalid.Has(err) && meta.Size != nil {
			w.Header().Set("Content-Range", objectstore.UnsatisfiedRange(*meta.Size))
		}
		return err
	}
	defer func() { _ = body.Body.Close() }()

	if body.ETag != "" {
		etag = body.ETag
		if etagMatches(r.Header.Get("If-None-Match"), etag) {
			p.writeHeaders(w, meta, etag, opts)
			w.WriteHeader(http.StatusNotModified)
			return nil
		}
	}

	p.writeHeaders(w, meta, etag, opts)
	h := w.Header()
	if body.ContentType != "" {
		h.Set("Content-Type", body.ContentType)
	}
	if body.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(body.ContentLength, 10))
	}
	status := http.StatusOK
	if body.Partial() {
		h.Set("Content-Range", body.ContentRange)
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	// Commit headers before the first chunk.
	_ = http.NewResponseController(w).Flush()

	log := p.log.With(zap.String("object", objectID), zap.String("range", rangeHeader))
	written, copyErr := p.copy(ctx, cancel, w, body.Body)
	mon.Meter("bytes_streamed").Mark64(written)

	if copyErr == nil && body.ContentLength >= 0 && written < body.ContentLength {
		copyErr = io.ErrUnexpectedEOF
	}
	if copyErr != nil {
		switch {
		case r.Context().Err() != nil:
			log.Debug("client went away", zap.Int64("written", written))
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			log.Warn("stream exceeded maximum duration", zap.Int64("written", written), zap.Duration("max", p.config.MaxDuration))
		default:
			log.Warn("stream aborted", zap.Int64("written", written), zap.Error(copyErr))
		}
		panic(http.ErrAbortHandler)
	}
	return nil
}

func (p *Proxy) serveHead(w http.ResponseWriter, meta *objectstore.Record, etag string, byteRange objectstore.ByteRange, ranged bool, opts Options) {
	p.writeHeaders(w, meta, etag, opts)
	if meta.Size == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	size := *meta.Size
	if ranged {
		start, end, _ := byteRange.Resolve(size)
		w.Header().Set("Content-Range", objectstore.ContentRange(start, end, size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
}

func (p *Proxy) writeHeaders(w http.ResponseWriter, meta *objectstore.Record, etag string, opts Options) {
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", meta.MimeType)
	h.Set("Content-Disposition", contentDisposition(opts.Disposition, meta.Name))
	h.Set("X-Content-Type-Options", "nosniff")
	if opts.NoStore {
		h.Set("Cache-Control", "private, no-store")
	} else {
		h.Set("Cache-Control", fmt.Sprintf("private, max-age=%d", int64(p.config.CacheMaxAge/time.Second)))
	}
	if etag != "" {
		h.Set("ETag", etag)
	}
	if meta.ModifiedAt != nil {
		h.Set("Last-Modified", meta.ModifiedAt.UTC().Format(http.TimeFormat))
	}
}

// copy moves body to w. With an idle timeout set, cancel fires when a
// read/write round makes no progress in time, which unblocks the upstream
// read, and client writes carry a matching deadline.
func (p *Proxy) copy(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, body io.Reader) (int64, error) {
	idle := p.config.IdleTimeout
	rc := http.NewResponseController(w)

	var timer *time.Timer
	if idle > 0 {
		timer = time.AfterFunc(idle, cancel)
		defer timer.Stop()
	}

	buf := make([]byte, bufferSize)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if idle > 0 {
				// Not every ResponseWriter supports deadlines.
				_ = rc.SetWriteDeadline(time.Now().Add(idle))
			}
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, err
			}
			if timer != nil {
				timer.Reset(idle)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, ctxErr
			}
			return written, rerr
		}
	}
}
