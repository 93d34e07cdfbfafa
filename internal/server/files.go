package server

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ssd-technologies/kertas/internal/access"
	"github.com/ssd-technologies/kertas/internal/drives"
	"github.com/ssd-technologies/kertas/internal/objectstore"
	"github.com/ssd-technologies/kertas/internal/stream"
	"github.com/ssd-technologies/kertas/internal/tokens"
)

// handleFiles handles GET and HEAD /api/files, dispatching on the action
// parameter.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	switch action := r.URL.Query().Get("action"); action {
	case "list":
		s.handleList(w, r)
	case "search":
		s.handleSearch(w, r)
	case "info":
		s.handleInfo(w, r)
	case "stream":
		s.handleStream(w, r)
	case "download":
		s.handleDownload(w, r)
	case "":
		writeError(w, http.StatusBadRequest, "action is required")
	default:
		writeError(w, http.StatusBadRequest, "unknown action: must be list, search, info, stream or download")
	}
}

// authorize resolves the drive for a request and enforces its session
// policy, writing the error response on failure.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, slug string) (*drives.Drive, bool) {
	drive, err := s.gate.Authorize(r.Context(), slug, sessionToken(r, slug))
	if err != nil {
		if access.Error.Has(err) {
			s.log.Error("authorizing drive access failed", zap.String("slug", slug), zap.Error(err))
		}
		writeError(w, access.StatusCode(err), access.PublicMessage(err))
		return nil, false
	}
	return drive, true
}

// authorizeObject checks that objectID belongs to drive and returns its
// metadata, writing the error response on failure.
func (s *Server) authorizeObject(w http.ResponseWriter, r *http.Request, drive *drives.Drive, objectID string) (*objectstore.Record, bool) {
	rec, err := s.gate.Contains(r.Context(), drive, objectID)
	if err != nil {
		s.writeGateError(w, r, drive, err)
		return nil, false
	}
	return rec, true
}

func (s *Server) writeGateError(w http.ResponseWriter, r *http.Request, drive *drives.Drive, err error) {
	switch {
	case access.ErrOutsideDrive.Has(err):
		s.log.Debug("object outside drive requested", zap.String("slug", drive.Slug), zap.Error(err))
		writeError(w, access.StatusCode(err), access.PublicMessage(err))
	case access.ErrMisconfigured.Has(err):
		s.log.Error("drive has no root container", zap.String("slug", drive.Slug))
		writeError(w, access.StatusCode(err), access.PublicMessage(err))
	default:
		s.writeStoreError(w, r, err)
	}
}

// writeStoreError renders an object store failure. Upstream detail is logged
// and never sent to the client.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case objectstore.IsCanceled(err) && r.Context().Err() != nil:
		s.log.Debug("request canceled by client", zap.Error(err))
		return
	case stream.ErrNotStreamable.Has(err):
		writeError(w, http.StatusBadRequest, "folders cannot be streamed")
		return
	}

	status := objectstore.StatusCode(err)
	if status >= http.StatusInternalServerError || status == http.StatusUnauthorized || status == http.StatusForbidden {
		s.log.Warn("object store request failed", zap.Int("status", status), zap.Error(err))
	} else {
		s.log.Debug("object store request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, objectstore.PublicMessage(err))
}

// handleList lists the children of a folder within a drive. Without a
// folderId the drive's root container is listed.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	slug, err := driveSlug(q, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	folderID, err := optionalObjectID(q, "folderId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := pageRequest(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	drive, ok := s.authorize(w, r, slug)
	if !ok {
		return
	}
	if !drive.HasContainer() {
		s.log.Error("drive has no root container", zap.String("slug", slug))
		writeError(w, http.StatusInternalServerError, "drive is not configured correctly")
		return
	}
	if folderID == "" {
		folderID = drive.ContainerID
	} else if _, ok := s.authorizeObject(w, r, drive, folderID); !ok {
		return
	}

	result, err := s.store.ListChildren(r.Context(), folderID, page)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSearch searches object names within a drive. The object store search
// is global, so results outside the drive are dropped and a page may come
// back shorter than requested while still carrying a next page token.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	slug, err := driveSlug(q, drives.PublicSlug)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	text, err := searchQuery(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := pageRequest(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	drive, ok := s.authorize(w, r, slug)
	if !ok {
		return
	}

	result, err := s.store.SearchByName(r.Context(), objectstore.SanitizeQuery(text), page)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	result.Records, err = s.gate.FilterContained(r.Context(), drive, result.Records)
	if err != nil {
		s.writeGateError(w, r, drive, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleInfo returns the metadata of one object.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	slug, err := driveSlug(q, drives.PublicSlug)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fileID, err := objectID(q, "fileId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	drive, ok := s.authorize(w, r, slug)
	if !ok {
		return
	}
	rec, ok := s.authorizeObject(w, r, drive, fileID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": rec})
}

// handleStream streams an object of a drive to a caller allowed to read
// that drive.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	slug, err := driveSlug(q, drives.PublicSlug)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fileID, err := objectID(q, "fileId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	attach, err := downloadFlag(q, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	drive, ok := s.authorize(w, r, slug)
	if !ok {
		return
	}
	rec, ok := s.authorizeObject(w, r, drive, fileID)
	if !ok {
		return
	}

	opts := stream.Options{Disposition: disposition(attach), Record: rec}
	if err := s.proxy.Serve(w, r, fileID, opts); err != nil {
		s.writeStoreError(w, r, err)
	}
}

// handleDownload streams an object to a caller holding a download
// authorization instead of a drive session.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fileID, err := objectID(q, "fileId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	expiry, err := strconv.ParseInt(q.Get("expiry"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "expiry must be a unix timestamp")
		return
	}
	signature := q.Get("token")
	if signature == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	attach, err := downloadFlag(q, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bound := ""
	if q.Get("bind") == "1" {
		bound = s.clientAddress(r)
	}
	if err := s.tokens.VerifyDownloadAuthorization(fileID, expiry, signature, bound); err != nil {
		if tokens.ErrMisconfigured.Has(err) {
			s.log.Error("download authorization unavailable", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "downloads are not configured")
			return
		}
		writeError(w, http.StatusForbidden, "invalid or expired download token")
		return
	}

	opts := stream.Options{Disposition: disposition(attach), NoStore: true}
	if err := s.proxy.Serve(w, r, fileID, opts); err != nil {
		s.writeStoreError(w, r, err)
	}
}

func disposition(attach bool) stream.Disposition {
	if attach {
		return stream.Attachment
	}
	return stream.Inline
}
