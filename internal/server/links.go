package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/kertas/internal/tokens"
)

// linkRequest is the JSON body for minting a download link.
type linkRequest struct {
	FileID        string `json:"fileId"`
	TTLSeconds    int64  `json:"ttlSeconds"`
	ClientAddress string `json:"clientAddress"`
}

// adminAuth checks the X-Admin-Secret header against the configured admin
// secret in constant time. With no secret configured every request is
// refused. Returns false after writing the error.
func (s *Server) adminAuth(w http.ResponseWriter, r *http.Request) bool {
	secret := s.config.Secrets.Admin
	if secret == "" {
		writeError(w, http.StatusForbidden, "admin access is disabled")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Admin-Secret")), []byte(secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid admin secret")
		return false
	}
	return true
}

// handleCreateDownloadLink handles POST /api/download-links: mint a signed,
// time-boxed link to one object.
func (s *Server) handleCreateDownloadLink(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}

	var req linkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !objectIDPattern.MatchString(req.FileID) {
		writeError(w, http.StatusBadRequest, "fileId is missing or malformed")
		return
	}

	ttl := s.config.Download.DefaultTTL
	switch {
	case req.TTLSeconds < 0:
		writeError(w, http.StatusBadRequest, "ttlSeconds must be positive")
		return
	case req.TTLSeconds > 0:
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > s.config.Download.MaxTTL {
		writeError(w, http.StatusBadRequest, "ttlSeconds exceeds the maximum of "+strconv.FormatInt(int64(s.config.Download.MaxTTL/time.Second), 10))
		return
	}
	if s.config.Download.BindClientAddress && req.ClientAddress == "" {
		writeError(w, http.StatusBadRequest, "clientAddress is required")
		return
	}

	// Verify file exists
	if _, err := s.store.GetMetadata(r.Context(), req.FileID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	auth, err := s.tokens.IssueDownloadAuthorization(req.FileID, ttl, req.ClientAddress)
	if err != nil {
		status := http.StatusInternalServerError
		if !tokens.ErrMisconfigured.Has(err) {
			status = http.StatusBadRequest
		}
		s.log.Error("minting download link failed", zap.String("file", req.FileID), zap.Error(err))
		writeError(w, status, "failed to create download link")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"fileId": auth.ObjectID,
		"expiry": auth.ExpiresAt,
		"token":  auth.Signature,
		"bound":  auth.ClientAddress != "",
		"url":    DownloadURL(s.config.Download.BaseURL, auth),
	})
}

// DownloadURL renders the link that redeems auth on the service at baseURL.
func DownloadURL(baseURL string, auth tokens.DownloadAuthorization) string {
	q := url.Values{}
	q.Set("action", "download")
	q.Set("fileId", auth.ObjectID)
	q.Set("expiry", strconv.FormatInt(auth.ExpiresAt, 10))
	q.Set("token", auth.Signature)
	if auth.ClientAddress != "" {
		q.Set("bind", "1")
	}
	return strings.TrimSuffix(baseURL, "/") + "/api/files?" + q.Encode()
}
