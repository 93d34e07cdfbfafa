package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ssd-technologies/kertas/internal/access"
	"github.com/ssd-technologies/kertas/internal/tokens"
)

// sessionCookiePrefix is followed by the drive slug, so one browser can hold
// sessions for several drives at once.
const sessionCookiePrefix = "kertas_session_"

func sessionCookieName(slug string) string { return sessionCookiePrefix + slug }

// loginRequest is the JSON body for unlocking a drive.
type loginRequest struct {
	DriveSlug string `json:"driveSlug"`
	Password  string `json:"password"`
	// Bearer asks for the token in the response body, for clients that
	// cannot keep cookies.
	Bearer bool `json:"bearer"`
}

// sessionToken returns the caller's session for slug from its cookie or an
// Authorization bearer header.
func sessionToken(r *http.Request, slug string) string {
	if c, err := r.Cookie(sessionCookieName(slug)); err == nil && c.Value != "" {
		return c.Value
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// handleDriveLogin handles POST /api/drive-auth: check a drive password and
// issue a session cookie.
func (s *Server) handleDriveLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DriveSlug == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "driveSlug and password are required")
		return
	}
	slug, err := validateSlug(req.DriveSlug)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	client := s.clientAddress(r)
	if d := s.logins.Peek(client); !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "too many failed attempts, retry later")
		return
	}

	session, err := s.gate.Login(r.Context(), slug, req.Password)
	if err != nil {
		if access.Error.Has(err) {
			s.log.Error("issuing drive session failed", zap.String("slug", slug), zap.Error(err))
		} else {
			s.recordLoginFailure(client, slug)
		}
		writeError(w, access.StatusCode(err), access.PublicMessage(err))
		return
	}

	http.SetCookie(w, s.sessionCookie(slug, session.Token, int(tokens.SessionLifetime.Seconds())))
	resp := map[string]any{
		"success":   true,
		"driveSlug": slug,
		"expiresIn": int64(tokens.SessionLifetime.Seconds()),
	}
	if req.Bearer {
		resp["token"] = session.Token
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDriveSession handles GET /api/drive-auth: report whether the caller
// holds a live session for a drive.
func (s *Server) handleDriveSession(w http.ResponseWriter, r *http.Request) {
	slug, err := driveSlug(r.URL.Query(), "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	claims, err := s.gate.Session(r.Context(), slug, sessionToken(r, slug))
	if err != nil {
		status := access.StatusCode(err)
		if status == http.StatusInternalServerError {
			s.log.Error("checking drive session failed", zap.String("slug", slug), zap.Error(err))
		}
		writeJSON(w, status, map[string]any{
			"authenticated": false,
			"error":         access.PublicMessage(err),
		})
		return
	}

	now := s.now().Unix()
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"driveSlug":     claims.DriveSlug,
		"expiresAt":     claims.ExpiresAt.Unix(),
		"expiresIn":     claims.ExpiresIn(now),
	})
}

// handleDriveLogout handles DELETE /api/drive-auth by clearing the session
// cookie. Sessions are stateless, so a copied token stays valid until it
// expires.
func (s *Server) handleDriveLogout(w http.ResponseWriter, r *http.Request) {
	slug, err := driveSlug(r.URL.Query(), "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	http.SetCookie(w, s.sessionCookie(slug, "", -1))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "driveSlug": slug})
}

func (s *Server) sessionCookie(slug, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName(slug),
		Value:    value,
		Path:     "/",
		Domain:   s.config.Session.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.config.Session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
