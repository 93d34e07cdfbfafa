package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/kertas/internal/config"
	"github.com/ssd-technologies/kertas/internal/crypto"
	"github.com/ssd-technologies/kertas/internal/drives"
	"github.com/ssd-technologies/kertas/internal/objectstore/memstore"
	"github.com/ssd-technologies/kertas/internal/tokens"
)

const (
	publicRoot  = "publicroot01"
	privateRoot = "privroot0001"
	blobID      = "blobfile0001"
	secretID    = "secretfile01"
	adminSecret = "admin-secret-for-tests"
)

type testEnv struct {
	t      *testing.T
	srv    *Server
	store  *memstore.Store
	config *config.Config
	blob   []byte
	now    time.Time
}

func testConfig() *config.Config {
	return &config.Config{
		Secrets: config.Secrets{
			Session:  "session-secret-0123456789abcdef0123",
			Download: "download-secret-0123456789abcdef012",
			Admin:    adminSecret,
		},
		Download: config.Download{
			DefaultTTL: time.Hour,
			MaxTTL:     24 * time.Hour,
			BaseURL:    "https://files.example.com/",
		},
		RateLimit: config.RateLimit{Requests: 1000, Window: time.Minute},
		Login:     config.Login{MaxFailures: 3, Window: 15 * time.Minute},
		Stream: config.Stream{
			IdleTimeout: time.Minute,
			MaxDuration: time.Hour,
			CacheMaxAge: 5 * time.Minute,
		},
		CORS:  config.CORS{AllowedOrigins: []string{"https://app.example.com"}},
		Store: config.Store{Kind: config.StoreMemory},
	}
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	store := memstore.New()
	store.PutFolder(publicRoot, "Public", "")
	store.PutFolder(privateRoot, "Private", "")
	for i := 0; i < 250; i++ {
		store.PutFile(fmt.Sprintf("pubfile%05d", i), fmt.Sprintf("photo-%03d.jpg", i), publicRoot, "image/jpeg", []byte("jpeg"))
	}
	blob := make([]byte, 1000)
	for i := range blob {
		blob[i] = byte(i % 251)
	}
	store.PutFile(blobID, "report.pdf", publicRoot, "application/pdf", blob)
	store.PutFile(secretID, "secret.txt", privateRoot, "text/plain", []byte("top secret"))

	log := zaptest.NewLogger(t)
	registry := drives.New(log, []drives.Config{
		{Slug: drives.PublicSlug, DisplayName: "Public", ContainerID: publicRoot},
		{Slug: "private", DisplayName: "Private", ContainerID: privateRoot, RequiresPassword: true, PasswordHash: crypto.HashPassword("hunter2")},
		{Slug: "family", DisplayName: "Family", ContainerID: privateRoot, RequiresPassword: true, PasswordHash: crypto.HashPassword("hunter3")},
	})
	keys := crypto.NewKeyRing(crypto.KeyRingConfig{Session: cfg.Secrets.Session, Download: cfg.Secrets.Download})

	env := &testEnv{t: t, store: store, config: cfg, blob: blob, now: time.Unix(1_700_000_000, 0)}
	env.srv = New(log, cfg, registry, tokens.NewService(keys), store, WithClock(func() time.Time { return env.now }))
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return e.do(req)
}

func (e *testEnv) login(slug, password string) *httptest.ResponseRecorder {
	body := fmt.Sprintf(`{"driveSlug":%q,"password":%q}`, slug, password)
	req := httptest.NewRequest(http.MethodPost, "/api/drive-auth", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func sessionCookieFrom(t *testing.T, rec *httptest.ResponseRecorder, slug string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName(slug) {
			return c
		}
	}
	t.Fatalf("no session cookie for %s", slug)
	return nil
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get("/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "kertas", body["service"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestListDrives(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get("/api/drives")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), publicRoot)
	assert.NotContains(t, rec.Body.String(), privateRoot)
	assert.NotContains(t, rec.Body.String(), "argon2")

	var body struct {
		Drives []struct {
			Slug             string `json:"slug"`
			Name             string `json:"name"`
			RequiresPassword bool   `json:"requiresPassword"`
		} `json:"drives"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Drives, 3)
	assert.Equal(t, "public", body.Drives[0].Slug)
	assert.False(t, body.Drives[0].RequiresPassword)
	assert.Equal(t, "private", body.Drives[1].Slug)
	assert.True(t, body.Drives[1].RequiresPassword)
}

func TestPasswordGate(t *testing.T) {
	env := newTestEnv(t, nil)
	listPrivate := "/api/files?action=list&driveSlug=private"

	rec := env.login("private", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Result().Cookies())

	rec = env.get(listPrivate)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.login("private", "hunter2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 86400, body["expiresIn"])
	assert.NotContains(t, body, "token")

	cookie := sessionCookieFrom(t, rec, "private")
	assert.Equal(t, "kertas_session_private", cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, 86400, cookie.MaxAge)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	rec = env.get(listPrivate, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), secretID)

	// A session for one drive does not open another.
	forged := &http.Cookie{Name: sessionCookieName("family"), Value: cookie.Value}
	rec = env.get("/api/files?action=list&driveSlug=family", forged)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.get("/api/files?action=list&driveSlug=private", &http.Cookie{Name: cookie.Name, Value: cookie.Value + "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginErrorsAreUnified(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Login.MaxFailures = 100 })

	for _, slug := range []string{"missing", "public", "private"} {
		rec := env.login(slug, "wrong")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, slug)
		assert.Equal(t, "invalid drive or password", decode(t, rec)["error"], slug)
	}

	rec := env.login("private", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/drive-auth", strings.NewReader("{not json"))
	assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
}

func TestLoginRevealsDriveExistence(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Login.RevealDriveExistence = true
		c.Login.MaxFailures = 100
	})

	assert.Equal(t, http.StatusNotFound, env.login("missing", "x").Code)
	assert.Equal(t, http.StatusBadRequest, env.login("public", "x").Code)
	assert.Equal(t, http.StatusUnauthorized, env.login("private", "x").Code)
}

func TestBearerSession(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/drive-auth", strings.NewReader(`{"driveSlug":"private","password":"hunter2","bearer":true}`))
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ := decode(t, rec)["token"].(string)
	require.NotEmpty(t, token)

	req = httptest.NewRequest(http.MethodGet, "/api/files?action=info&driveSlug=private&fileId="+secretID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "secret.txt")
}

func TestSessionStatusAndLogout(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get("/api/drive-auth?driveSlug=private")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, decode(t, rec)["authenticated"])

	cookie := sessionCookieFrom(t, env.login("private", "hunter2"), "private")
	rec = env.get("/api/drive-auth?driveSlug=private", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "private", body["driveSlug"])

	req := httptest.NewRequest(http.MethodDelete, "/api/drive-auth?driveSlug=private", nil)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := sessionCookieFrom(t, rec, "private")
	assert.Empty(t, cleared.Value)
	assert.Negative(t, cleared.MaxAge)
}

func TestPublicDriveBypass(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get("/api/files?action=list&driveSlug=public&pageSize=10")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.get("/api/files?action=info&fileId=" + blobID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	file, _ := decode(t, rec)["file"].(map[string]any)
	assert.Equal(t, "report.pdf", file["name"])

	rec = env.get("/api/files?action=list&driveSlug=nowhere")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPageSizeClamping(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, tt := range []struct {
		size string
		want int
	}{
		{"0", 1},
		{"-5", 1},
		{"99999", 200},
		{"50", 50},
		{"", 50},
	} {
		rec := env.get("/api/files?action=list&driveSlug=public&pageSize=" + tt.size)
		require.Equal(t, http.StatusOK, rec.Code, tt.size)

		var page struct {
			Files         []map[string]any `json:"files"`
			NextPageToken string           `json:"nextPageToken"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		assert.Len(t, page.Files, tt.want, tt.size)
		assert.NotEmpty(t, page.NextPageToken, tt.size)
	}

	rec := env.get("/api/files?action=list&driveSlug=public&pageSize=lots")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get("/api/files?action=search&q=photo-01&pageSize=100")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page struct {
		Files []map[string]any `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Files, 10)

	assert.Equal(t, http.StatusBadRequest, env.get("/api/files?action=search&q=%20").Code)
	assert.Equal(t, http.StatusBadRequest, env.get("/api/files?action=search&q="+strings.Repeat("a", 101)).Code)
	assert.Equal(t, http.StatusUnauthorized, env.get("/api/files?action=search&q=secret&driveSlug=private").Code)
}

func TestStreamRangeFidelity(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/files?action=stream&fileId="+blobID, nil)
	req.Header.Set("Range", "bytes=0-99")
	rec := env.do(req)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 0-99/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, "100", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, env.blob[:100], rec.Body.Bytes())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "inline"))

	req = httptest.NewRequest(http.MethodGet, "/api/files?action=stream&download=1&fileId="+blobID, nil)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, env.blob, rec.Body.Bytes())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "attachment"))

	req = httptest.NewRequest(http.MethodGet, "/api/files?action=stream&fileId="+blobID, nil)
	req.Header.Set("Range", "bytes=5000-")
	rec = env.do(req)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */1000", rec.Header().Get("Content-Range"))

	assert.Equal(t, int64(0), env.store.OpenStreams())
}

func TestStreamRequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get("/api/files?action=stream&driveSlug=private&fileId=" + secretID)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.get("/api/files?action=stream&fileId=" + publicRoot)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.get("/api/files?action=stream&fileId=missingfile01")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDriveContainment(t *testing.T) {
	env := newTestEnv(t, nil)

	// Without a session only the public drive is readable, and it does not
	// reach into other drives' folders.
	rec := env.get("/api/files?action=search&q=secret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), secretID)

	for _, target := range []string{
		"/api/files?action=stream&fileId=" + secretID,
		"/api/files?action=stream&driveSlug=public&download=1&fileId=" + secretID,
		"/api/files?action=info&fileId=" + secretID,
		"/api/files?action=list&driveSlug=public&folderId=" + privateRoot,
	} {
		rec := env.get(target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.NotContains(t, rec.Body.String(), "top secret", target)
		assert.NotContains(t, rec.Body.String(), "secret.txt", target)
	}
	assert.Equal(t, int64(0), env.store.OpenStreams())

	// A session reads its own drive and nothing outside it.
	cookie := sessionCookieFrom(t, env.login("private", "hunter2"), "private")

	rec = env.get("/api/files?action=stream&driveSlug=private&fileId="+secretID, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "top secret", rec.Body.String())

	rec = env.get("/api/files?action=search&driveSlug=private&q=secret", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), secretID)

	rec = env.get("/api/files?action=search&driveSlug=private&q=report", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), blobID)

	rec = env.get("/api/files?action=list&driveSlug=private&folderId="+privateRoot, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), secretID)

	for _, target := range []string{
		"/api/files?action=info&driveSlug=private&fileId=" + blobID,
		"/api/files?action=stream&driveSlug=private&fileId=" + blobID,
		"/api/files?action=list&driveSlug=private&folderId=" + publicRoot,
	} {
		assert.Equal(t, http.StatusNotFound, env.get(target, cookie).Code, target)
	}
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, target := range []string{
		"/api/files",
		"/api/files?action=delete",
		"/api/files?action=info&fileId=short",
		"/api/files?action=info&fileId=has%20space0000",
		"/api/files?action=info",
		"/api/files?action=list",
		"/api/files?action=list&driveSlug=private&folderId=../../etc",
		"/api/files?action=list&driveSlug=bad%20slug",
		"/api/files?action=stream&fileId=" + blobID + "&download=maybe",
		"/api/files?action=list&driveSlug=public&pageToken=" + strings.Repeat("t", 1025),
	} {
		rec := env.get(target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.NotEmpty(t, decode(t, rec)["error"], target)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/files?action=list", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(req).Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.RateLimit.Requests = 5 })

	for i := 0; i < 5; i++ {
		rec := env.get("/api/health")
		require.Equal(t, http.StatusOK, rec.Code, i)
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, fmt.Sprint(4-i), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := env.get("/api/health")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "198.51.100.7:4444"
	assert.Equal(t, http.StatusOK, env.do(req).Code, "budgets are per client")

	req = httptest.NewRequest(http.MethodOptions, "/api/files", nil)
	assert.Equal(t, http.StatusNoContent, env.do(req).Code, "preflights are not counted")

	env.now = env.now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, env.get("/api/health").Code)
}

func TestLoginLockout(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusUnauthorized, env.login("private", "wrong").Code)
	}
	assert.Equal(t, []string{"192.0.2.1"}, env.srv.lockedOutClients())

	rec := env.login("private", "hunter2")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Another client is unaffected.
	req := httptest.NewRequest(http.MethodPost, "/api/drive-auth", strings.NewReader(`{"driveSlug":"private","password":"hunter2"}`))
	req.RemoteAddr = "198.51.100.7:4444"
	assert.Equal(t, http.StatusOK, env.do(req).Code)

	env.now = env.now.Add(15 * time.Minute)
	assert.Empty(t, env.srv.lockedOutClients())
	assert.Equal(t, http.StatusOK, env.login("private", "hunter2").Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/files", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := env.do(req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Range")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "HEAD")
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Content-Range")

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	wild := newTestEnv(t, func(c *config.Config) { c.CORS.AllowedOrigins = []string{"*"} })
	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://anyone.example.com")
	rec = wild.do(req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}
