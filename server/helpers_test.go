package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"identd/auth"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Passwords.Cost = auth.MinCost
	cfg.RateLimit.RequestsPerSecond = 0
	return cfg
}

func testSecrets() Secrets {
	return Secrets{JWTSecret: testJWTSecret}
}

func newTestApp(t *testing.T, cfg Config, oauthCfg auth.OAuthConfig, opts ...AppOption) *App {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	app, err := NewApp(ctx, cfg, testSecrets(), oauthCfg, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func noOAuth(t *testing.T) auth.OAuthConfig {
	t.Helper()
	cfg, err := auth.LoadOAuthConfigFrom(map[string]string{})
	require.NoError(t, err)
	return cfg
}

func githubOAuth(t *testing.T) auth.OAuthConfig {
	t.Helper()
	cfg, err := auth.LoadOAuthConfigFrom(map[string]string{
		"OAUTH_GITHUB_CLIENT_ID":     "gh-client",
		"OAUTH_GITHUB_CLIENT_SECRET": "gh-secret",
		"OAUTH_GITHUB_REDIRECT_URI":  "http://localhost:8080/auth/oauth/github/callback",
	})
	require.NoError(t, err)
	return cfg
}

type request struct {
	method string
	path   string
	body   string
	json   bool
	bearer string
	header map[string]string
}

func do(t *testing.T, h http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if req.body != "" {
		body = strings.NewReader(req.body)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.json {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.bearer != "" {
		r.Header.Set("Authorization", "Bearer "+req.bearer)
	}
	for k, v := range req.header {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&out), rec.Body.String())
	return out
}

func credentials(email, password string) string {
	b, _ := json.Marshal(map[string]string{"email": email, "password": password})
	return string(b)
}

func registerUser(t *testing.T, h http.Handler, email, password string) tokenResponse {
	t.Helper()
	rec := do(t, h, request{method: http.MethodPost, path: "/auth/register", body: credentials(email, password), json: true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[tokenResponse](t, rec)
}

// fakeGitHub serves the token and user endpoints of a GitHub-like provider.
type fakeGitHub struct {
	mu     sync.Mutex
	server *httptest.Server
	userID int64
	email  string
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{userID: 583231, email: "octo@example.com"}
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gh-at","token_type":"bearer","scope":"read:user,user:email"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gh-at" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		body := map[string]any{"id": f.userID, "login": "octocat", "email": f.email}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body := []map[string]any{{"email": f.email, "primary": true, "verified": true}}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGitHub) appOption() AppOption {
	return WithProviderOptions(
		auth.WithEndpoint(auth.ProviderGitHub, oauth2.Endpoint{
			AuthURL:   f.server.URL + "/login/oauth/authorize",
			TokenURL:  f.server.URL + "/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		}),
		auth.WithAPIBaseURL(auth.ProviderGitHub, f.server.URL),
		auth.WithProviderTimeout(2*time.Second),
	)
}

// settableClock is a mutable time source shared with the token service.
type settableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *settableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *settableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
