package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identd/auth"
)

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func TestRegisterLoginMe(t *testing.T) {
	h := newTestApp(t, testConfig(), noOAuth(t)).Routes()

	reg := registerUser(t, h, "Alice@Example.com", "Secret123")
	assert.Equal(t, "bearer", reg.TokenType)
	assert.NotEmpty(t, reg.AccessToken)
	assert.InDelta(t, auth.DefaultTokenTTL.Seconds(), float64(reg.ExpiresIn), 1)

	rec := do(t, h, request{method: http.MethodPost, path: "/auth/login", body: credentials("alice@example.com", "Secret123"), json: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	login := decode[tokenResponse](t, rec)

	rec = do(t, h, request{method: http.MethodGet, path: "/auth/me", bearer: login.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	me := decode[userView](t, rec)
	assert.Equal(t, "alice@example.com", me.Email)
	assert.True(t, me.HasPassword)
	assert.Empty(t, me.Identities)
}

func TestRegisterErrors(t *testing.T) {
	h := newTestApp(t, testConfig(), noOAuth(t)).Routes()
	registerUser(t, h, "taken@example.com", "Secret123")

	tests := []struct {
		name   string
		req    request
		status int
		code   string
	}{
		{
			name:   "duplicate email",
			req:    request{method: http.MethodPost, path: "/auth/register", body: credentials("TAKEN@example.com", "Other1234"), json: true},
			status: http.StatusConflict,
			code:   "conflict",
		},
		{
			name:   "missing password",
			req:    request{method: http.MethodPost, path: "/auth/register", body: `{"email":"a@example.com"}`, json: true},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "missing email",
			req:    request{method: http.MethodPost, path: "/auth/register", body: `{"password":"Secret123"}`, json: true},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "malformed email",
			req:    request{method: http.MethodPost, path: "/auth/register", body: credentials("not-an-email", "Secret123"), json: true},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "oversized password",
			req:    request{method: http.MethodPost, path: "/auth/register", body: credentials("b@example.com", strings.Repeat("x", auth.MaxPasswordBytes+1)), json: true},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "malformed json",
			req:    request{method: http.MethodPost, path: "/auth/register", body: `{"email":`, json: true},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "not json",
			req:    request{method: http.MethodPost, path: "/auth/register", body: "email=a@example.com"},
			status: http.StatusUnsupportedMediaType,
			code:   "invalid_request",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.req)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decode[errorBody](t, rec).Error)
		})
	}
}

func TestLoginFailuresLookAlike(t *testing.T) {
	h := newTestApp(t, testConfig(), noOAuth(t)).Routes()
	registerUser(t, h, "alice@example.com", "Secret123")

	var bodies []string
	for _, creds := range [][2]string{
		{"alice@example.com", "wrong-password"},
		{"nobody@example.com", "Secret123"},
	} {
		rec := do(t, h, request{method: http.MethodPost, path: "/auth/login", body: credentials(creds[0], creds[1]), json: true})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		bodies = append(bodies, rec.Body.String())
	}
	assert.Equal(t, bodies[0], bodies[1])
}

func TestBearerRequired(t *testing.T) {
	h := newTestApp(t, testConfig(), noOAuth(t)).Routes()

	for _, path := range []string{"/auth/logout", "/auth/refresh"} {
		rec := do(t, h, request{method: http.MethodPost, path: path})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	}

	rec := do(t, h, request{method: http.MethodGet, path: "/auth/me", header: map[string]string{"Authorization": "Basic YWxpY2U6c2VjcmV0"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, request{method: http.MethodGet, path: "/auth/me", bearer: "not.a.jwt"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token is invalid", decode[errorBody](t, rec).Description)
}

func TestLogoutRevokesToken(t *testing.T) {
	h := newTestApp(t, testConfig(), noOAuth(t)).Routes()
	tok := registerUser(t, h, "alice@example.com", "Secret123")

	rec := do(t, h, request{method: http.MethodPost, path: "/auth/logout", bearer: tok.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, request{method: http.MethodGet, path: "/auth/me", bearer: tok.AccessToken})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token has been revoked", decode[errorBody](t, rec).Description)

	rec = do(t, h, request{method: http.MethodPost, path: "/auth/refresh", bearer: tok.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshIssuesNewToken(t *testing.T) {
	h := newTestApp(t, testConfig(), noOAuth(t)).Routes()
	tok := registerUser(t, h, "alice@example.com", "Secret123")

	rec := do(t, h, request{method: http.MethodPost, path: "/auth/refresh", bearer: tok.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	next := decode[tokenResponse](t, rec)
	assert.NotEqual(t, tok.AccessToken, next.AccessToken)

	rec = do(t, h, request{method: http.MethodGet, path: "/auth/me", bearer: next.AccessToken})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExpiredToken(t *testing.T) {
	clock := &settableClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := testConfig()
	cfg.Tokens.TTL = time.Hour
	h := newTestApp(t, cfg, noOAuth(t), WithTokenOptions(auth.WithClock(clock.Now))).Routes()

	tok := registerUser(t, h, "alice@example.com", "Secret123")
	assert.Equal(t, int64(3600), tok.ExpiresIn)

	clock.Advance(time.Hour)
	rec := do(t, h, request{method: http.MethodGet, path: "/auth/me", bearer: tok.AccessToken})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token has expired", decode[errorBody](t, rec).Description)
}

func TestIntrospect(t *testing.T) {
	h := newTestApp(t, testConfig(), noOAuth(t)).Routes()
	tok := registerUser(t, h, "alice@example.com", "Secret123")

	introspect := func(token string) introspectionResponse {
		rec := do(t, h, request{
			method: http.MethodPost,
			path:   "/auth/introspect",
			body:   url.Values{"token": {token}}.Encode(),
			header: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[introspectionResponse](t, rec)
	}

	active := introspect(tok.AccessToken)
	assert.True(t, active.Active)
	assert.NotEmpty(t, active.Subject)
	assert.Equal(t, auth.DefaultIssuer, active.Issuer)
	assert.NotEmpty(t, active.JTI)
	assert.Greater(t, active.ExpiresAt, active.IssuedAt)

	assert.False(t, introspect("garbage").Active)

	rec := do(t, h, request{method: http.MethodPost, path: "/auth/logout", bearer: tok.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, introspectionResponse{Active: false}, introspect(tok.AccessToken))

	rec = do(t, h, request{method: http.MethodPost, path: "/auth/introspect"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthFlow(t *testing.T) {
	gh := newFakeGitHub(t)
	h := newTestApp(t, testConfig(), githubOAuth(t), gh.appOption()).Routes()

	start := func() string {
		rec := do(t, h, request{method: http.MethodGet, path: "/auth/oauth/github"})
		require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(loc.String(), gh.server.URL+"/login/oauth/authorize"))
		q := loc.Query()
		assert.Equal(t, "gh-client", q.Get("client_id"))
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Equal(t, "http://localhost:8080/auth/oauth/github/callback", q.Get("redirect_uri"))
		require.NotEmpty(t, q.Get("state"))
		return q.Get("state")
	}
	callback := func(code, state string) *httptest.ResponseRecorder {
		return do(t, h, request{method: http.MethodGet, path: "/auth/oauth/github/callback?" + url.Values{"code": {code}, "state": {state}}.Encode()})
	}

	first := callback("good-code", start())
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	created := decode[oauthLoginResponse](t, first)
	assert.True(t, created.Created)
	assert.Equal(t, "github", created.Provider)
	assert.Equal(t, "bearer", created.TokenType)

	second := callback("good-code", start())
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	linked := decode[oauthLoginResponse](t, second)
	assert.False(t, linked.Created)
	assert.Equal(t, created.UserID, linked.UserID)

	rec := do(t, h, request{method: http.MethodGet, path: "/auth/me", bearer: linked.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[userView](t, rec)
	assert.Equal(t, "octo@example.com", me.Email)
	assert.False(t, me.HasPassword)
	require.Len(t, me.Identities, 1)
	assert.Equal(t, "github", me.Identities[0].Provider)

	// The OAuth-only account cannot log in with a password.
	rec = do(t, h, request{method: http.MethodPost, path: "/auth/login", body: credentials("octo@example.com", "anything"), json: true})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOAuthLinksVerifiedEmailToLocalAccount(t *testing.T) {
	gh := newFakeGitHub(t)
	h := newTestApp(t, testConfig(), githubOAuth(t), gh.appOption()).Routes()
	reg := registerUser(t, h, "octo@example.com", "Secret123")

	me := do(t, h, request{method: http.MethodGet, path: "/auth/me", bearer: reg.AccessToken})
	require.Equal(t, http.StatusOK, me.Code)
	local := decode[userView](t, me)

	rec := do(t, h, request{method: http.MethodGet, path: "/auth/oauth/github"})
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	rec = do(t, h, request{method: http.MethodGet, path: "/auth/oauth/github/callback?code=good-code&state=" + url.QueryEscape(loc.Query().Get("state"))})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[oauthLoginResponse](t, rec)
	assert.False(t, res.Created)
	assert.Equal(t, local.ID, res.UserID)
}

func TestOAuthCallbackErrors(t *testing.T) {
	gh := newFakeGitHub(t)
	h := newTestApp(t, testConfig(), githubOAuth(t), gh.appOption()).Routes()

	freshState := func() string {
		rec := do(t, h, request{method: http.MethodGet, path: "/auth/oauth/github"})
		require.Equal(t, http.StatusFound, rec.Code)
		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		return loc.Query().Get("state")
	}

	tests := []struct {
		name   string
		path   func() string
		status int
		code   string
	}{
		{
			name:   "unsupported provider start",
			path:   func() string { return "/auth/oauth/facebook" },
			status: http.StatusNotFound,
			code:   "unknown_provider",
		},
		{
			name:   "unconfigured provider start",
			path:   func() string { return "/auth/oauth/google" },
			status: http.StatusNotFound,
			code:   "unknown_provider",
		},
		{
			name:   "unconfigured provider callback",
			path:   func() string { return "/auth/oauth/google/callback?code=c&state=s" },
			status: http.StatusNotFound,
			code:   "unknown_provider",
		},
		{
			name:   "provider error parameter",
			path:   func() string { return "/auth/oauth/github/callback?error=access_denied&error_description=user+cancelled" },
			status: http.StatusBadRequest,
			code:   "access_denied",
		},
		{
			name:   "missing state",
			path:   func() string { return "/auth/oauth/github/callback?code=good-code" },
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "forged state",
			path:   func() string { return "/auth/oauth/github/callback?code=good-code&state=forged" },
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "missing code",
			path:   func() string { return "/auth/oauth/github/callback?state=" + url.QueryEscape(freshState()) },
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "code rejected by provider",
			path:   func() string { return "/auth/oauth/github/callback?code=bad-code&state=" + url.QueryEscape(freshState()) },
			status: http.StatusBadGateway,
			code:   "provider_error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, request{method: http.MethodGet, path: tc.path()})
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decode[errorBody](t, rec).Error)
		})
	}
}

func TestHealth(t *testing.T) {
	gh := newFakeGitHub(t)
	h := newTestApp(t, testConfig(), githubOAuth(t), gh.appOption()).Routes()

	rec := do(t, h, request{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []any{"github"}, body["providers"])
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "abc", extractBearerToken("Bearer abc"))
	assert.Equal(t, "abc", extractBearerToken("bearer  abc "))
	assert.Empty(t, extractBearerToken("Basic abc"))
	assert.Empty(t, extractBearerToken("Bearer"))
	assert.Empty(t, extractBearerToken(""))
}
