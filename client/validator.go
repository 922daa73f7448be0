// Package client lets downstream services check identd bearer tokens.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrInactive is returned for tokens identd reports as invalid, expired or
// revoked.
var ErrInactive = errors.New("token inactive")

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	// IntrospectionURL is identd's POST /auth/introspect endpoint.
	IntrospectionURL string
	// Issuer, when set, must match the token's iss.
	Issuer     string
	HTTPClient *http.Client
	Timeout    time.Duration
	// CacheTTL enables caching of active results. A revoked token may be
	// accepted for up to CacheTTL after logout. Zero disables the cache.
	CacheTTL time.Duration
}

// Validator checks tokens against identd's introspection endpoint.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedClaims
}

type cachedClaims struct {
	claims  *Claims
	expires time.Time
}

// Claims is the validated view of a token.
type Claims struct {
	Subject   string
	Issuer    string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type introspection struct {
	Active bool   `json:"active"`
	Sub    string `json:"sub"`
	Iss    string `json:"iss"`
	JTI    string `json:"jti"`
	Exp    int64  `json:"exp"`
	Iat    int64  `json:"iat"`
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	u, err := url.Parse(cfg.IntrospectionURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("introspection url must be an absolute http(s) URL, got %q", cfg.IntrospectionURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Validator{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		cache:  make(map[string]cachedClaims),
	}, nil
}

// Validate returns the token's claims when identd reports it active.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}
	key := cacheKey(rawToken)
	if c, ok := v.cached(key); ok {
		return c, nil
	}

	body, err := v.introspect(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if !body.Active {
		return nil, ErrInactive
	}
	if body.Sub == "" {
		return nil, errors.New("introspection response missing sub")
	}
	if v.cfg.Issuer != "" && body.Iss != v.cfg.Issuer {
		return nil, fmt.Errorf("issuer mismatch: %q", body.Iss)
	}

	claims := &Claims{
		Subject: body.Sub,
		Issuer:  body.Iss,
		TokenID: body.JTI,
	}
	if body.Exp > 0 {
		claims.ExpiresAt = time.Unix(body.Exp, 0)
	}
	if body.Iat > 0 {
		claims.IssuedAt = time.Unix(body.Iat, 0)
	}
	v.store(key, claims)
	return claims, nil
}

func (v *Validator) introspect(ctx context.Context, token string) (introspection, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	form := url.Values{}
	form.Set("token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return introspection{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return introspection{}, fmt.Errorf("introspection request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return introspection{}, fmt.Errorf("introspection failed: %s", resp.Status)
	}

	var body introspection
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return introspection{}, fmt.Errorf("decode introspection: %w", err)
	}
	return body, nil
}

func (v *Validator) cached(key string) (*Claims, bool) {
	if v.cfg.CacheTTL <= 0 {
		return nil, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.cache[key]
	if !ok {
		return nil, false
	}
	if !v.now().Before(c.expires) {
		delete(v.cache, key)
		return nil, false
	}
	return c.claims, true
}

func (v *Validator) store(key string, claims *Claims) {
	if v.cfg.CacheTTL <= 0 {
		return
	}
	now := v.now()
	expires := now.Add(v.cfg.CacheTTL)
	if !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(expires) {
		expires = claims.ExpiresAt
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for k, c := range v.cache {
		if !now.Before(c.expires) {
			delete(v.cache, k)
		}
	}
	v.cache[key] = cachedClaims{claims: claims, expires: expires}
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RequireAuth middleware validates tokens and injects claims into context.
func RequireAuth(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(r.Context(), strings.TrimSpace(parts[1]))
			switch {
			case errors.Is(err, ErrInactive):
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			case err != nil:
				http.Error(w, "token validation unavailable", http.StatusServiceUnavailable)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}
