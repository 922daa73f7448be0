package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultProviderTimeout bounds every outbound call to a provider.
const DefaultProviderTimeout = 10 * time.Second

const maxProviderResponseBytes = 1 << 20

// Identity is the normalized user identity asserted by a provider.
type Identity struct {
	Provider      ProviderName
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// Provider drives the authorization-code flow against one identity provider.
type Provider interface {
	Name() ProviderName
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	FetchIdentity(ctx context.Context, tok *oauth2.Token) (Identity, error)
}

// providerSpec is everything that differs between providers; the flow
// itself is shared by oauthProvider.
type providerSpec struct {
	name       ProviderName
	endpoint   oauth2.Endpoint
	apiBaseURL string
	scopes     []string
	identity   func(ctx context.Context, p *oauthProvider, tok *oauth2.Token) (Identity, error)
}

var providerSpecs = map[ProviderName]providerSpec{
	ProviderGoogle: googleSpec,
	ProviderGitHub: githubSpec,
}

type providerOptions struct {
	httpClient *http.Client
	timeout    time.Duration
	endpoints  map[ProviderName]oauth2.Endpoint
	apiBases   map[ProviderName]string
	verifier   *oidc.IDTokenVerifier
	logger     *slog.Logger
}

// ProviderOption customizes provider construction.
type ProviderOption func(*providerOptions)

// WithHTTPClient sets the client used for token and API calls.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(o *providerOptions) { o.httpClient = c }
}

// WithProviderTimeout overrides DefaultProviderTimeout.
func WithProviderTimeout(d time.Duration) ProviderOption {
	return func(o *providerOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithEndpoint points a provider at different authorization and token URLs.
func WithEndpoint(name ProviderName, ep oauth2.Endpoint) ProviderOption {
	return func(o *providerOptions) { o.endpoints[name] = ep }
}

// WithAPIBaseURL points a provider's identity calls at a different host.
func WithAPIBaseURL(name ProviderName, base string) ProviderOption {
	return func(o *providerOptions) { o.apiBases[name] = base }
}

// WithIDTokenVerifier replaces the verifier used for Google ID tokens.
func WithIDTokenVerifier(v *oidc.IDTokenVerifier) ProviderOption {
	return func(o *providerOptions) { o.verifier = v }
}

// WithProviderLogger sets the logger used by provider adapters.
func WithProviderLogger(l *slog.Logger) ProviderOption {
	return func(o *providerOptions) { o.logger = l }
}

// BuildProviders constructs an adapter for every configured provider.
func BuildProviders(cfg OAuthConfig, opts ...ProviderOption) (map[ProviderName]Provider, error) {
	providers := make(map[ProviderName]Provider, cfg.Len())
	for _, name := range cfg.Names() {
		pc, _ := cfg.Provider(name)
		p, err := NewProvider(pc, opts...)
		if err != nil {
			return nil, err
		}
		providers[name] = p
	}
	return providers, nil
}

// NewProvider constructs the adapter for a single provider configuration.
func NewProvider(pc ProviderConfig, opts ...ProviderOption) (Provider, error) {
	spec, ok := providerSpecs[pc.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, pc.Provider)
	}

	o := providerOptions{
		timeout:   DefaultProviderTimeout,
		endpoints: make(map[ProviderName]oauth2.Endpoint),
		apiBases:  make(map[ProviderName]string),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: o.timeout}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if ep, ok := o.endpoints[pc.Provider]; ok {
		spec.endpoint = ep
	}
	if base, ok := o.apiBases[pc.Provider]; ok {
		spec.apiBaseURL = base
	}

	p := &oauthProvider{
		spec: spec,
		oauth: &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURI,
			Endpoint:     spec.endpoint,
			Scopes:       spec.scopes,
		},
		httpClient: o.httpClient,
		timeout:    o.timeout,
		logger:     o.logger.With("provider", string(pc.Provider)),
	}
	if pc.Provider == ProviderGoogle {
		p.verifier = o.verifier
		if p.verifier == nil {
			p.verifier = newGoogleVerifier(pc.ClientID, o.httpClient)
		}
	}
	return p, nil
}

type oauthProvider struct {
	spec       providerSpec
	oauth      *oauth2.Config
	httpClient *http.Client
	timeout    time.Duration
	verifier   *oidc.IDTokenVerifier
	logger     *slog.Logger
}

func (p *oauthProvider) Name() ProviderName { return p.spec.name }

func (p *oauthProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

func (p *oauthProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		p.logger.Warn("oauth exchange failed", "error", err)
		return nil, &OAuthExchangeError{Provider: p.spec.name, Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &OAuthExchangeError{Provider: p.spec.name, Err: errors.New("response missing access token")}
	}
	return tok, nil
}

func (p *oauthProvider) FetchIdentity(ctx context.Context, tok *oauth2.Token) (Identity, error) {
	if tok == nil || tok.AccessToken == "" {
		return Identity{}, &OAuthIdentityError{Provider: p.spec.name, Err: errors.New("missing access token")}
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	id, err := p.spec.identity(ctx, p, tok)
	if err != nil {
		p.logger.Warn("oauth identity fetch failed", "error", err)
		return Identity{}, &OAuthIdentityError{Provider: p.spec.name, Err: err}
	}
	if id.Subject == "" {
		return Identity{}, &OAuthIdentityError{Provider: p.spec.name, Err: errors.New("identity has no subject")}
	}
	id.Provider = p.spec.name
	id.Email = normalizeEmail(id.Email)
	return id, nil
}

// getJSON performs an authenticated GET against the provider API and decodes
// a JSON body into out.
func (p *oauthProvider) getJSON(ctx context.Context, path string, tok *oauth2.Token, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.spec.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
