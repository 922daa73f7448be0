package auth

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ProviderName identifies a supported third-party identity provider.
type ProviderName string

const (
	ProviderGoogle ProviderName = "google"
	ProviderGitHub ProviderName = "github"
)

// KnownProviders lists every provider the engine has an adapter for.
var KnownProviders = []ProviderName{ProviderGoogle, ProviderGitHub}

// ParseProviderName normalizes a provider name taken from a URL or config file.
func ParseProviderName(raw string) (ProviderName, error) {
	name := ProviderName(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(KnownProviders, name) {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, raw)
	}
	return name, nil
}

// EnvPrefix returns the environment prefix for a provider, e.g. OAUTH_GITHUB_.
func (p ProviderName) EnvPrefix() string {
	return "OAUTH_" + strings.ToUpper(string(p)) + "_"
}

// ProviderConfig holds the client credentials registered with one provider.
type ProviderConfig struct {
	Provider     ProviderName
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// LogValue keeps the client secret out of structured logs.
func (c ProviderConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("provider", string(c.Provider)),
		slog.String("client_id", c.ClientID),
		slog.String("redirect_uri", c.RedirectURI),
	)
}

// OAuthConfig is the validated, read-only set of configured providers.
type OAuthConfig struct {
	providers map[ProviderName]ProviderConfig
}

// Provider returns the configuration for name if that provider is enabled.
func (c OAuthConfig) Provider(name ProviderName) (ProviderConfig, bool) {
	cfg, ok := c.providers[name]
	return cfg, ok
}

// Names returns the enabled providers in a stable order.
func (c OAuthConfig) Names() []ProviderName {
	out := make([]ProviderName, 0, len(c.providers))
	for _, name := range KnownProviders {
		if _, ok := c.providers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Len reports how many providers are enabled.
func (c OAuthConfig) Len() int { return len(c.providers) }

type providerEnv struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURI  string `env:"REDIRECT_URI"`
}

// LoadOAuthConfig reads OAUTH_<PROVIDER>_* variables from the process
// environment. Providers named in require must be fully configured.
func LoadOAuthConfig(require ...ProviderName) (OAuthConfig, error) {
	return LoadOAuthConfigFrom(nil, require...)
}

// LoadOAuthConfigFrom is LoadOAuthConfig over an explicit environment map.
// A nil map falls back to the process environment.
func LoadOAuthConfigFrom(environ map[string]string, require ...ProviderName) (OAuthConfig, error) {
	for _, name := range require {
		if !slices.Contains(KnownProviders, name) {
			return OAuthConfig{}, &ConfigError{Provider: name, Reason: "required provider is not supported"}
		}
	}

	cfg := OAuthConfig{providers: make(map[ProviderName]ProviderConfig, len(KnownProviders))}
	for _, name := range KnownProviders {
		pc, present, err := loadProvider(name, environ)
		if err != nil {
			return OAuthConfig{}, err
		}
		if present {
			cfg.providers[name] = pc
		}
	}

	var absent []string
	for _, name := range require {
		if _, ok := cfg.providers[name]; !ok {
			absent = append(absent, string(name))
		}
	}
	if len(absent) > 0 {
		return OAuthConfig{}, &ConfigError{
			Reason: "required providers not configured: " + strings.Join(absent, ", "),
		}
	}

	return cfg, nil
}

func loadProvider(name ProviderName, environ map[string]string) (ProviderConfig, bool, error) {
	prefix := name.EnvPrefix()
	var raw providerEnv
	if err := env.ParseWithOptions(&raw, env.Options{Prefix: prefix, Environment: environ}); err != nil {
		return ProviderConfig{}, false, &ConfigError{Provider: name, Reason: err.Error()}
	}

	pc := ProviderConfig{
		Provider:     name,
		ClientID:     strings.TrimSpace(raw.ClientID),
		ClientSecret: strings.TrimSpace(raw.ClientSecret),
		RedirectURI:  strings.TrimSpace(raw.RedirectURI),
	}

	var missing []string
	if pc.ClientID == "" {
		missing = append(missing, prefix+"CLIENT_ID")
	}
	if pc.ClientSecret == "" {
		missing = append(missing, prefix+"CLIENT_SECRET")
	}
	if pc.RedirectURI == "" {
		missing = append(missing, prefix+"REDIRECT_URI")
	}
	switch len(missing) {
	case 3:
		return ProviderConfig{}, false, nil
	case 0:
	default:
		return ProviderConfig{}, false, &ConfigError{
			Provider: name,
			Reason:   "incomplete configuration",
			Missing:  missing,
		}
	}

	if err := validateRedirectURI(pc.RedirectURI); err != nil {
		return ProviderConfig{}, false, &ConfigError{
			Provider: name,
			Reason:   fmt.Sprintf("%sREDIRECT_URI %v", prefix, err),
		}
	}
	return pc, true, nil
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL")
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https, got %q", u.Scheme)
	}
	return nil
}
