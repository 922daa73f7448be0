package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"identd/auth"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the service configuration loaded from YAML and environment variables.
// OAuth client credentials and the signing secret never live here.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tokens    TokenConfig     `yaml:"tokens"`
	Passwords PasswordConfig  `yaml:"passwords"`
	Storage   StorageConfig   `yaml:"storage"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	ListenAddr        string    `yaml:"listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	TLS               TLSConfig `yaml:"tls"`
	CORSOrigins       []string  `yaml:"cors_origins"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// TokenConfig controls bearer token issuance.
type TokenConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Issuer        string        `yaml:"issuer"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// PasswordConfig controls password hashing.
type PasswordConfig struct {
	Cost int `yaml:"cost"`
}

// StorageConfig selects the user and revocation backends.
type StorageConfig struct {
	Users       string `yaml:"users"`
	SQLitePath  string `yaml:"sqlite_path"`
	Revocations string `yaml:"revocations"`
	RedisAddr   string `yaml:"redis_addr"`
}

// OAuthConfig holds the non-secret OAuth settings.
type OAuthConfig struct {
	RequireProviders []string      `yaml:"require_providers"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RateLimitConfig throttles the credential endpoints per client IP.
// A zero RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Secrets are read from the environment only.
type Secrets struct {
	JWTSecret     string `env:"JWT_SECRET_KEY,required,notEmpty"`
	RedisPassword string `env:"IDENTD_REDIS_PASSWORD"`
}

// LoadSecrets reads Secrets from the process environment.
func LoadSecrets() (Secrets, error) {
	return loadSecrets(env.Options{})
}

func loadSecrets(opts env.Options) (Secrets, error) {
	var s Secrets
	if err := env.ParseWithOptions(&s, opts); err != nil {
		return Secrets{}, fmt.Errorf("load secrets: %w", err)
	}
	if len(s.JWTSecret) < auth.MinSecretBytes {
		return Secrets{}, fmt.Errorf("JWT_SECRET_KEY must be at least %d bytes, got %d", auth.MinSecretBytes, len(s.JWTSecret))
	}
	return s, nil
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(stripYAMLComments(b)))
		decoder.KnownFields(true)

		// An empty file decodes to io.EOF and keeps the defaults.
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir: ".autocert",
			},
		},
		Tokens: TokenConfig{
			TTL:           auth.DefaultTokenTTL,
			Issuer:        auth.DefaultIssuer,
			SweepInterval: 10 * time.Minute,
		},
		Passwords: PasswordConfig{
			Cost: auth.DefaultCost,
		},
		Storage: StorageConfig{
			Users:       BackendMemory,
			SQLitePath:  "identd.db",
			Revocations: BackendMemory,
		},
		OAuth: OAuthConfig{
			Timeout: auth.DefaultProviderTimeout,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 1,
			Burst:             10,
		},
	}
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"IDENTD_SERVER_LISTEN_ADDR":          func(v string) { cfg.Server.ListenAddr = v },
		"IDENTD_SERVER_HTTP_LISTEN_ADDR":     func(v string) { cfg.Server.HTTPListenAddr = v },
		"IDENTD_SERVER_HTTPS_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPSListenAddr = v },
		"IDENTD_SERVER_DEV_MODE":             func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"IDENTD_SERVER_TLS_DOMAINS":          func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"IDENTD_SERVER_TLS_EMAIL":            func(v string) { cfg.Server.TLS.Email = v },
		"IDENTD_SERVER_TLS_CACHE_DIR":        func(v string) { cfg.Server.TLS.CacheDir = v },
		"IDENTD_SERVER_CORS_ORIGINS":         func(v string) { cfg.Server.CORSOrigins = splitAndTrim(v) },
		"IDENTD_SERVER_TRUST_PROXY_HEADERS":  func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) },
		"IDENTD_TOKENS_TTL":                  func(v string) { cfg.Tokens.TTL = parseDuration(v, cfg.Tokens.TTL) },
		"IDENTD_TOKENS_ISSUER":               func(v string) { cfg.Tokens.Issuer = v },
		"IDENTD_TOKENS_SWEEP_INTERVAL":       func(v string) { cfg.Tokens.SweepInterval = parseDuration(v, cfg.Tokens.SweepInterval) },
		"IDENTD_PASSWORDS_COST":              func(v string) { cfg.Passwords.Cost = parseInt(v, cfg.Passwords.Cost) },
		"IDENTD_STORAGE_USERS":               func(v string) { cfg.Storage.Users = v },
		"IDENTD_STORAGE_SQLITE_PATH":         func(v string) { cfg.Storage.SQLitePath = v },
		"IDENTD_STORAGE_REVOCATIONS":         func(v string) { cfg.Storage.Revocations = v },
		"IDENTD_STORAGE_REDIS_ADDR":          func(v string) { cfg.Storage.RedisAddr = v },
		"IDENTD_OAUTH_REQUIRE_PROVIDERS":     func(v string) { cfg.OAuth.RequireProviders = splitAndTrim(v) },
		"IDENTD_OAUTH_TIMEOUT":               func(v string) { cfg.OAuth.Timeout = parseDuration(v, cfg.OAuth.Timeout) },
		"IDENTD_RATE_LIMIT_REQUESTS_PER_SEC": func(v string) { cfg.RateLimit.RequestsPerSecond = parseFloat(v, cfg.RateLimit.RequestsPerSecond) },
		"IDENTD_RATE_LIMIT_BURST":            func(v string) { cfg.RateLimit.Burst = parseInt(v, cfg.RateLimit.Burst) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(val string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RequiredProviders parses oauth.require_providers.
func (c Config) RequiredProviders() ([]auth.ProviderName, error) {
	out := make([]auth.ProviderName, 0, len(c.OAuth.RequireProviders))
	for _, raw := range c.OAuth.RequireProviders {
		name, err := auth.ParseProviderName(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.DevMode && strings.TrimSpace(c.Server.ListenAddr) == "" {
		slog.Error("Missing required configuration", "field", "server.listen_addr")
		return errors.New("server.listen_addr is required in dev mode")
	}

	if !c.Server.DevMode {
		if len(c.Server.TLS.Domains) == 0 {
			slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
			return errors.New("server.tls.domains must be provided in production")
		}
		if strings.TrimSpace(c.Server.TLS.CacheDir) == "" {
			slog.Error("Missing required configuration for production mode", "field", "server.tls.cache_dir")
			return errors.New("server.tls.cache_dir must be provided in production")
		}
	}

	for i, origin := range c.Server.CORSOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			slog.Error("Invalid configuration value", "field", "server.cors_origins", "index", i, "value", origin, "reason", "must start with http:// or https://")
			return fmt.Errorf("server.cors_origins[%d] must start with http:// or https://, got: %s", i, origin)
		}
	}

	if c.Tokens.TTL <= 0 {
		slog.Error("Invalid configuration value", "field", "tokens.ttl", "value", c.Tokens.TTL)
		return fmt.Errorf("tokens.ttl must be positive, got: %s", c.Tokens.TTL)
	}
	if strings.TrimSpace(c.Tokens.Issuer) == "" {
		slog.Error("Missing required configuration", "field", "tokens.issuer")
		return errors.New("tokens.issuer is required")
	}
	if c.Tokens.SweepInterval <= 0 {
		slog.Error("Invalid configuration value", "field", "tokens.sweep_interval", "value", c.Tokens.SweepInterval)
		return fmt.Errorf("tokens.sweep_interval must be positive, got: %s", c.Tokens.SweepInterval)
	}

	if c.Passwords.Cost < auth.MinCost || c.Passwords.Cost > auth.MaxCost {
		slog.Error("Invalid configuration value", "field", "passwords.cost", "value", c.Passwords.Cost, "valid_range", fmt.Sprintf("%d-%d", auth.MinCost, auth.MaxCost))
		return fmt.Errorf("passwords.cost must be between %d and %d, got: %d", auth.MinCost, auth.MaxCost, c.Passwords.Cost)
	}

	switch c.Storage.Users {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			slog.Error("Missing required configuration", "field", "storage.sqlite_path")
			return errors.New("storage.sqlite_path is required when storage.users is sqlite")
		}
	default:
		slog.Error("Invalid configuration value", "field", "storage.users", "value", c.Storage.Users, "valid_values", []string{BackendMemory, BackendSQLite})
		return fmt.Errorf("storage.users must be %q or %q, got: %q", BackendMemory, BackendSQLite, c.Storage.Users)
	}

	switch c.Storage.Revocations {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Storage.RedisAddr) == "" {
			slog.Error("Missing required configuration", "field", "storage.redis_addr")
			return errors.New("storage.redis_addr is required when storage.revocations is redis")
		}
	default:
		slog.Error("Invalid configuration value", "field", "storage.revocations", "value", c.Storage.Revocations, "valid_values", []string{BackendMemory, BackendRedis})
		return fmt.Errorf("storage.revocations must be %q or %q, got: %q", BackendMemory, BackendRedis, c.Storage.Revocations)
	}

	if _, err := c.RequiredProviders(); err != nil {
		slog.Error("Invalid configuration value", "field", "oauth.require_providers", "error", err)
		return fmt.Errorf("oauth.require_providers: %w", err)
	}
	if c.OAuth.Timeout <= 0 {
		slog.Error("Invalid configuration value", "field", "oauth.timeout", "value", c.OAuth.Timeout)
		return fmt.Errorf("oauth.timeout must be positive, got: %s", c.OAuth.Timeout)
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		slog.Error("Invalid configuration value", "field", "rate_limit.requests_per_second", "value", c.RateLimit.RequestsPerSecond)
		return fmt.Errorf("rate_limit.requests_per_second must not be negative, got: %v", c.RateLimit.RequestsPerSecond)
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < 1 {
		slog.Error("Invalid configuration value", "field", "rate_limit.burst", "value", c.RateLimit.Burst)
		return fmt.Errorf("rate_limit.burst must be at least 1 when limiting is enabled, got: %d", c.RateLimit.Burst)
	}

	return nil
}
