package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identd/auth"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `# identd test config
server:
  listen_addr: 127.0.0.1:9090
  cors_origins: ["https://app.example.com"]
tokens:
  ttl: 30m
  # issuer is overridden below
  issuer: from-file
storage:
  users: sqlite
  sqlite_path: /tmp/identd-test.db
oauth:
  require_providers: [github]
  timeout: 5s
`)
	t.Setenv("IDENTD_TOKENS_ISSUER", "from-env")
	t.Setenv("IDENTD_RATE_LIMIT_BURST", "3")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.ListenAddr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 30*time.Minute, cfg.Tokens.TTL)
	assert.Equal(t, "from-env", cfg.Tokens.Issuer)
	assert.Equal(t, BackendSQLite, cfg.Storage.Users)
	assert.Equal(t, 5*time.Second, cfg.OAuth.Timeout)
	assert.Equal(t, 3, cfg.RateLimit.Burst)

	required, err := cfg.RequiredProviders()
	require.NoError(t, err)
	assert.Equal(t, []auth.ProviderName{auth.ProviderGitHub}, required)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, auth.DefaultTokenTTL, cfg.Tokens.TTL)
	assert.Equal(t, BackendMemory, cfg.Storage.Revocations)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "tokens:\n  tll: 1h\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:   "production needs domains",
			mutate: func(c *Config) { c.Server.DevMode = false },
			errMsg: "server.tls.domains",
		},
		{
			name: "production with domains",
			mutate: func(c *Config) {
				c.Server.DevMode = false
				c.Server.TLS.Domains = []string{"auth.example.com"}
			},
		},
		{
			name:   "bad cors origin",
			mutate: func(c *Config) { c.Server.CORSOrigins = []string{"app.example.com"} },
			errMsg: "server.cors_origins",
		},
		{
			name:   "zero ttl",
			mutate: func(c *Config) { c.Tokens.TTL = 0 },
			errMsg: "tokens.ttl",
		},
		{
			name:   "empty issuer",
			mutate: func(c *Config) { c.Tokens.Issuer = " " },
			errMsg: "tokens.issuer",
		},
		{
			name:   "bcrypt cost too high",
			mutate: func(c *Config) { c.Passwords.Cost = 40 },
			errMsg: "passwords.cost",
		},
		{
			name:   "unknown user backend",
			mutate: func(c *Config) { c.Storage.Users = "postgres" },
			errMsg: "storage.users",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Storage.Users = BackendSQLite
				c.Storage.SQLitePath = ""
			},
			errMsg: "storage.sqlite_path",
		},
		{
			name:   "redis without addr",
			mutate: func(c *Config) { c.Storage.Revocations = BackendRedis },
			errMsg: "storage.redis_addr",
		},
		{
			name:   "unsupported required provider",
			mutate: func(c *Config) { c.OAuth.RequireProviders = []string{"gitlab"} },
			errMsg: "oauth.require_providers",
		},
		{
			name:   "negative rate",
			mutate: func(c *Config) { c.RateLimit.RequestsPerSecond = -1 },
			errMsg: "rate_limit.requests_per_second",
		},
		{
			name:   "zero burst",
			mutate: func(c *Config) { c.RateLimit.Burst = 0 },
			errMsg: "rate_limit.burst",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestLoadSecrets(t *testing.T) {
	s, err := loadSecrets(env.Options{Environment: map[string]string{
		"JWT_SECRET_KEY":        testJWTSecret,
		"IDENTD_REDIS_PASSWORD": "hunter2",
	}})
	require.NoError(t, err)
	assert.Equal(t, testJWTSecret, s.JWTSecret)
	assert.Equal(t, "hunter2", s.RedisPassword)

	_, err = loadSecrets(env.Options{Environment: map[string]string{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET_KEY")

	_, err = loadSecrets(env.Options{Environment: map[string]string{"JWT_SECRET_KEY": "short"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
	assert.NotContains(t, err.Error(), "short")
}

func TestLoadSecretsFromProcessEnv(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", testJWTSecret)
	s, err := LoadSecrets()
	require.NoError(t, err)
	assert.Equal(t, testJWTSecret, s.JWTSecret)
}

func TestEnvHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitAndTrim(" a , ,b,, c "))
	assert.True(t, parseBool("YES", false))
	assert.False(t, parseBool("off", true))
	assert.True(t, parseBool("maybe", true))
	assert.Equal(t, 2*time.Minute, parseDuration("2m", time.Second))
	assert.Equal(t, time.Second, parseDuration("soon", time.Second))
	assert.Equal(t, 7, parseInt(" 7 ", 1))
	assert.Equal(t, 0.5, parseFloat("0.5", 1))
}
