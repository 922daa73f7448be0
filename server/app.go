package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"identd/auth"
	"identd/storage/sqlite"
)

// App holds the wired identity engine and its HTTP dependencies.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Auth    *auth.Service
	Limiter *RateLimiter

	closers []func() error
}

// AppOption customizes NewApp.
type AppOption func(*appOptions)

type appOptions struct {
	providerOpts []auth.ProviderOption
	tokenOpts    []auth.TokenOption
}

// WithProviderOptions forwards options to auth.BuildProviders.
func WithProviderOptions(opts ...auth.ProviderOption) AppOption {
	return func(o *appOptions) { o.providerOpts = append(o.providerOpts, opts...) }
}

// WithTokenOptions forwards options to auth.NewTokenService.
func WithTokenOptions(opts ...auth.TokenOption) AppOption {
	return func(o *appOptions) { o.tokenOpts = append(o.tokenOpts, opts...) }
}

// NewApp wires together the application state from configuration. The
// revocation sweeper, when used, runs until ctx is cancelled.
func NewApp(ctx context.Context, cfg Config, secrets Secrets, oauthCfg auth.OAuthConfig, logger *slog.Logger, opts ...AppOption) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Limiter: NewRateLimiter(cfg.RateLimit, cfg.Server.TrustProxyHeaders),
	}

	users, err := app.openUserStore(ctx)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	revocations, err := app.openRevocationStore(ctx, secrets)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	tokenOpts := append([]auth.TokenOption{
		auth.WithTokenTTL(cfg.Tokens.TTL),
		auth.WithIssuer(cfg.Tokens.Issuer),
		auth.WithRevocationStore(revocations),
	}, o.tokenOpts...)
	tokens, err := auth.NewTokenService([]byte(secrets.JWTSecret), logger, tokenOpts...)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("token service: %w", err)
	}

	providerOpts := append([]auth.ProviderOption{
		auth.WithProviderTimeout(cfg.OAuth.Timeout),
		auth.WithProviderLogger(logger),
	}, o.providerOpts...)
	providers, err := auth.BuildProviders(oauthCfg, providerOpts...)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("oauth providers: %w", err)
	}

	svc, err := auth.NewService(users, auth.NewHasher(cfg.Passwords.Cost), tokens, providers, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Auth = svc

	logger.Info("identity engine ready",
		"users", cfg.Storage.Users,
		"revocations", cfg.Storage.Revocations,
		"providers", svc.Providers(),
		"token_ttl", cfg.Tokens.TTL.String())
	return app, nil
}

func (a *App) openUserStore(ctx context.Context) (auth.UserStore, error) {
	switch a.Config.Storage.Users {
	case BackendSQLite:
		store, err := sqlite.Open(ctx, a.Config.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open user store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.Logger.Info("user store opened", "backend", BackendSQLite, "path", a.Config.Storage.SQLitePath)
		return store, nil
	default:
		return auth.NewMemoryStore(), nil
	}
}

func (a *App) openRevocationStore(ctx context.Context, secrets Secrets) (auth.RevocationStore, error) {
	switch a.Config.Storage.Revocations {
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.Config.Storage.RedisAddr,
			Password: secrets.RedisPassword,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis at %s: %w", a.Config.Storage.RedisAddr, err)
		}
		store, err := auth.NewRedisRevocationStore(client, "")
		if err != nil {
			return nil, err
		}
		a.Logger.Info("revocation store connected", "backend", BackendRedis, "addr", a.Config.Storage.RedisAddr)
		return store, nil
	default:
		store := auth.NewMemoryRevocationStore()
		store.StartSweeper(ctx, a.Config.Tokens.SweepInterval, a.Logger)
		return store, nil
	}
}

// Close releases storage handles.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
