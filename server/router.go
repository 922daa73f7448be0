package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// DefaultHSTSMaxAge is one year.
const DefaultHSTSMaxAge = 31536000

// Routes constructs the HTTP router with every auth endpoint.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORSOrigins))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(DefaultHSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.With(a.Limiter.Middleware).Post("/register", a.handleRegister)
		r.With(a.Limiter.Middleware).Post("/login", a.handleLogin)
		r.Post("/logout", a.handleLogout)
		r.Post("/refresh", a.handleRefresh)
		r.Get("/me", a.handleMe)
		r.Post("/introspect", a.handleIntrospect)

		r.Get("/oauth/{provider}", a.handleOAuthStart)
		r.Get("/oauth/{provider}/callback", a.handleOAuthCallback)
	})

	return r
}
