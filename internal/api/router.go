// Package api assembles the HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/issuebridge/internal/api/handlers"
	"github.com/pysugar/issuebridge/internal/auth/oauthflow"
	"github.com/pysugar/issuebridge/internal/auth/session"
	"github.com/pysugar/issuebridge/internal/config"
	"github.com/pysugar/issuebridge/internal/logging"
	"github.com/pysugar/issuebridge/internal/metrics"
	"github.com/pysugar/issuebridge/internal/providers"
	"github.com/pysugar/issuebridge/internal/webhook"
	"gorm.io/gorm"
)

// Deps are the components the routes call into.
type Deps struct {
	Config   *config.Config
	DB       *gorm.DB
	Registry *providers.Registry
	Flow     *oauthflow.Controller
	Tokens   handlers.Refresher
	Accounts handlers.AccountStore
	Users    handlers.UserStore
	Signer   *session.Signer
	Gate     *session.Gate
	Pipeline *webhook.Pipeline
	Events   *webhook.Store
}

func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	cookie := handlers.CookieSettings{
		Name:   cfg.Session.CookieName,
		TTL:    cfg.Session.TTL,
		Secure: cfg.Session.Secure,
	}
	sessions := session.NewMiddleware(d.Signer, d.Gate, cfg.Session.CookieName, "/auth/"+cfg.SignInWith+"/start")

	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", handlers.HealthHandler(d.DB))
	r.Handle("/metrics", metrics.Handler())

	// OAuth flow; a session is optional (sign-in vs. link).
	r.Route("/auth", func(r chi.Router) {
		r.With(sessions.Load).Get("/{provider}/start", handlers.AuthStartHandler(d.Flow))
		r.Get("/{provider}/callback", handlers.AuthCallbackHandler(d.Flow, cookie))
		r.Post("/signout", handlers.SignOutHandler(cookie))
	})

	// Provider webhooks authenticate by signature, not session.
	r.Post("/webhooks/{provider}", handlers.WebhookHandler(d.Pipeline, cfg.Webhook.MaxBodyBytes))

	r.Get("/session/expires", handlers.SessionExpiresHandler(d.Signer, d.Gate, cfg.Session.CookieName))
	r.With(sessions.Require).Post("/token/refresh", handlers.TokenRefreshHandler(d.Tokens, d.Accounts, d.Signer, cookie))

	r.Route("/api", func(r chi.Router) {
		r.Use(sessions.Require)
		r.Get("/me", handlers.MeHandler(d.Users, d.Gate))
		r.Get("/providers", handlers.ProvidersHandler(d.Registry, cfg.SignInWith))
		r.Get("/accounts", handlers.AccountsHandler(d.Accounts))
		r.Delete("/accounts/{provider}", handlers.UnlinkAccountHandler(d.Accounts))
		r.Get("/webhooks", handlers.WebhookEventsHandler(d.Events))
	})

	return r
}
