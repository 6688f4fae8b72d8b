// Package app wires configuration, storage and providers into the running
// components.
package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/pysugar/issuebridge/internal/api"
	"github.com/pysugar/issuebridge/internal/auth/credentials"
	"github.com/pysugar/issuebridge/internal/auth/oauthflow"
	"github.com/pysugar/issuebridge/internal/auth/session"
	"github.com/pysugar/issuebridge/internal/auth/state"
	"github.com/pysugar/issuebridge/internal/auth/token"
	"github.com/pysugar/issuebridge/internal/config"
	"github.com/pysugar/issuebridge/internal/issues"
	"github.com/pysugar/issuebridge/internal/projects"
	"github.com/pysugar/issuebridge/internal/providers"
	"github.com/pysugar/issuebridge/internal/webhook"
	"gorm.io/gorm"
)

const sessionIssuer = "issuebridge"

// App holds the wired components.
type App struct {
	Config   *config.Config
	Registry *providers.Registry
	States   state.Store
	Accounts *credentials.Store
	Tokens   *token.Manager
	Projects *projects.GormResolver
	Pipeline *webhook.Pipeline
	Router   http.Handler
}

// New wires every component on top of database, registry and states.
func New(cfg *config.Config, database *gorm.DB, registry *providers.Registry, states state.Store) *App {
	accounts := credentials.NewStore(database)
	signer := session.NewSigner(cfg.Session.Secret, sessionIssuer)
	gate := session.NewGate(cfg.AllowList)

	tokens := token.NewManager(accounts, registry, token.Options{
		Margin:      cfg.OAuth.RefreshMargin,
		CallTimeout: cfg.OAuth.RefreshTimeout,
		MaxAttempts: cfg.OAuth.RefreshMaxAttempts,
		Backoff:     cfg.OAuth.RefreshBackoff,
	})

	flow := oauthflow.NewController(registry, states, accounts, signer, cfg.AllowList, oauthflow.Options{
		StateTTL:    cfg.OAuth.StateTTL,
		SessionTTL:  cfg.Session.TTL,
		SignInWith:  cfg.SignInWith,
		CallbackURL: cfg.CallbackURL,
	})

	resolver := projects.NewGormResolver(database)
	events := webhook.NewStore(database)
	pipeline := webhook.NewPipeline(registry, events, resolver, issues.NewGormSink(database), cfg.Webhook.ClaimLease)

	router := api.NewRouter(api.Deps{
		Config:   cfg,
		DB:       database,
		Registry: registry,
		Flow:     flow,
		Tokens:   tokens,
		Accounts: accounts,
		Users:    accounts,
		Signer:   signer,
		Gate:     gate,
		Pipeline: pipeline,
		Events:   events,
	})

	return &App{
		Config:   cfg,
		Registry: registry,
		States:   states,
		Accounts: accounts,
		Tokens:   tokens,
		Projects: resolver,
		Pipeline: pipeline,
		Router:   router,
	}
}

// StartBackground runs the refresh loop and periodic state pruning until
// ctx is cancelled.
func (a *App) StartBackground(ctx context.Context) {
	a.Tokens.StartRefreshLoop(ctx, a.Config.OAuth.RefreshInterval)

	interval := a.Config.OAuth.StateTTL
	if interval < time.Minute {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := a.States.Prune(ctx); err != nil {
					log.Printf("⚠️ Failed to prune oauth states: %v", err)
				} else if n > 0 {
					log.Printf("🧹 Pruned %d expired oauth states", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
