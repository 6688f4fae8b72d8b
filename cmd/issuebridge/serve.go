package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pysugar/issuebridge/internal/app"
	"github.com/pysugar/issuebridge/internal/providers"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server, token refresh loop and state pruning",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, database, err := loadConfig()
	if err != nil {
		return err
	}
	states, closeStates, err := openStateStore(ctx, cfg, database)
	if err != nil {
		return err
	}
	defer closeStates()

	registry := providers.FromConfig(cfg, providers.Options{})
	a := app.New(cfg, database, registry, states)
	a.StartBackground(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("🚀 issuebridge starting on http://%s", cfg.Addr())
	log.Printf("🔐 Sign in: %s/auth/%s/start", cfg.BaseURL, cfg.SignInWith)
	log.Printf("📨 Webhooks: %s/webhooks/{provider}", cfg.BaseURL)
	log.Printf("👥 Allow-list: %d login(s)", cfg.AllowList.Len())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Printf("🛑 Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
