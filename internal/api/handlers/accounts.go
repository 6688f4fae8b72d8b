package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/auth/session"
	"github.com/pysugar/issuebridge/internal/db/models"
	"github.com/pysugar/issuebridge/internal/providers"
)

// AccountStore is the read/unlink side of the credential store.
type AccountStore interface {
	ListByUser(ctx context.Context, userID string) ([]models.Account, error)
	Delete(ctx context.Context, userID, provider string) error
}

// AccountsHandler lists the session user's linked accounts without secrets.
// GET /api/accounts
func AccountsHandler(accounts AccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := session.FromContext(r.Context())
		if !ok {
			writeError(w, r, apperr.New(apperr.KindNoSession, "no session"))
			return
		}
		linked, err := accounts.ListByUser(r.Context(), sess.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		out := make([]map[string]interface{}, 0, len(linked))
		for _, acc := range linked {
			out = append(out, map[string]interface{}{
				"provider":       acc.Provider,
				"status":         acc.Status,
				"expires_at":     acc.ExpiresAt,
				"scopes":         acc.Scopes,
				"external_login": acc.ExternalLogin,
				"last_refresh":   acc.LastRefreshAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": out})
	}
}

// UnlinkAccountHandler removes the session user's account for {provider}.
// DELETE /api/accounts/{provider}
func UnlinkAccountHandler(accounts AccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := session.FromContext(r.Context())
		if !ok {
			writeError(w, r, apperr.New(apperr.KindNoSession, "no session"))
			return
		}
		if err := accounts.Delete(r.Context(), sess.UserID, chi.URLParam(r, "provider")); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// ProvidersHandler lists the configured providers.
// GET /api/providers
func ProvidersHandler(registry *providers.Registry, signInWith string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make([]map[string]interface{}, 0)
		for _, id := range registry.IDs() {
			out = append(out, map[string]interface{}{
				"id":      id,
				"sign_in": id == signInWith,
				"start":   "/auth/" + id + "/start",
				"webhook": "/webhooks/" + id,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"providers": out})
	}
}
