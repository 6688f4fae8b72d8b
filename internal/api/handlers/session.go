package handlers

import (
	"context"
	"net/http"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/auth/session"
	"github.com/pysugar/issuebridge/internal/db/models"
	"github.com/pysugar/issuebridge/internal/logging"
)

// SessionExpiresHandler reports the remaining session lifetime. Expired
// sessions still get an answer (<= 0) so clients can prompt a refresh.
// GET /session/expires
func SessionExpiresHandler(signer *session.Signer, gate *session.Gate, cookieName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sess *session.Session
		if tok := session.ReadToken(r, cookieName); tok != "" {
			sess, _ = signer.Parse(tok)
		}
		d := gate.Authorize(sess)
		if !d.Allowed && d.Reason != apperr.KindExpired {
			writeError(w, r, d.Err())
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"expires_in": gate.MillisecondsToExpiry(*sess)})
	}
}

// UserStore looks users up by id.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// MeHandler describes the signed-in user.
// GET /api/me
func MeHandler(users UserStore, gate *session.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := session.FromContext(r.Context())
		if !ok {
			writeError(w, r, apperr.New(apperr.KindNoSession, "no session"))
			return
		}
		user, err := users.GetUser(r.Context(), sess.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":         user.ID,
			"login":      user.Login,
			"email":      user.Email,
			"expires_in": gate.MillisecondsToExpiry(*sess),
		})
	}
}

// Refresher is satisfied by *token.Manager.
type Refresher interface {
	EnsureFresh(ctx context.Context, userID, provider string) (*models.Account, error)
}

// TokenRefreshHandler makes every linked credential of the session's user
// fresh (or only ?provider=) and re-signs the session cookie.
// POST /token/refresh
func TokenRefreshHandler(refresher Refresher, accounts AccountStore, signer *session.Signer, cookie CookieSettings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := session.FromContext(r.Context())
		if !ok {
			writeError(w, r, apperr.New(apperr.KindNoSession, "no session"))
			return
		}

		targets := []string{}
		if p := r.URL.Query().Get("provider"); p != "" {
			targets = append(targets, p)
		} else {
			linked, err := accounts.ListByUser(r.Context(), sess.UserID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			for _, acc := range linked {
				if !acc.IsRevoked() {
					targets = append(targets, acc.Provider)
				}
			}
		}

		for _, p := range targets {
			if _, err := refresher.EnsureFresh(r.Context(), sess.UserID, p); err != nil {
				logging.Printf(r.Context(), "⚠️ Refresh for %s/%s failed: %v", p, sess.UserID, err)
				writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
					"success":  false,
					"provider": p,
					"error": map[string]string{
						"kind":    string(apperr.KindOf(err)),
						"message": err.Error(),
					},
				})
				return
			}
		}

		token, renewed, err := signer.Issue(sess.UserID, sess.Login, cookie.TTL)
		if err != nil {
			writeError(w, r, err)
			return
		}
		session.SetCookie(w, cookie.Name, token, cookie.TTL, cookie.Secure)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    true,
			"refreshed":  targets,
			"expires_at": renewed.ExpiresAt,
		})
	}
}
