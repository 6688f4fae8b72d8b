package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/issuebridge/internal/auth/oauthflow"
	"github.com/pysugar/issuebridge/internal/auth/session"
)

// CookieSettings describes the session cookie.
type CookieSettings struct {
	Name   string
	TTL    time.Duration
	Secure bool
}

// AuthStartHandler redirects to the provider's authorize URL.
// GET /auth/{provider}/start?redirect=<path>
func AuthStartHandler(ctl *oauthflow.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, _ := session.FromContext(r.Context())
		res, err := ctl.Start(r.Context(), chi.URLParam(r, "provider"), sess, r.URL.Query().Get("redirect"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, res.AuthorizeURL, http.StatusFound)
	}
}

// AuthCallbackHandler completes the flow and redirects to the stored target.
// GET /auth/{provider}/callback?code=&state=
func AuthCallbackHandler(ctl *oauthflow.Controller, cookie CookieSettings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		res, err := ctl.Callback(r.Context(), chi.URLParam(r, "provider"), oauthflow.CallbackParams{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		if res.SessionToken != "" {
			session.SetCookie(w, cookie.Name, res.SessionToken, cookie.TTL, cookie.Secure)
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, res.RedirectTo, http.StatusFound)
	}
}

// SignOutHandler clears the session cookie.
// POST /auth/signout
func SignOutHandler(cookie CookieSettings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session.ClearCookie(w, cookie.Name, cookie.Secure)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
