package session

import (
	"context"
	"net/http"

	"github.com/pysugar/issuebridge/internal/logging"
	"github.com/pysugar/issuebridge/internal/metrics"
)

type contextKey string

const sessionKey contextKey = "session"

// WithSession stores s in ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// FromContext returns the session placed by Load or Require, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok && s != nil
}

// Middleware resolves the request's session from its cookie.
type Middleware struct {
	signer     *Signer
	gate       *Gate
	cookieName string
	signInURL  string
}

func NewMiddleware(signer *Signer, gate *Gate, cookieName, signInURL string) *Middleware {
	return &Middleware{signer: signer, gate: gate, cookieName: cookieName, signInURL: signInURL}
}

func (m *Middleware) current(r *http.Request) *Session {
	tok := ReadToken(r, m.cookieName)
	if tok == "" {
		return nil
	}
	s, err := m.signer.Parse(tok)
	if err != nil {
		return nil
	}
	return s
}

// Load attaches an allowed session to the context when one is present and
// never rejects the request.
func (m *Middleware) Load(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s := m.current(r); s != nil && m.gate.Authorize(s).Allowed {
			r = r.WithContext(WithSession(r.Context(), s))
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects requests whose session the Gate denies. The response is
// the same for every denial reason.
func (m *Middleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := m.current(r)
		d := m.gate.Authorize(s)
		if !d.Allowed {
			metrics.RecordDenial(string(d.Reason))
			logging.Printf(r.Context(), "🚫 Session denied (%s) for %s %s", d.Reason, r.Method, r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"kind":"Unauthenticated","message":"unauthorized","sign_in":"` + m.signInURL + `"}}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
	})
}
