// Package handlers implements the HTTP endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/logging"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders {"error":{"kind","message"}} with the kind's status.
// Denials and internal faults get a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) {
		msg = e.Message
	}

	switch {
	case apperr.IsDenial(kind):
		kind, msg = apperr.KindUnauthenticated, "unauthorized"
	case kind == apperr.KindInternal || kind == apperr.KindMalformedResponse:
		logging.Printf(r.Context(), "❌ %s %s: %v", r.Method, r.URL.Path, err)
		msg = "internal error"
	}

	if d := apperr.RetryAfter(err); d > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int((d+time.Second-1)/time.Second)))
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"kind":    string(kind),
			"message": msg,
		},
	})
}
