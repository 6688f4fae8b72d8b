package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/db/models"
	"github.com/pysugar/issuebridge/internal/webhook"
)

// WebhookHandler feeds a delivery through the ingestion pipeline.
// POST /webhooks/{provider}
func WebhookHandler(p *webhook.Pipeline, maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{
					"error": map[string]string{"kind": string(apperr.KindBadRequest), "message": "payload too large"},
				})
				return
			}
			writeError(w, r, apperr.Wrap(apperr.KindBadRequest, "read body", err))
			return
		}

		res, err := p.Handle(r.Context(), chi.URLParam(r, "provider"), body, r.Header)
		if err != nil {
			writeError(w, r, err)
			return
		}

		status := "ok"
		if res.Outcome == webhook.ResultUnroutable {
			status = "parked"
		}
		writeJSON(w, res.StatusCode(), map[string]string{
			"status":  status,
			"outcome": res.Outcome,
		})
	}
}

// WebhookEventsHandler lists recorded deliveries by status for manual
// reconciliation, unroutable by default.
// GET /api/webhooks?status=unroutable&limit=50
func WebhookEventsHandler(store *webhook.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status == "" {
			status = models.EventUnroutable
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 500 {
			limit = 50
		}

		events, err := store.ListByStatus(r.Context(), status, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}

		out := make([]map[string]interface{}, 0, len(events))
		for _, ev := range events {
			out = append(out, map[string]interface{}{
				"provider":    ev.Provider,
				"delivery_id": ev.DeliveryID,
				"event_type":  ev.EventType,
				"status":      ev.Status,
				"board_id":    ev.BoardID,
				"error":       ev.Error,
				"received_at": ev.ReceivedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
	}
}
