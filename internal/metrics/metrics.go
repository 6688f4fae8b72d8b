// Package metrics exposes Prometheus counters for the auth and webhook core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	oauthFlowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuebridge_oauth_flows_total",
			Help: "OAuth flow transitions by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	tokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuebridge_token_refreshes_total",
			Help: "Provider refresh calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	webhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuebridge_webhook_events_total",
			Help: "Inbound webhook deliveries by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	sessionDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuebridge_session_denials_total",
			Help: "Gated route denials by reason",
		},
		[]string{"reason"},
	)
)

func RecordOAuthFlow(provider, outcome string) {
	oauthFlowsTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordTokenRefresh(provider, outcome string) {
	tokenRefreshesTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordWebhook(provider, outcome string) {
	webhookEventsTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordDenial(reason string) {
	sessionDenialsTotal.WithLabelValues(reason).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
