package providers

import (
	"log"

	"github.com/pysugar/issuebridge/internal/config"
)

// FromConfig registers an adapter for every provider with client credentials.
func FromConfig(cfg *config.Config, opts Options) *Registry {
	if opts.TimestampTolerance == 0 {
		opts.TimestampTolerance = cfg.Webhook.TimestampTolerance
	}
	var ps []Provider
	for _, id := range config.KnownProviders {
		pc, ok := cfg.Providers[id]
		if !ok || !pc.Enabled() {
			continue
		}
		switch id {
		case config.ProviderGitHub:
			ps = append(ps, NewGitHub(pc, opts))
		case config.ProviderJira:
			ps = append(ps, NewJira(pc, opts))
		case config.ProviderLinear:
			ps = append(ps, NewLinear(pc, opts))
		case config.ProviderZendesk:
			ps = append(ps, NewZendesk(pc, opts))
		}
		if pc.WebhookSecret == "" {
			log.Printf("⚠️ %s has no webhook secret; its webhooks will be rejected", id)
		}
	}
	reg := NewRegistry(ps...)
	log.Printf("🔌 Providers enabled: %v", reg.IDs())
	return reg
}
