// Package webhook ingests provider webhooks: verify, deduplicate, parse,
// route to a project and apply to the issue store, acknowledging only once
// the event is applied or durably parked.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/db/models"
	"github.com/pysugar/issuebridge/internal/issues"
	"github.com/pysugar/issuebridge/internal/logging"
	"github.com/pysugar/issuebridge/internal/metrics"
	"github.com/pysugar/issuebridge/internal/projects"
	"github.com/pysugar/issuebridge/internal/providers"
	"gorm.io/gorm"
)

// Outcome of a successfully handled delivery.
const (
	ResultApplied    = "applied"
	ResultDuplicate  = "duplicate"
	ResultUnroutable = "unroutable"
	ResultIgnored    = "ignored"
)

// Result describes an acknowledged delivery.
type Result struct {
	Outcome    string
	DeliveryID string
	ProjectID  string
}

// StatusCode is the HTTP status to acknowledge the delivery with.
func (r Result) StatusCode() int {
	switch r.Outcome {
	case ResultUnroutable:
		return apperr.HTTPStatus(apperr.KindUnroutable)
	case ResultDuplicate:
		return apperr.HTTPStatus(apperr.KindDuplicateDiscarded)
	default:
		return http.StatusOK
	}
}

// Pipeline wires the stages together. Sink writes share a transaction with
// the outcome so they land only while the claim is still held; the apply
// deadline is half the lease.
type Pipeline struct {
	registry *providers.Registry
	store    *Store
	resolver projects.Resolver
	sink     issues.TxSink
	lease    time.Duration
}

func NewPipeline(registry *providers.Registry, store *Store, resolver projects.Resolver, sink issues.TxSink, lease time.Duration) *Pipeline {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Pipeline{registry: registry, store: store, resolver: resolver, sink: sink, lease: lease}
}

// Handle processes one delivery. Errors carry an apperr kind; a nil error
// means the delivery may be acknowledged with Result.StatusCode.
func (p *Pipeline) Handle(ctx context.Context, providerID string, body []byte, headers http.Header) (Result, error) {
	adapter, ok := p.registry.Get(providerID)
	if !ok {
		return Result{}, apperr.New(apperr.KindNotFound, fmt.Sprintf("provider %q is not configured", providerID))
	}
	provider := adapter.ID()

	// 1. verify
	ev, err := adapter.VerifyWebhook(body, headers)
	if err != nil {
		metrics.RecordWebhook(provider, "rejected")
		logging.Printf(ctx, "🚫 %s webhook rejected: %v", provider, err)
		return Result{}, err
	}
	res := Result{DeliveryID: ev.DeliveryID}

	// 2. deduplicate
	inserted, err := p.store.Record(ctx, ev)
	if err != nil {
		return res, err
	}
	claim, err := p.store.Claim(ctx, provider, ev.DeliveryID, p.lease)
	if err != nil {
		return res, err
	}
	if claim == "" {
		return p.duplicate(ctx, res, provider), nil
	}
	if !inserted {
		logging.Printf(ctx, "🔁 %s delivery %s reclaimed for processing", provider, ev.DeliveryID)
	}

	// 3. parse
	de, err := adapter.ParseWebhook(ev)
	if err != nil {
		p.fail(ctx, provider, ev.DeliveryID, claim, "", err)
		return res, err
	}
	if de.Kind == providers.EventIgnored {
		ok, err := p.store.Finish(ctx, provider, ev.DeliveryID, claim, Outcome{Status: models.EventIgnored, BoardID: de.BoardID})
		if err != nil {
			return res, err
		}
		if !ok {
			return p.duplicate(ctx, res, provider), nil
		}
		metrics.RecordWebhook(provider, ResultIgnored)
		res.Outcome = ResultIgnored
		return res, nil
	}

	// 4. route and apply
	projectID, found, err := p.resolver.Resolve(ctx, provider, de.BoardID)
	if err != nil {
		p.fail(ctx, provider, ev.DeliveryID, claim, de.BoardID, err)
		return res, err
	}
	if !found {
		out := Outcome{Status: models.EventUnroutable, BoardID: de.BoardID, Error: "no project linked to board " + de.BoardID}
		ok, err := p.store.Finish(ctx, provider, ev.DeliveryID, claim, out)
		if err != nil {
			return res, err
		}
		if !ok {
			return p.duplicate(ctx, res, provider), nil
		}
		metrics.RecordWebhook(provider, ResultUnroutable)
		logging.Printf(ctx, "📭 %s delivery %s parked: no project for board %q", provider, ev.DeliveryID, de.BoardID)
		res.Outcome = ResultUnroutable
		return res, nil
	}

	// 5. apply and acknowledge
	applyCtx, cancel := context.WithTimeout(ctx, p.lease/2)
	defer cancel()
	out := Outcome{Status: models.EventApplied, BoardID: de.BoardID, ProjectID: projectID}
	committed, err := p.store.Commit(applyCtx, provider, ev.DeliveryID, claim, out, func(tx *gorm.DB) error {
		return p.sink.WithTx(tx).Apply(applyCtx, projectID, de)
	})
	if err != nil {
		p.fail(ctx, provider, ev.DeliveryID, claim, de.BoardID, err)
		return res, apperr.Wrap(apperr.KindInternal, "apply event", err)
	}
	if !committed {
		logging.Printf(ctx, "⚠️ %s delivery %s claim taken over, writes discarded", provider, ev.DeliveryID)
		return p.duplicate(ctx, res, provider), nil
	}
	metrics.RecordWebhook(provider, ResultApplied)
	logging.Printf(ctx, "✅ %s %s %s applied to project %s", provider, de.Kind, de.IssueID, projectID)
	res.Outcome = ResultApplied
	res.ProjectID = projectID
	return res, nil
}

func (p *Pipeline) duplicate(ctx context.Context, res Result, provider string) Result {
	metrics.RecordWebhook(provider, ResultDuplicate)
	logging.Printf(ctx, "♻️ %s delivery %s already seen, discarding", provider, res.DeliveryID)
	res.Outcome = ResultDuplicate
	return res
}

// fail releases the claim so a redelivery can retry. A claim that was
// already taken over is left to its new owner.
func (p *Pipeline) fail(ctx context.Context, provider, deliveryID, claim, boardID string, cause error) {
	metrics.RecordWebhook(provider, "failed")
	logging.Printf(ctx, "❌ %s delivery %s failed: %v", provider, deliveryID, cause)
	out := Outcome{Status: models.EventFailed, BoardID: boardID, Error: cause.Error()}
	ok, err := p.store.Finish(ctx, provider, deliveryID, claim, out)
	if err != nil {
		logging.Printf(ctx, "⚠️ Failed to record failure for %s delivery %s: %v", provider, deliveryID, err)
		return
	}
	if !ok {
		logging.Printf(ctx, "⚠️ %s delivery %s claim taken over before failure was recorded", provider, deliveryID)
	}
}
