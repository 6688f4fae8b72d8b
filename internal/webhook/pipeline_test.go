package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/db"
	"github.com/pysugar/issuebridge/internal/db/models"
	"github.com/pysugar/issuebridge/internal/issues"
	"github.com/pysugar/issuebridge/internal/projects"
	"github.com/pysugar/issuebridge/internal/providers"
	"github.com/pysugar/issuebridge/internal/providers/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const secret = "whsec"

type sinkStats struct {
	applied   atomic.Int32
	failNext  atomic.Bool
	stallNext atomic.Int64 // nanoseconds the next Apply waits before writing
}

// countingSink counts applications across every transaction-bound copy.
type countingSink struct {
	*sinkStats
	base  *issues.GormSink
	inner issues.Sink
}

func newCountingSink(base *issues.GormSink) *countingSink {
	return &countingSink{sinkStats: &sinkStats{}, base: base, inner: base}
}

func (c *countingSink) WithTx(tx *gorm.DB) issues.Sink {
	return &countingSink{sinkStats: c.sinkStats, base: c.base, inner: c.base.WithTx(tx)}
}

func (c *countingSink) Apply(ctx context.Context, projectID string, ev providers.DomainEvent) error {
	if c.failNext.CompareAndSwap(true, false) {
		return errors.New("issue store unavailable")
	}
	if d := time.Duration(c.stallNext.Swap(0)); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.applied.Add(1)
	return c.inner.Apply(ctx, projectID, ev)
}

type fixture struct {
	pipeline *Pipeline
	store    *Store
	sink     *countingSink
	issues   *issues.GormSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLease(t, 2*time.Minute)
}

func newFixtureWithLease(t *testing.T, lease time.Duration) *fixture {
	t.Helper()
	database, err := db.Open("file::memory:", nil)
	require.NoError(t, err)

	resolver := projects.NewGormResolver(database)
	require.NoError(t, resolver.Link(context.Background(), "proj-1", "linear", "team-eng"))

	gormSink := issues.NewGormSink(database)
	f := &fixture{
		store:  NewStore(database),
		sink:   newCountingSink(gormSink),
		issues: gormSink,
	}
	registry := providers.NewRegistry(&providertest.Fake{Name: "linear", WebhookSecret: secret})
	f.pipeline = NewPipeline(registry, f.store, resolver, f.sink, lease)
	return f
}

func delivery(t *testing.T, id string, p providertest.Payload) ([]byte, http.Header) {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	h := http.Header{}
	h.Set(providertest.SecretHeader, secret)
	h.Set(providertest.DeliveryHeader, id)
	return body, h
}

var created = providertest.Payload{Kind: "issue.created", Board: "team-eng", Issue: "iss-1", Key: "ENG-1", Title: "Login broken", State: "todo"}

func TestHandle_DuplicateAppliedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body, h := delivery(t, "d-1", created)

	first, err := f.pipeline.Handle(ctx, "linear", body, h)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, first.Outcome)
	assert.Equal(t, http.StatusOK, first.StatusCode())

	second, err := f.pipeline.Handle(ctx, "linear", body, h)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, second.Outcome)
	assert.Equal(t, http.StatusOK, second.StatusCode())

	// Same id with a different body is still the same delivery.
	changed := created
	changed.Title = "Login broken on Safari"
	body2, h2 := delivery(t, "d-1", changed)
	third, err := f.pipeline.Handle(ctx, "linear", body2, h2)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, third.Outcome)

	assert.Equal(t, int32(1), f.sink.applied.Load())
	iss, err := f.issues.Get(ctx, "linear", "iss-1")
	require.NoError(t, err)
	assert.Equal(t, "Login broken", iss.Title)

	ev, err := f.store.Get(ctx, "linear", "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventApplied, ev.Status)
	assert.Equal(t, "proj-1", ev.ProjectID)
}

func TestHandle_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	body, h := delivery(t, "d-race", created)

	const n = 10
	var wg sync.WaitGroup
	var applied, dup atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.pipeline.Handle(context.Background(), "linear", body, h.Clone())
			if err != nil {
				t.Errorf("Handle: %v", err)
				return
			}
			switch res.Outcome {
			case ResultApplied:
				applied.Add(1)
			case ResultDuplicate:
				dup.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, int32(n-1), dup.Load())
	assert.Equal(t, int32(1), f.sink.applied.Load())
}

func TestHandle_UnknownBoardIsParked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := created
	p.Board = "team-unknown"
	body, h := delivery(t, "d-2", p)

	res, err := f.pipeline.Handle(ctx, "linear", body, h)
	require.NoError(t, err)
	assert.Equal(t, ResultUnroutable, res.Outcome)
	assert.Equal(t, http.StatusAccepted, res.StatusCode())
	assert.Zero(t, f.sink.applied.Load())

	ev, err := f.store.Get(ctx, "linear", "d-2")
	require.NoError(t, err)
	assert.Equal(t, models.EventUnroutable, ev.Status)
	assert.Equal(t, "team-unknown", ev.BoardID)

	parked, err := f.store.ListByStatus(ctx, models.EventUnroutable, 10)
	require.NoError(t, err)
	assert.Len(t, parked, 1)

	// Parked events are not retried automatically.
	again, err := f.pipeline.Handle(ctx, "linear", body, h)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, again.Outcome)
}

func TestHandle_UnauthenticatedPersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body, h := delivery(t, "d-3", created)
	h.Set(providertest.SecretHeader, "wrong")

	_, err := f.pipeline.Handle(ctx, "linear", body, h)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	_, err = f.store.Get(ctx, "linear", "d-3")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestHandle_UnknownProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Handle(context.Background(), "gitlab", []byte(`{}`), http.Header{})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestHandle_IgnoredEvent(t *testing.T) {
	f := newFixture(t)
	body, h := delivery(t, "d-4", providertest.Payload{Kind: "ignored", Board: "team-eng"})

	res, err := f.pipeline.Handle(context.Background(), "linear", body, h)
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res.Outcome)
	assert.Equal(t, http.StatusOK, res.StatusCode())
	assert.Zero(t, f.sink.applied.Load())
}

func TestHandle_ApplyFailureIsRetriedOnRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body, h := delivery(t, "d-5", created)

	f.sink.failNext.Store(true)
	_, err := f.pipeline.Handle(ctx, "linear", body, h)
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(apperr.KindOf(err)))

	ev, err := f.store.Get(ctx, "linear", "d-5")
	require.NoError(t, err)
	assert.Equal(t, models.EventFailed, ev.Status)
	assert.Nil(t, ev.ClaimedAt)

	res, err := f.pipeline.Handle(ctx, "linear", body, h)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res.Outcome)
	assert.Equal(t, int32(1), f.sink.applied.Load())
}

func TestHandle_MalformedPayload(t *testing.T) {
	f := newFixture(t)
	h := http.Header{}
	h.Set(providertest.SecretHeader, secret)
	h.Set(providertest.DeliveryHeader, "d-6")

	_, err := f.pipeline.Handle(context.Background(), "linear", []byte(`not json`), h)
	assert.True(t, apperr.Is(err, apperr.KindMalformedResponse), "got %v", err)
}

func TestHandle_CrashedClaimIsReclaimedAfterLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body, h := delivery(t, "d-7", created)
	ev := providers.VerifiedEvent{Provider: "linear", DeliveryID: "d-7", EventType: "issue", Payload: body}

	// A worker recorded and claimed the event, then died.
	f.store.now = func() time.Time { return time.Now().Add(-5 * time.Minute) }
	_, err := f.store.Record(ctx, ev)
	require.NoError(t, err)
	claim, err := f.store.Claim(ctx, "linear", "d-7", 2*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, claim)
	f.store.now = time.Now

	res, err := f.pipeline.Handle(ctx, "linear", body, h)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res.Outcome)
	assert.Equal(t, int32(1), f.sink.applied.Load())
}

func TestHandle_LiveClaimIsRespected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body, h := delivery(t, "d-8", created)
	ev := providers.VerifiedEvent{Provider: "linear", DeliveryID: "d-8", EventType: "issue", Payload: body}

	_, err := f.store.Record(ctx, ev)
	require.NoError(t, err)
	claim, err := f.store.Claim(ctx, "linear", "d-8", 2*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, claim)

	res, err := f.pipeline.Handle(ctx, "linear", body, h)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res.Outcome)
	assert.Zero(t, f.sink.applied.Load())
}

func TestHandle_SlowApplyIsAbortedWithinLease(t *testing.T) {
	const lease = 400 * time.Millisecond
	f := newFixtureWithLease(t, lease)
	ctx := context.Background()
	body, h := delivery(t, "d-9", created)

	f.sink.stallNext.Store(int64(5 * time.Second))
	start := time.Now()
	_, err := f.pipeline.Handle(ctx, "linear", body, h)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Less(t, time.Since(start), lease, "apply must give up before the claim can be taken over")

	ev, err := f.store.Get(ctx, "linear", "d-9")
	require.NoError(t, err)
	assert.Equal(t, models.EventFailed, ev.Status)
	_, err = f.issues.Get(ctx, "linear", "iss-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	changed := created
	changed.Title = "Login broken everywhere"
	body2, h2 := delivery(t, "d-9", changed)
	res, err := f.pipeline.Handle(ctx, "linear", body2, h2)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res.Outcome)
	assert.Equal(t, int32(1), f.sink.applied.Load())

	iss, err := f.issues.Get(ctx, "linear", "iss-1")
	require.NoError(t, err)
	assert.Equal(t, "Login broken everywhere", iss.Title)
}

func TestStore_CommitUnderLostClaimIsRolledBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body, _ := delivery(t, "d-10", created)
	ev := providers.VerifiedEvent{Provider: "linear", DeliveryID: "d-10", EventType: "issue", Payload: body}

	_, err := f.store.Record(ctx, ev)
	require.NoError(t, err)
	stale, err := f.store.Claim(ctx, "linear", "d-10", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, stale)

	// The first worker stalls past its lease and a redelivery takes over.
	f.store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	current, err := f.store.Claim(ctx, "linear", "d-10", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, current)
	require.NotEqual(t, stale, current)

	de := providers.DomainEvent{Kind: providers.EventIssueCreated, Provider: "linear", BoardID: "team-eng", IssueID: "iss-1", Title: "stale write"}
	out := Outcome{Status: models.EventApplied, BoardID: "team-eng", ProjectID: "proj-1"}
	ok, err := f.store.Commit(ctx, "linear", "d-10", stale, out, func(tx *gorm.DB) error {
		return f.issues.WithTx(tx).Apply(ctx, "proj-1", de)
	})
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = f.issues.Get(ctx, "linear", "iss-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound, "writes under a lost claim must not persist")

	ok, err = f.store.Finish(ctx, "linear", "d-10", stale, Outcome{Status: models.EventFailed, Error: "late failure"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.store.Get(ctx, "linear", "d-10")
	require.NoError(t, err)
	assert.Equal(t, models.EventProcessing, got.Status)
	assert.Equal(t, current, got.ClaimToken)

	ok, err = f.store.Commit(ctx, "linear", "d-10", current, out, func(tx *gorm.DB) error {
		return f.issues.WithTx(tx).Apply(ctx, "proj-1", de)
	})
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = f.store.Get(ctx, "linear", "d-10")
	require.NoError(t, err)
	assert.Equal(t, models.EventApplied, got.Status)
}
