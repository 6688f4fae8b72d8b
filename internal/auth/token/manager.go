package token

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/db/models"
	"github.com/pysugar/issuebridge/internal/metrics"
	"github.com/pysugar/issuebridge/internal/providers"
	"golang.org/x/sync/singleflight"
)

// AccountStore is the slice of the credential store the manager needs.
type AccountStore interface {
	Get(ctx context.Context, userID, provider string) (*models.Account, error)
	Upsert(ctx context.Context, userID, provider string, cred providers.Credential, ident *providers.Identity) (*models.Account, error)
	MarkRevoked(ctx context.Context, userID, provider string) error
	ListExpiring(ctx context.Context, before time.Time) ([]models.Account, error)
}

// Options tunes refresh behaviour.
type Options struct {
	Margin      time.Duration // refresh when expiry is closer than this
	CallTimeout time.Duration // per provider call
	MaxAttempts int           // provider calls per refresh, >= 1
	Backoff     time.Duration // first retry delay, doubled each attempt
}

// Manager keeps provider credentials fresh. Refreshes for one
// (user, provider) pair never run concurrently within a process.
type Manager struct {
	accounts AccountStore
	registry *providers.Registry
	opts     Options
	group    singleflight.Group
	now      func() time.Time
}

// NewManager creates a new token manager
func NewManager(accounts AccountStore, registry *providers.Registry, opts Options) *Manager {
	if opts.Margin <= 0 {
		opts.Margin = 60 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	return &Manager{
		accounts: accounts,
		registry: registry,
		opts:     opts,
		now:      time.Now,
	}
}

// EnsureFresh returns the account for (userID, provider) with an access
// token that has no expiry or expires strictly after now + margin.
func (m *Manager) EnsureFresh(ctx context.Context, userID, provider string) (*models.Account, error) {
	return m.ensureFresh(ctx, userID, provider, m.opts.Margin)
}

func (m *Manager) ensureFresh(ctx context.Context, userID, provider string, horizon time.Duration) (*models.Account, error) {
	acc, err := m.accounts.Get(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if acc.IsRevoked() {
		return nil, apperr.New(apperr.KindReauthRequired, provider+" access was revoked; reconnect the account")
	}
	if m.isFresh(acc, horizon) {
		return acc, nil
	}

	// Waiters share the leader's result; the leader must not die with
	// whichever request happened to start it, and a caller whose context
	// ends stops waiting without cancelling the refresh.
	leaderCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(userID+"|"+provider, func() (interface{}, error) {
		return m.refreshLocked(leaderCtx, userID, provider, horizon)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			log.Printf("🔁 Shared in-flight refresh for %s/%s", provider, userID)
		}
		return r.Val.(*models.Account), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) isFresh(acc *models.Account, horizon time.Duration) bool {
	if acc.ExpiresAt == nil {
		return true
	}
	return acc.ExpiresAt.After(m.now().Add(horizon))
}

// refreshLocked runs inside the singleflight section for the pair.
func (m *Manager) refreshLocked(ctx context.Context, userID, provider string, horizon time.Duration) (*models.Account, error) {
	// Another leader may have finished between our read and acquiring the flight.
	acc, err := m.accounts.Get(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if acc.IsRevoked() {
		return nil, apperr.New(apperr.KindReauthRequired, provider+" access was revoked; reconnect the account")
	}
	if m.isFresh(acc, horizon) {
		return acc, nil
	}

	p, ok := m.registry.Get(provider)
	if !ok {
		return nil, apperr.New(apperr.KindInternal, fmt.Sprintf("provider %q is not configured", provider))
	}

	if acc.RefreshToken == "" {
		metrics.RecordTokenRefresh(provider, "no_refresh_token")
		return nil, apperr.New(apperr.KindReauthRequired, provider+" credential expired and cannot be refreshed")
	}

	log.Printf("🔄 Refreshing %s token for user %s (refresh token %s)", provider, userID, maskToken(acc.RefreshToken))
	cred, err := m.refreshWithRetry(ctx, p, acc.RefreshToken)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindInvalidGrant:
			metrics.RecordTokenRefresh(provider, "revoked")
			m.revoke(ctx, acc, err.Error())
			return nil, apperr.Wrap(apperr.KindReauthRequired, provider+" rejected the refresh token", err)
		case apperr.KindProviderUnavailable:
			metrics.RecordTokenRefresh(provider, "unavailable")
			log.Printf("⏳ Transient refresh failure for %s/%s after %d attempts: %v", provider, userID, m.opts.MaxAttempts, err)
			return nil, apperr.Wrap(apperr.KindTemporarilyUnavailable, provider+" is temporarily unavailable", err)
		default:
			metrics.RecordTokenRefresh(provider, "failed")
			log.Printf("❌ Refresh for %s/%s failed: %v", provider, userID, err)
			return nil, err
		}
	}

	if cred.Expires() && !cred.Expiry.After(m.now()) {
		metrics.RecordTokenRefresh(provider, "failed")
		return nil, apperr.New(apperr.KindMalformedResponse, provider+" issued an already expired token")
	}
	if cred.RefreshToken != "" && cred.RefreshToken != acc.RefreshToken {
		log.Printf("🔄 Rotating %s refresh token for user %s", provider, userID)
	}

	updated, err := m.accounts.Upsert(ctx, userID, provider, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	metrics.RecordTokenRefresh(provider, "refreshed")
	if updated.ExpiresAt != nil {
		log.Printf("✅ Refreshed %s token for user %s (expires: %s)", provider, userID, updated.ExpiresAt.Format(time.RFC3339))
	}
	return updated, nil
}

// refreshWithRetry retries ProviderUnavailable with exponential backoff;
// every other failure is returned immediately.
func (m *Manager) refreshWithRetry(ctx context.Context, p providers.Provider, refreshToken string) (providers.Credential, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.opts.Backoff
	exp.MaxInterval = 8 * m.opts.Backoff
	bo := &retryAfterBackOff{BackOff: exp}

	op := func() (providers.Credential, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		defer cancel()
		cred, err := p.Refresh(callCtx, refreshToken)
		if err != nil && !apperr.Retryable(err) {
			return cred, backoff.Permanent(err)
		}
		bo.floor = apperr.RetryAfter(err)
		return cred, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(m.opts.MaxAttempts)),
	)
}

// retryAfterBackOff waits at least as long as the provider last asked.
type retryAfterBackOff struct {
	backoff.BackOff
	floor time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if b.floor > d {
		d = b.floor
	}
	b.floor = 0
	return d
}

func (m *Manager) revoke(ctx context.Context, acc *models.Account, reason string) {
	if err := m.accounts.MarkRevoked(ctx, acc.UserID, acc.Provider); err != nil {
		log.Printf("⚠️ Failed to mark %s account of %s revoked: %v", acc.Provider, acc.UserID, err)
		return
	}
	log.Printf("🔒 %s account of user %s marked revoked (%s). Please re-connect.", acc.Provider, acc.UserID, reason)
}

// StartRefreshLoop refreshes soon-to-expire accounts every interval until
// ctx is cancelled.
func (m *Manager) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RefreshExpiring(ctx, interval)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("🔄 Token refresh loop started (interval: %s)", interval)
}

// RefreshExpiring proactively refreshes accounts that would expire before
// the next tick. It returns the number of accounts refreshed successfully.
func (m *Manager) RefreshExpiring(ctx context.Context, interval time.Duration) int {
	horizon := interval + m.opts.Margin
	accounts, err := m.accounts.ListExpiring(ctx, m.now().Add(horizon))
	if err != nil {
		log.Printf("⚠️ Failed to list expiring accounts: %v", err)
		return 0
	}

	refreshed := 0
	for _, acc := range accounts {
		if _, err := m.ensureFresh(ctx, acc.UserID, acc.Provider, horizon); err != nil {
			log.Printf("⚠️ Background refresh for %s/%s: %v", acc.Provider, acc.UserID, err)
			continue
		}
		refreshed++
	}
	if len(accounts) > 0 {
		log.Printf("🔄 Background refresh: %d/%d accounts refreshed", refreshed, len(accounts))
	}
	return refreshed
}

func maskToken(t string) string {
	if len(t) < 12 {
		return "***"
	}
	return "..." + t[len(t)-6:]
}
