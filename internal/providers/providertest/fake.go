// Package providertest provides a scriptable Provider for tests.
package providertest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/providers"
)

// Header names understood by Fake.VerifyWebhook.
const (
	SecretHeader   = "X-Fake-Secret"
	DeliveryHeader = "X-Fake-Delivery"
)

// Payload is the webhook body Fake.ParseWebhook understands.
type Payload struct {
	Kind   string   `json:"kind"`
	Board  string   `json:"board"`
	Issue  string   `json:"issue"`
	Key    string   `json:"key,omitempty"`
	Title  string   `json:"title,omitempty"`
	State  string   `json:"state,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// Fake is a Provider whose behaviour is set per test. Nil funcs fall back
// to simple successful defaults.
type Fake struct {
	Name          string
	WebhookSecret string

	ExchangeFunc func(ctx context.Context, code, redirectURI string) (providers.Credential, error)
	RefreshFunc  func(ctx context.Context, refreshToken string) (providers.Credential, error)
	IdentityFunc func(ctx context.Context, cred providers.Credential) (providers.Identity, error)

	exchanges atomic.Int32
	refreshes atomic.Int32

	mu        sync.Mutex
	lastCodes []string
}

var _ providers.Provider = (*Fake)(nil)

func (f *Fake) ID() string { return f.Name }

func (f *Fake) AuthorizeURL(state, redirectURI string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("redirect_uri", redirectURI)
	return "https://" + f.Name + ".example.test/authorize?" + q.Encode()
}

func (f *Fake) ExchangeCode(ctx context.Context, code, redirectURI string) (providers.Credential, error) {
	f.exchanges.Add(1)
	f.mu.Lock()
	f.lastCodes = append(f.lastCodes, code)
	f.mu.Unlock()
	if f.ExchangeFunc != nil {
		return f.ExchangeFunc(ctx, code, redirectURI)
	}
	return providers.Credential{AccessToken: "access-" + code, RefreshToken: "refresh-" + code}, nil
}

func (f *Fake) Refresh(ctx context.Context, refreshToken string) (providers.Credential, error) {
	f.refreshes.Add(1)
	if f.RefreshFunc != nil {
		return f.RefreshFunc(ctx, refreshToken)
	}
	return providers.Credential{}, apperr.New(apperr.KindInvalidGrant, "refresh not scripted")
}

func (f *Fake) FetchIdentity(ctx context.Context, cred providers.Credential) (providers.Identity, error) {
	if f.IdentityFunc != nil {
		return f.IdentityFunc(ctx, cred)
	}
	return providers.Identity{ExternalID: "1", Login: "octocat"}, nil
}

func (f *Fake) VerifyWebhook(payload []byte, headers http.Header) (providers.VerifiedEvent, error) {
	if f.WebhookSecret == "" || headers.Get(SecretHeader) != f.WebhookSecret {
		return providers.VerifiedEvent{}, apperr.New(apperr.KindUnauthenticated, "bad fake signature")
	}
	id := headers.Get(DeliveryHeader)
	if id == "" {
		return providers.VerifiedEvent{}, apperr.New(apperr.KindBadRequest, "missing delivery id")
	}
	return providers.VerifiedEvent{Provider: f.Name, DeliveryID: id, EventType: "issue", Payload: payload}, nil
}

func (f *Fake) ParseWebhook(ev providers.VerifiedEvent) (providers.DomainEvent, error) {
	var p Payload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return providers.DomainEvent{}, apperr.Wrap(apperr.KindMalformedResponse, "fake payload", err)
	}
	return providers.DomainEvent{
		Kind:     providers.EventKind(p.Kind),
		Provider: f.Name,
		BoardID:  p.Board,
		IssueID:  p.Issue,
		Key:      p.Key,
		Title:    p.Title,
		State:    p.State,
		Labels:   p.Labels,
	}, nil
}

// Refreshes reports how many times Refresh was called.
func (f *Fake) Refreshes() int { return int(f.refreshes.Load()) }

// Exchanges reports how many times ExchangeCode was called.
func (f *Fake) Exchanges() int { return int(f.exchanges.Load()) }

// Codes returns the codes passed to ExchangeCode, in order.
func (f *Fake) Codes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lastCodes...)
}
