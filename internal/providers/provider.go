// Package providers adapts each external tracker (GitHub, Jira, Linear,
// Zendesk) to one capability set: authorize-URL construction, code exchange,
// refresh, identity lookup and webhook verification/parsing.
package providers

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Credential is a token set as issued by a provider.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time // zero when the token does not expire
	Scopes       []string
}

// Expires reports whether the credential carries an expiry.
func (c Credential) Expires() bool {
	return !c.Expiry.IsZero()
}

// Identity is the provider-side account behind a credential.
type Identity struct {
	ExternalID string
	Login      string
	Email      string
}

// VerifiedEvent is an inbound webhook whose authenticity has been checked.
type VerifiedEvent struct {
	Provider   string
	DeliveryID string
	EventType  string
	Payload    []byte
}

// EventKind is the normalized meaning of a webhook.
type EventKind string

const (
	EventIssueCreated  EventKind = "issue.created"
	EventIssueUpdated  EventKind = "issue.updated"
	EventIssueDeleted  EventKind = "issue.deleted"
	EventLabelsChanged EventKind = "issue.labels_changed"
	EventIgnored       EventKind = "ignored"
)

// DomainEvent is a provider-neutral issue change.
type DomainEvent struct {
	Kind       EventKind
	Provider   string
	BoardID    string // repo full name, team id, project key or account id
	IssueID    string
	Key        string
	Title      string
	State      string
	Labels     []string
	OccurredAt time.Time
}

// Provider is implemented once per external service.
type Provider interface {
	ID() string
	AuthorizeURL(state, redirectURI string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (Credential, error)
	Refresh(ctx context.Context, refreshToken string) (Credential, error)
	FetchIdentity(ctx context.Context, cred Credential) (Identity, error)
	VerifyWebhook(payload []byte, headers http.Header) (VerifiedEvent, error)
	ParseWebhook(ev VerifiedEvent) (DomainEvent, error)
}

// Registry dispatches by provider identifier.
type Registry struct {
	byID map[string]Provider
}

// NewRegistry builds a registry from adapters.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{byID: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.byID[p.ID()] = p
	}
	return r
}

// Get returns the adapter for id.
func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	return p, ok
}

// IDs returns the registered provider ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
