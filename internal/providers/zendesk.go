package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/config"
	"golang.org/x/oauth2"
)

var DefaultZendeskScopes = []string{"read"}

// Zendesk adapts Zendesk OAuth clients and event webhooks.
type Zendesk struct {
	oauthBase
	apiBase       string
	webhookSecret string
}

func NewZendesk(pc config.ProviderConfig, opts Options) *Zendesk {
	base := fmt.Sprintf("https://%s.zendesk.com", pc.Subdomain)
	endpoint := oauth2.Endpoint{
		AuthURL:   base + "/oauth/authorizations/new",
		TokenURL:  base + "/oauth/tokens",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	if pc.AuthURL != "" {
		endpoint.AuthURL = pc.AuthURL
	}
	if pc.TokenURL != "" {
		endpoint.TokenURL = pc.TokenURL
	}
	scopes := pc.Scopes
	if len(scopes) == 0 {
		scopes = DefaultZendeskScopes
	}
	apiBase := base
	if pc.APIBaseURL != "" {
		apiBase = strings.TrimRight(pc.APIBaseURL, "/")
	}
	return &Zendesk{
		oauthBase: oauthBase{
			id: config.ProviderZendesk,
			conf: oauth2.Config{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Scopes:       scopes,
				Endpoint:     endpoint,
			},
			opts: opts.withDefaults(),
		},
		apiBase:       apiBase,
		webhookSecret: pc.WebhookSecret,
	}
}

func (z *Zendesk) FetchIdentity(ctx context.Context, cred Credential) (Identity, error) {
	var resp struct {
		User struct {
			ID    int64  `json:"id"`
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := callJSON(ctx, z.opts.HTTPClient, http.MethodGet, z.apiBase+"/api/v2/users/me.json", cred.AccessToken, nil, &resp); err != nil {
		return Identity{}, err
	}
	if resp.User.ID == 0 {
		return Identity{}, apperr.New(apperr.KindMalformedResponse, "zendesk users/me returned no id")
	}
	return Identity{
		ExternalID: strconv.FormatInt(resp.User.ID, 10),
		Login:      strings.ToLower(resp.User.Email),
		Email:      resp.User.Email,
	}, nil
}

type zendeskPayload struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	AccountID json.Number `json:"account_id"`
	Time      time.Time   `json:"time"`
	Detail    struct {
		ID      json.Number `json:"id"`
		Subject string      `json:"subject"`
		Status  string      `json:"status"`
		Tags    []string    `json:"tags"`
	} `json:"detail"`
}

func (z *Zendesk) VerifyWebhook(payload []byte, headers http.Header) (VerifiedEvent, error) {
	ts := headers.Get("X-Zendesk-Webhook-Signature-Timestamp")
	if err := verifyBase64Signature(z.id, z.webhookSecret, headers.Get("X-Zendesk-Webhook-Signature"), []byte(ts), payload); err != nil {
		return VerifiedEvent{}, err
	}
	sent, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return VerifiedEvent{}, apperr.New(apperr.KindUnauthenticated, "zendesk signature timestamp malformed")
	}
	if err := checkFreshness(z.id, sent, z.opts.Now(), z.opts.TimestampTolerance); err != nil {
		return VerifiedEvent{}, err
	}

	var head zendeskPayload
	if err := json.Unmarshal(payload, &head); err != nil {
		return VerifiedEvent{}, apperr.Wrap(apperr.KindMalformedResponse, "decode zendesk payload", err)
	}
	delivery := headers.Get("X-Zendesk-Webhook-Invocation-Id")
	if delivery == "" {
		delivery = head.ID
	}
	if delivery == "" {
		return VerifiedEvent{}, apperr.New(apperr.KindBadRequest, "zendesk event id missing")
	}
	return VerifiedEvent{Provider: z.id, DeliveryID: delivery, EventType: head.Type, Payload: payload}, nil
}

func (z *Zendesk) ParseWebhook(ev VerifiedEvent) (DomainEvent, error) {
	var p zendeskPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return DomainEvent{}, apperr.Wrap(apperr.KindMalformedResponse, "decode zendesk payload", err)
	}

	out := DomainEvent{
		Kind:       EventIgnored,
		Provider:   z.id,
		BoardID:    p.AccountID.String(),
		OccurredAt: p.Time,
	}
	if out.OccurredAt.IsZero() {
		out.OccurredAt = z.opts.Now()
	}

	kind := strings.TrimPrefix(p.Type, "zen:event-type:")
	switch {
	case kind == "ticket.created":
		out.Kind = EventIssueCreated
	case kind == "ticket.soft_deleted" || kind == "ticket.permanently_deleted":
		out.Kind = EventIssueDeleted
	case kind == "ticket.tags_changed":
		out.Kind = EventLabelsChanged
	case strings.HasPrefix(kind, "ticket."):
		out.Kind = EventIssueUpdated
	default:
		return out, nil
	}
	if p.Detail.ID.String() == "" {
		return DomainEvent{}, apperr.New(apperr.KindMalformedResponse, "zendesk ticket event without detail.id")
	}

	out.IssueID = p.Detail.ID.String()
	out.Key = "#" + out.IssueID
	out.Title = p.Detail.Subject
	out.State = strings.ToLower(p.Detail.Status)
	out.Labels = p.Detail.Tags
	return out, nil
}
