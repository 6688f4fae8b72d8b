package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/config"
	"golang.org/x/oauth2"
)

var DefaultLinearScopes = []string{"read"}

// Linear adapts Linear OAuth and Linear webhooks.
type Linear struct {
	oauthBase
	apiBase       string
	webhookSecret string
}

func NewLinear(pc config.ProviderConfig, opts Options) *Linear {
	endpoint := oauth2.Endpoint{
		AuthURL:   "https://linear.app/oauth/authorize",
		TokenURL:  "https://api.linear.app/oauth/token",
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
		scopes = DefaultLinearScopes
	}
	apiBase := "https://api.linear.app"
	if pc.APIBaseURL != "" {
		apiBase = strings.TrimRight(pc.APIBaseURL, "/")
	}
	return &Linear{
		oauthBase: oauthBase{
			id: config.ProviderLinear,
			conf: oauth2.Config{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Scopes:       scopes,
				Endpoint:     endpoint,
			},
			authParams: []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "consent")},
			opts:       opts.withDefaults(),
		},
		apiBase:       apiBase,
		webhookSecret: pc.WebhookSecret,
	}
}

func (l *Linear) FetchIdentity(ctx context.Context, cred Credential) (Identity, error) {
	query := map[string]string{"query": "{ viewer { id name email } }"}
	var resp struct {
		Data struct {
			Viewer struct {
				ID    string `json:"id"`
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"viewer"`
		} `json:"data"`
	}
	if err := callJSON(ctx, l.opts.HTTPClient, http.MethodPost, l.apiBase+"/graphql", cred.AccessToken, query, &resp); err != nil {
		return Identity{}, err
	}
	v := resp.Data.Viewer
	if v.ID == "" {
		return Identity{}, apperr.New(apperr.KindMalformedResponse, "linear viewer query returned no id")
	}
	return Identity{ExternalID: v.ID, Login: strings.ToLower(v.Name), Email: v.Email}, nil
}

func (l *Linear) VerifyWebhook(payload []byte, headers http.Header) (VerifiedEvent, error) {
	if err := verifyHexSignature(l.id, l.webhookSecret, headers.Get("Linear-Signature"), "", payload); err != nil {
		return VerifiedEvent{}, err
	}

	var head struct {
		Type             string `json:"type"`
		WebhookTimestamp int64  `json:"webhookTimestamp"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return VerifiedEvent{}, apperr.Wrap(apperr.KindMalformedResponse, "decode linear payload", err)
	}
	if err := checkFreshness(l.id, time.UnixMilli(head.WebhookTimestamp), l.opts.Now(), l.opts.TimestampTolerance); err != nil {
		return VerifiedEvent{}, err
	}

	delivery := headers.Get("Linear-Delivery")
	if delivery == "" {
		return VerifiedEvent{}, apperr.New(apperr.KindBadRequest, "linear delivery id missing")
	}
	eventType := headers.Get("Linear-Event")
	if eventType == "" {
		eventType = head.Type
	}
	return VerifiedEvent{Provider: l.id, DeliveryID: delivery, EventType: eventType, Payload: payload}, nil
}

type linearPayload struct {
	Action           string `json:"action"`
	Type             string `json:"type"`
	WebhookTimestamp int64  `json:"webhookTimestamp"`
	Data             struct {
		ID         string `json:"id"`
		Identifier string `json:"identifier"`
		Title      string `json:"title"`
		TeamID     string `json:"teamId"`
		State      struct {
			Name string `json:"name"`
		} `json:"state"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"data"`
	UpdatedFrom map[string]json.RawMessage `json:"updatedFrom"`
}

func (l *Linear) ParseWebhook(ev VerifiedEvent) (DomainEvent, error) {
	var p linearPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return DomainEvent{}, apperr.Wrap(apperr.KindMalformedResponse, "decode linear payload", err)
	}

	out := DomainEvent{
		Kind:       EventIgnored,
		Provider:   l.id,
		BoardID:    p.Data.TeamID,
		OccurredAt: time.UnixMilli(p.WebhookTimestamp),
	}
	if p.Type != "Issue" {
		return out, nil
	}
	if p.Data.ID == "" {
		return DomainEvent{}, apperr.New(apperr.KindMalformedResponse, "linear issue event without data.id")
	}

	switch p.Action {
	case "create":
		out.Kind = EventIssueCreated
	case "remove":
		out.Kind = EventIssueDeleted
	case "update":
		out.Kind = EventIssueUpdated
		if _, ok := p.UpdatedFrom["labelIds"]; ok {
			out.Kind = EventLabelsChanged
		}
	default:
		return out, nil
	}

	out.IssueID = p.Data.ID
	out.Key = p.Data.Identifier
	out.Title = p.Data.Title
	out.State = p.Data.State.Name
	for _, lb := range p.Data.Labels {
		out.Labels = append(out.Labels, lb.Name)
	}
	return out, nil
}
