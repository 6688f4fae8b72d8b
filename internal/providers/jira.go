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

var DefaultJiraScopes = []string{"read:jira-work", "read:jira-user", "read:me", "offline_access"}

// Jira adapts Atlassian OAuth 2.0 (3LO) and Jira Cloud webhooks.
type Jira struct {
	oauthBase
	apiBase       string
	webhookSecret string
}

func NewJira(pc config.ProviderConfig, opts Options) *Jira {
	endpoint := oauth2.Endpoint{
		AuthURL:   "https://auth.atlassian.com/authorize",
		TokenURL:  "https://auth.atlassian.com/oauth/token",
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
		scopes = DefaultJiraScopes
	}
	apiBase := "https://api.atlassian.com"
	if pc.APIBaseURL != "" {
		apiBase = strings.TrimRight(pc.APIBaseURL, "/")
	}
	return &Jira{
		oauthBase: oauthBase{
			id: config.ProviderJira,
			conf: oauth2.Config{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Scopes:       scopes,
				Endpoint:     endpoint,
			},
			authParams: []oauth2.AuthCodeOption{
				oauth2.SetAuthURLParam("audience", "api.atlassian.com"),
				oauth2.SetAuthURLParam("prompt", "consent"),
			},
			opts: opts.withDefaults(),
		},
		apiBase:       apiBase,
		webhookSecret: pc.WebhookSecret,
	}
}

func (j *Jira) FetchIdentity(ctx context.Context, cred Credential) (Identity, error) {
	var me struct {
		AccountID string `json:"account_id"`
		Email     string `json:"email"`
		Nickname  string `json:"nickname"`
	}
	if err := callJSON(ctx, j.opts.HTTPClient, http.MethodGet, j.apiBase+"/me", cred.AccessToken, nil, &me); err != nil {
		return Identity{}, err
	}
	if me.AccountID == "" {
		return Identity{}, apperr.New(apperr.KindMalformedResponse, "atlassian /me response has no account_id")
	}
	return Identity{ExternalID: me.AccountID, Login: strings.ToLower(me.Nickname), Email: me.Email}, nil
}

func (j *Jira) VerifyWebhook(payload []byte, headers http.Header) (VerifiedEvent, error) {
	if err := verifyHexSignature(j.id, j.webhookSecret, headers.Get("X-Hub-Signature"), "sha256=", payload); err != nil {
		return VerifiedEvent{}, err
	}
	delivery := headers.Get("X-Atlassian-Webhook-Identifier")
	if delivery == "" {
		return VerifiedEvent{}, apperr.New(apperr.KindBadRequest, "jira webhook identifier missing")
	}
	var head struct {
		WebhookEvent string `json:"webhookEvent"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return VerifiedEvent{}, apperr.Wrap(apperr.KindMalformedResponse, "decode jira payload", err)
	}
	return VerifiedEvent{Provider: j.id, DeliveryID: delivery, EventType: head.WebhookEvent, Payload: payload}, nil
}

type jiraIssuePayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Timestamp    int64  `json:"timestamp"`
	Issue        struct {
		ID     string `json:"id"`
		Key    string `json:"key"`
		Fields struct {
			Summary string   `json:"summary"`
			Labels  []string `json:"labels"`
			Status  struct {
				Name string `json:"name"`
			} `json:"status"`
			Project struct {
				Key string `json:"key"`
			} `json:"project"`
		} `json:"fields"`
	} `json:"issue"`
	Changelog struct {
		Items []struct {
			Field string `json:"field"`
		} `json:"items"`
	} `json:"changelog"`
}

func (j *Jira) ParseWebhook(ev VerifiedEvent) (DomainEvent, error) {
	var p jiraIssuePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return DomainEvent{}, apperr.Wrap(apperr.KindMalformedResponse, "decode jira payload", err)
	}

	out := DomainEvent{
		Kind:       EventIgnored,
		Provider:   j.id,
		BoardID:    p.Issue.Fields.Project.Key,
		OccurredAt: j.opts.Now(),
	}
	if p.Timestamp > 0 {
		out.OccurredAt = time.UnixMilli(p.Timestamp)
	}

	switch p.WebhookEvent {
	case "jira:issue_created":
		out.Kind = EventIssueCreated
	case "jira:issue_deleted":
		out.Kind = EventIssueDeleted
	case "jira:issue_updated":
		out.Kind = EventIssueUpdated
		for _, item := range p.Changelog.Items {
			if strings.EqualFold(item.Field, "labels") {
				out.Kind = EventLabelsChanged
				break
			}
		}
	default:
		return out, nil
	}
	if p.Issue.ID == "" {
		return DomainEvent{}, apperr.New(apperr.KindMalformedResponse, "jira issue event without issue")
	}

	out.IssueID = p.Issue.ID
	out.Key = p.Issue.Key
	out.Title = p.Issue.Fields.Summary
	out.State = p.Issue.Fields.Status.Name
	out.Labels = p.Issue.Fields.Labels
	return out, nil
}
