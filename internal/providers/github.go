package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/config"
	"golang.org/x/oauth2"
	githubOAuth "golang.org/x/oauth2/github"
)

// DefaultGitHubScopes are requested when the config does not override them.
var DefaultGitHubScopes = []string{"read:user", "user:email", "repo"}

// GitHub adapts GitHub OAuth apps and repository webhooks.
type GitHub struct {
	oauthBase
	apiBase       string
	webhookSecret string
}

// NewGitHub builds the GitHub adapter.
func NewGitHub(pc config.ProviderConfig, opts Options) *GitHub {
	endpoint := githubOAuth.Endpoint
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	if pc.AuthURL != "" {
		endpoint.AuthURL = pc.AuthURL
	}
	if pc.TokenURL != "" {
		endpoint.TokenURL = pc.TokenURL
	}
	scopes := pc.Scopes
	if len(scopes) == 0 {
		scopes = DefaultGitHubScopes
	}
	apiBase := "https://api.github.com"
	if pc.APIBaseURL != "" {
		apiBase = strings.TrimRight(pc.APIBaseURL, "/")
	}
	return &GitHub{
		oauthBase: oauthBase{
			id: config.ProviderGitHub,
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

func (g *GitHub) FetchIdentity(ctx context.Context, cred Credential) (Identity, error) {
	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Email string `json:"email"`
	}
	if err := callJSON(ctx, g.opts.HTTPClient, http.MethodGet, g.apiBase+"/user", cred.AccessToken, nil, &user); err != nil {
		return Identity{}, err
	}
	if user.Login == "" {
		return Identity{}, apperr.New(apperr.KindMalformedResponse, "github /user response has no login")
	}
	return Identity{
		ExternalID: strconv.FormatInt(user.ID, 10),
		Login:      strings.ToLower(user.Login),
		Email:      user.Email,
	}, nil
}

func (g *GitHub) VerifyWebhook(payload []byte, headers http.Header) (VerifiedEvent, error) {
	if err := verifyHexSignature(g.id, g.webhookSecret, headers.Get("X-Hub-Signature-256"), "sha256=", payload); err != nil {
		return VerifiedEvent{}, err
	}
	delivery := headers.Get("X-GitHub-Delivery")
	if delivery == "" {
		return VerifiedEvent{}, apperr.New(apperr.KindBadRequest, "github delivery id missing")
	}
	return VerifiedEvent{
		Provider:   g.id,
		DeliveryID: delivery,
		EventType:  headers.Get("X-GitHub-Event"),
		Payload:    payload,
	}, nil
}

type githubIssuePayload struct {
	Action string `json:"action"`
	Issue  struct {
		ID     int64  `json:"id"`
		Number int    `json:"number"`
		Title  string `json:"title"`
		State  string `json:"state"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (g *GitHub) ParseWebhook(ev VerifiedEvent) (DomainEvent, error) {
	var p githubIssuePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return DomainEvent{}, apperr.Wrap(apperr.KindMalformedResponse, "decode github payload", err)
	}

	out := DomainEvent{
		Kind:       EventIgnored,
		Provider:   g.id,
		BoardID:    strings.ToLower(p.Repository.FullName),
		OccurredAt: g.opts.Now(),
	}
	if ev.EventType != "issues" {
		return out, nil
	}
	if p.Issue.ID == 0 {
		return DomainEvent{}, apperr.New(apperr.KindMalformedResponse, "github issues event without issue")
	}

	switch p.Action {
	case "opened":
		out.Kind = EventIssueCreated
	case "deleted":
		out.Kind = EventIssueDeleted
	case "labeled", "unlabeled":
		out.Kind = EventLabelsChanged
	default:
		out.Kind = EventIssueUpdated
	}
	out.IssueID = strconv.FormatInt(p.Issue.ID, 10)
	out.Key = "#" + strconv.Itoa(p.Issue.Number)
	out.Title = p.Issue.Title
	out.State = p.Issue.State
	for _, l := range p.Issue.Labels {
		out.Labels = append(out.Labels, l.Name)
	}
	return out, nil
}
