// Package oauthflow drives the authorization-code flow: Start issues a
// single-use state and the provider's authorize URL, Callback consumes the
// state, exchanges the code and persists the resulting account.
package oauthflow

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/auth/session"
	"github.com/pysugar/issuebridge/internal/auth/state"
	"github.com/pysugar/issuebridge/internal/config"
	"github.com/pysugar/issuebridge/internal/db/models"
	"github.com/pysugar/issuebridge/internal/logging"
	"github.com/pysugar/issuebridge/internal/metrics"
	"github.com/pysugar/issuebridge/internal/providers"
)

// AccountWriter is the part of the credential store the flow mutates.
type AccountWriter interface {
	Grant(ctx context.Context, userID, provider string, cred providers.Credential, ident *providers.Identity) (*models.Account, error)
	SignIn(ctx context.Context, login, email, provider string, cred providers.Credential, ident *providers.Identity) (*models.User, *models.Account, error)
}

// Options configures the controller.
type Options struct {
	StateTTL    time.Duration
	SessionTTL  time.Duration
	SignInWith  string                       // provider whose identity signs users in
	CallbackURL func(provider string) string // redirect URI registered with the provider
}

// Controller runs the Start → AwaitingCallback → Succeeded|Failed machine.
// The awaiting state lives only in the state store.
type Controller struct {
	registry *providers.Registry
	states   state.Store
	accounts AccountWriter
	signer   *session.Signer
	allow    config.AllowList
	opts     Options
}

func NewController(registry *providers.Registry, states state.Store, accounts AccountWriter, signer *session.Signer, allow config.AllowList, opts Options) *Controller {
	if opts.StateTTL <= 0 {
		opts.StateTTL = 10 * time.Minute
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 8 * time.Hour
	}
	return &Controller{
		registry: registry,
		states:   states,
		accounts: accounts,
		signer:   signer,
		allow:    allow,
		opts:     opts,
	}
}

// StartResult is where to send the browser.
type StartResult struct {
	AuthorizeURL string
	State        string
}

// Start begins a flow. Without a session only the sign-in provider may be
// used; with one the flow links provider to the session's user.
func (c *Controller) Start(ctx context.Context, provider string, sess *session.Session, redirectTo string) (StartResult, error) {
	p, ok := c.registry.Get(provider)
	if !ok {
		return StartResult{}, apperr.New(apperr.KindNotFound, fmt.Sprintf("provider %q is not configured", provider))
	}
	provider = p.ID()

	data := state.Data{
		Provider:    provider,
		RedirectTo:  SafeRedirect(redirectTo),
		RedirectURI: c.opts.CallbackURL(provider),
	}
	if sess != nil {
		data.UserID = sess.UserID
	} else if provider != c.opts.SignInWith {
		return StartResult{}, apperr.New(apperr.KindNoSession, "sign in before linking "+provider)
	}

	token, err := c.states.Create(ctx, data, c.opts.StateTTL)
	if err != nil {
		return StartResult{}, err
	}

	metrics.RecordOAuthFlow(provider, "started")
	flow := "link"
	if data.UserID == "" {
		flow = "sign-in"
	}
	logging.Printf(ctx, "🔐 Starting %s %s flow (state expires in %s)", provider, flow, c.opts.StateTTL)
	return StartResult{AuthorizeURL: p.AuthorizeURL(token, data.RedirectURI), State: token}, nil
}

// CallbackParams are the query parameters the provider redirects back with.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult describes a successful flow.
type CallbackResult struct {
	UserID       string
	Account      *models.Account
	RedirectTo   string
	SessionToken string // only for sign-in flows
	Session      *session.Session
}

// Callback completes a flow. The state is consumed before anything else so
// a replayed callback always fails with InvalidState, and nothing is
// persisted unless the exchange succeeds.
func (c *Controller) Callback(ctx context.Context, provider string, params CallbackParams) (*CallbackResult, error) {
	label := "unknown"
	if p, ok := c.registry.Get(provider); ok {
		label = p.ID()
	}
	res, err := c.callback(ctx, provider, params)
	if err != nil {
		metrics.RecordOAuthFlow(label, string(apperr.KindOf(err)))
		logging.Printf(ctx, "❌ %s callback failed: %v", provider, err)
		return nil, err
	}
	metrics.RecordOAuthFlow(label, "succeeded")
	return res, nil
}

func (c *Controller) callback(ctx context.Context, provider string, params CallbackParams) (*CallbackResult, error) {
	data, err := c.states.Consume(ctx, params.State)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(data.Provider, provider) {
		return nil, apperr.New(apperr.KindInvalidState, "oauth state was issued for another provider")
	}

	p, ok := c.registry.Get(data.Provider)
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("provider %q is not configured", provider))
	}
	if params.Error != "" {
		msg := params.Error
		if params.ErrorDescription != "" {
			msg += ": " + params.ErrorDescription
		}
		return nil, apperr.New(apperr.KindInvalidGrant, "authorization denied: "+msg)
	}
	if params.Code == "" {
		return nil, apperr.New(apperr.KindInvalidGrant, "missing authorization code")
	}

	cred, err := p.ExchangeCode(ctx, params.Code, data.RedirectURI)
	if err != nil {
		return nil, err
	}

	if data.UserID == "" {
		return c.signIn(ctx, p, cred, data)
	}
	return c.link(ctx, p, cred, data)
}

func (c *Controller) link(ctx context.Context, p providers.Provider, cred providers.Credential, data state.Data) (*CallbackResult, error) {
	var ident *providers.Identity
	if id, err := p.FetchIdentity(ctx, cred); err != nil {
		logging.Printf(ctx, "⚠️ %s identity lookup failed, linking without it: %v", p.ID(), err)
	} else {
		ident = &id
	}

	acc, err := c.accounts.Grant(ctx, data.UserID, p.ID(), cred, ident)
	if err != nil {
		return nil, err
	}
	logging.Printf(ctx, "✅ Linked %s account for user %s", p.ID(), data.UserID)
	return &CallbackResult{UserID: data.UserID, Account: acc, RedirectTo: data.RedirectTo}, nil
}

func (c *Controller) signIn(ctx context.Context, p providers.Provider, cred providers.Credential, data state.Data) (*CallbackResult, error) {
	ident, err := p.FetchIdentity(ctx, cred)
	if err != nil {
		return nil, err
	}
	if !c.allow.Contains(ident.Login) {
		logging.Printf(ctx, "🚫 Sign-in refused for %s login %q: not allow-listed", p.ID(), ident.Login)
		return nil, apperr.New(apperr.KindNotAllowListed, "access denied")
	}

	user, acc, err := c.accounts.SignIn(ctx, ident.Login, ident.Email, p.ID(), cred, &ident)
	if err != nil {
		return nil, err
	}
	token, sess, err := c.signer.Issue(user.ID, user.Login, c.opts.SessionTTL)
	if err != nil {
		return nil, err
	}

	logging.Printf(ctx, "✅ %s signed in via %s", user.Login, p.ID())
	return &CallbackResult{
		UserID:       user.ID,
		Account:      acc,
		RedirectTo:   data.RedirectTo,
		SessionToken: token,
		Session:      &sess,
	}, nil
}

// SafeRedirect keeps post-login redirects on this site.
func SafeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil || u.Host != "" || u.Scheme != "" {
		return "/"
	}
	return target
}
