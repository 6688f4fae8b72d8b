package oauthflow

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/auth/credentials"
	"github.com/pysugar/issuebridge/internal/auth/session"
	"github.com/pysugar/issuebridge/internal/auth/state"
	"github.com/pysugar/issuebridge/internal/config"
	"github.com/pysugar/issuebridge/internal/db"
	"github.com/pysugar/issuebridge/internal/db/models"
	"github.com/pysugar/issuebridge/internal/providers"
	"github.com/pysugar/issuebridge/internal/providers/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type harness struct {
	ctl    *Controller
	store  *credentials.Store
	db     *gorm.DB
	github *providertest.Fake
	linear *providertest.Fake
	signer *session.Signer
}

func newHarness(t *testing.T, stateTTL time.Duration) *harness {
	t.Helper()
	database, err := db.Open("file::memory:", nil)
	require.NoError(t, err)

	h := &harness{
		store:  credentials.NewStore(database),
		db:     database,
		github: &providertest.Fake{Name: "github"},
		linear: &providertest.Fake{Name: "linear"},
		signer: session.NewSigner("test-secret-test-secret-test-sec", "issuebridge"),
	}
	h.ctl = NewController(
		providers.NewRegistry(h.github, h.linear),
		state.NewGormStore(database),
		h.store,
		h.signer,
		config.ParseAllowList("octocat"),
		Options{
			StateTTL:    stateTTL,
			SessionTTL:  time.Hour,
			SignInWith:  "github",
			CallbackURL: func(p string) string { return "http://localhost:8080/auth/" + p + "/callback" },
		},
	)
	return h
}

var alice = &session.Session{UserID: "user-alice", Login: "octocat", ExpiresAt: time.Now().Add(time.Hour)}

func stateFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestCallback_StateIsSingleUse(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()

	start, err := h.ctl.Start(ctx, "github", alice, "/projects/42")
	require.NoError(t, err)
	s := stateFromURL(t, start.AuthorizeURL)
	require.Equal(t, start.State, s)
	require.Len(t, s, 64)

	res, err := h.ctl.Callback(ctx, "github", CallbackParams{Code: "abc", State: s})
	require.NoError(t, err)
	assert.Equal(t, "access-abc", res.Account.AccessToken)
	assert.Equal(t, "/projects/42", res.RedirectTo)
	assert.Empty(t, res.SessionToken, "link flows do not issue sessions")

	_, err = h.ctl.Callback(ctx, "github", CallbackParams{Code: "xyz", State: s})
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "got %v", err)

	acc, err := h.store.Get(ctx, alice.UserID, "github")
	require.NoError(t, err)
	assert.Equal(t, "access-abc", acc.AccessToken)
	assert.Equal(t, []string{"abc"}, h.github.Codes(), "replayed code must never reach the provider")
}

func TestCallback_RelinkReplacesRefreshToken(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()

	link := func(code string) *models.Account {
		start, err := h.ctl.Start(ctx, "linear", alice, "/")
		require.NoError(t, err)
		res, err := h.ctl.Callback(ctx, "linear", CallbackParams{Code: code, State: start.State})
		require.NoError(t, err)
		return res.Account
	}

	first := link("one")
	assert.Equal(t, "refresh-one", first.RefreshToken)

	// The new grant comes without offline access.
	h.linear.ExchangeFunc = func(ctx context.Context, code, redirectURI string) (providers.Credential, error) {
		return providers.Credential{AccessToken: "access-" + code, Expiry: time.Now().Add(time.Hour)}, nil
	}
	second := link("two")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "access-two", second.AccessToken)
	assert.Empty(t, second.RefreshToken, "a refresh token from an earlier grant must not survive a relink")
}

func TestCallback_ConcurrentReplayOnlyOneWins(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()
	start, err := h.ctl.Start(ctx, "linear", alice, "")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, invalid := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ctl.Callback(ctx, "linear", CallbackParams{Code: "abc", State: start.State})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if apperr.Is(err, apperr.KindInvalidState) {
				invalid++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, invalid)
	assert.Equal(t, 1, h.linear.Exchanges())
}

func TestStart_IndependentStates(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()

	a, err := h.ctl.Start(ctx, "linear", alice, "/a")
	require.NoError(t, err)
	b, err := h.ctl.Start(ctx, "linear", alice, "/b")
	require.NoError(t, err)
	require.NotEqual(t, a.State, b.State)

	resB, err := h.ctl.Callback(ctx, "linear", CallbackParams{Code: "b", State: b.State})
	require.NoError(t, err)
	assert.Equal(t, "/b", resB.RedirectTo)
	resA, err := h.ctl.Callback(ctx, "linear", CallbackParams{Code: "a", State: a.State})
	require.NoError(t, err)
	assert.Equal(t, "/a", resA.RedirectTo)
}

func TestStart_LinkRequiresSession(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	_, err := h.ctl.Start(context.Background(), "linear", nil, "/")
	assert.True(t, apperr.Is(err, apperr.KindNoSession), "got %v", err)

	_, err = h.ctl.Start(context.Background(), "gitlab", alice, "/")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
}

func TestCallback_SignInIssuesSession(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()
	h.github.IdentityFunc = func(ctx context.Context, cred providers.Credential) (providers.Identity, error) {
		return providers.Identity{ExternalID: "583231", Login: "OctoCat", Email: "octo@example.com"}, nil
	}

	start, err := h.ctl.Start(ctx, "github", nil, "/dashboard")
	require.NoError(t, err)
	res, err := h.ctl.Callback(ctx, "github", CallbackParams{Code: "abc", State: start.State})
	require.NoError(t, err)

	require.NotEmpty(t, res.SessionToken)
	sess, err := h.signer.Parse(res.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, res.UserID, sess.UserID)
	assert.Equal(t, "octocat", sess.Login)
	assert.Equal(t, "583231", res.Account.ExternalID)
	assert.Equal(t, "/dashboard", res.RedirectTo)
}

func TestCallback_SignInNotAllowListedPersistsNothing(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()
	h.github.IdentityFunc = func(ctx context.Context, cred providers.Credential) (providers.Identity, error) {
		return providers.Identity{ExternalID: "1", Login: "mallory"}, nil
	}

	start, err := h.ctl.Start(ctx, "github", nil, "/")
	require.NoError(t, err)
	_, err = h.ctl.Callback(ctx, "github", CallbackParams{Code: "abc", State: start.State})
	assert.True(t, apperr.Is(err, apperr.KindNotAllowListed), "got %v", err)

	var users, accounts int64
	h.db.Model(&models.User{}).Count(&users)
	h.db.Model(&models.Account{}).Count(&accounts)
	assert.Zero(t, users)
	assert.Zero(t, accounts)
}

func TestCallback_ExchangeFailurePersistsNothing(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()
	h.linear.ExchangeFunc = func(ctx context.Context, code, redirectURI string) (providers.Credential, error) {
		return providers.Credential{}, apperr.New(apperr.KindInvalidGrant, "bad_verification_code")
	}

	start, err := h.ctl.Start(ctx, "linear", alice, "/")
	require.NoError(t, err)
	_, err = h.ctl.Callback(ctx, "linear", CallbackParams{Code: "abc", State: start.State})
	assert.True(t, apperr.Is(err, apperr.KindInvalidGrant), "got %v", err)

	_, err = h.store.Get(ctx, alice.UserID, "linear")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	// The state was spent on the failed attempt.
	_, err = h.ctl.Callback(ctx, "linear", CallbackParams{Code: "abc", State: start.State})
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestCallback_Failures(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		params   func(state string) CallbackParams
		want     apperr.Kind
	}{
		{"forged state", "linear", func(string) CallbackParams { return CallbackParams{Code: "abc", State: "forged"} }, apperr.KindInvalidState},
		{"missing state", "linear", func(string) CallbackParams { return CallbackParams{Code: "abc"} }, apperr.KindInvalidState},
		{"other provider", "github", func(s string) CallbackParams { return CallbackParams{Code: "abc", State: s} }, apperr.KindInvalidState},
		{"user denied", "linear", func(s string) CallbackParams {
			return CallbackParams{State: s, Error: "access_denied", ErrorDescription: "user cancelled"}
		}, apperr.KindInvalidGrant},
		{"missing code", "linear", func(s string) CallbackParams { return CallbackParams{State: s} }, apperr.KindInvalidGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10*time.Minute)
			start, err := h.ctl.Start(context.Background(), "linear", alice, "/")
			require.NoError(t, err)

			_, err = h.ctl.Callback(context.Background(), tt.provider, tt.params(start.State))
			assert.Equal(t, tt.want, apperr.KindOf(err), "got %v", err)
			assert.Zero(t, h.linear.Exchanges()+h.github.Exchanges())
		})
	}
}

func TestCallback_ExpiredState(t *testing.T) {
	h := newHarness(t, time.Nanosecond)
	start, err := h.ctl.Start(context.Background(), "linear", alice, "/")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	_, err = h.ctl.Callback(context.Background(), "linear", CallbackParams{Code: "abc", State: start.State})
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "got %v", err)
	assert.Zero(t, h.linear.Exchanges())
}

func TestSafeRedirect(t *testing.T) {
	tests := map[string]string{
		"":                      "/",
		"/projects/1?tab=links": "/projects/1?tab=links",
		"//evil.example":        "/",
		"/\\evil.example":       "/",
		"https://evil.example/": "/",
		"javascript:alert(1)":   "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, SafeRedirect(in), "input %q", in)
	}
}
