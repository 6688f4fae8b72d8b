package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/config"
)

func newTokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestAuthorizeURL_EmbedsStateAndRedirect(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
		host     string
		extra    map[string]string
	}{
		{name: "github", provider: NewGitHub(config.ProviderConfig{ClientID: "gh"}, Options{}), host: "github.com"},
		{name: "jira", provider: NewJira(config.ProviderConfig{ClientID: "ji"}, Options{}), host: "auth.atlassian.com",
			extra: map[string]string{"audience": "api.atlassian.com", "prompt": "consent"}},
		{name: "linear", provider: NewLinear(config.ProviderConfig{ClientID: "li"}, Options{}), host: "linear.app"},
		{name: "zendesk", provider: NewZendesk(config.ProviderConfig{ClientID: "zd", Subdomain: "acme"}, Options{}), host: "acme.zendesk.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.provider.AuthorizeURL("state-123", "https://dash.example.com/auth/"+tt.name+"/callback")
			u, err := url.Parse(raw)
			if err != nil {
				t.Fatalf("parse url: %v", err)
			}
			if u.Host != tt.host {
				t.Fatalf("expected host %s, got %s", tt.host, u.Host)
			}
			q := u.Query()
			if q.Get("state") != "state-123" {
				t.Fatalf("state not embedded: %s", raw)
			}
			if q.Get("redirect_uri") != "https://dash.example.com/auth/"+tt.name+"/callback" {
				t.Fatalf("redirect_uri not embedded: %s", raw)
			}
			if q.Get("response_type") != "code" {
				t.Fatalf("expected response_type=code, got %q", q.Get("response_type"))
			}
			for k, v := range tt.extra {
				if q.Get(k) != v {
					t.Fatalf("expected %s=%s, got %q", k, v, q.Get(k))
				}
			}
		})
	}
}

func TestExchangeCode_Success(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("code") != "abc" || r.Form.Get("grant_type") != "authorization_code" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		if r.Form.Get("redirect_uri") != "https://cb.example/linear" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "read write",
		})
	})

	p := NewLinear(config.ProviderConfig{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}, Options{})
	cred, err := p.ExchangeCode(context.Background(), "abc", "https://cb.example/linear")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if cred.AccessToken != "at-1" || cred.RefreshToken != "rt-1" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if !cred.Expires() || time.Until(cred.Expiry) < 59*time.Minute {
		t.Fatalf("expected ~1h expiry, got %v", cred.Expiry)
	}
	if strings.Join(cred.Scopes, ",") != "read,write" {
		t.Fatalf("unexpected scopes: %v", cred.Scopes)
	}
}

func TestExchangeCode_GitHubNonExpiring(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		w.Write([]byte("access_token=gho_abc&scope=repo%2Cread%3Auser&token_type=bearer"))
	})

	p := NewGitHub(config.ProviderConfig{ClientID: "id", TokenURL: srv.URL}, Options{})
	cred, err := p.ExchangeCode(context.Background(), "abc", "https://cb.example/github")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if cred.Expires() {
		t.Fatalf("github oauth app tokens should not expire, got %v", cred.Expiry)
	}
	if strings.Join(cred.Scopes, " ") != "repo read:user" {
		t.Fatalf("unexpected scopes: %v", cred.Scopes)
	}
}

func TestTokenErrors_Classified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   interface{}
		want   apperr.Kind
	}{
		{name: "invalid grant", status: http.StatusBadRequest, body: map[string]string{"error": "invalid_grant"}, want: apperr.KindInvalidGrant},
		{name: "github bad code in 200", status: http.StatusOK, body: map[string]string{"error": "bad_verification_code"}, want: apperr.KindInvalidGrant},
		{name: "server error", status: http.StatusServiceUnavailable, body: map[string]string{"error": "temporarily_unavailable"}, want: apperr.KindProviderUnavailable},
		{name: "rate limited", status: http.StatusTooManyRequests, body: map[string]string{}, want: apperr.KindProviderUnavailable},
		{name: "missing access token", status: http.StatusOK, body: map[string]string{"token_type": "bearer"}, want: apperr.KindMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			p := NewJira(config.ProviderConfig{ClientID: "id", TokenURL: srv.URL}, Options{})

			_, err := p.Refresh(context.Background(), "rt-old")
			if got := apperr.KindOf(err); got != tt.want {
				t.Fatalf("expected %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}

func TestRefresh_KeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	var calls int32
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "rt-old" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "at-new", "expires_in": 7200, "token_type": "Bearer"})
	})

	p := NewZendesk(config.ProviderConfig{ClientID: "id", Subdomain: "acme", TokenURL: srv.URL}, Options{})
	cred, err := p.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if cred.AccessToken != "at-new" || cred.RefreshToken != "rt-old" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one token call, got %d", calls)
	}
}

func TestRefresh_WithoutRefreshToken(t *testing.T) {
	p := NewGitHub(config.ProviderConfig{ClientID: "id"}, Options{})
	_, err := p.Refresh(context.Background(), "")
	if !apperr.Is(err, apperr.KindInvalidGrant) {
		t.Fatalf("expected InvalidGrant, got %v", err)
	}
}

func TestRefresh_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	tokenURL := srv.URL
	srv.Close()

	p := NewLinear(config.ProviderConfig{ClientID: "id", TokenURL: tokenURL}, Options{})
	_, err := p.Refresh(context.Background(), "rt")
	if !apperr.Is(err, apperr.KindProviderUnavailable) {
		t.Fatalf("expected ProviderUnavailable, got %v", err)
	}
}

func TestFetchIdentity_GitHub(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user" || r.Header.Get("Authorization") != "Bearer gho_abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": 42, "login": "OctoCat", "email": "octo@example.com"})
	})

	p := NewGitHub(config.ProviderConfig{ClientID: "id", APIBaseURL: srv.URL}, Options{})
	id, err := p.FetchIdentity(context.Background(), Credential{AccessToken: "gho_abc"})
	if err != nil {
		t.Fatalf("fetch identity: %v", err)
	}
	if id.Login != "octocat" || id.ExternalID != "42" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	_, err = p.FetchIdentity(context.Background(), Credential{AccessToken: "wrong"})
	if !apperr.Is(err, apperr.KindInvalidGrant) {
		t.Fatalf("expected InvalidGrant for rejected token, got %v", err)
	}
}

func TestFetchIdentity_LinearGraphQL(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if r.Method != http.MethodPost || !strings.Contains(body["query"], "viewer") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"viewer": map[string]string{"id": "usr_1", "name": "Ada", "email": "ada@example.com"}},
		})
	})

	p := NewLinear(config.ProviderConfig{ClientID: "id", APIBaseURL: srv.URL}, Options{})
	id, err := p.FetchIdentity(context.Background(), Credential{AccessToken: "lin"})
	if err != nil {
		t.Fatalf("fetch identity: %v", err)
	}
	if id.ExternalID != "usr_1" || id.Login != "ada" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestRegistry_FromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Providers[config.ProviderGitHub] = config.ProviderConfig{ClientID: "gh", WebhookSecret: "s"}
	cfg.Providers[config.ProviderLinear] = config.ProviderConfig{ClientSecret: "no-client-id"}

	reg := FromConfig(cfg, Options{})
	if got := reg.IDs(); len(got) != 1 || got[0] != "github" {
		t.Fatalf("expected only github, got %v", got)
	}
	if _, ok := reg.Get(" GitHub "); !ok {
		t.Fatal("lookup should normalize the id")
	}
	if _, ok := reg.Get("linear"); ok {
		t.Fatal("linear has no client id and must not be registered")
	}
}
