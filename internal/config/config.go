// Package config loads process configuration from an optional YAML file,
// a .env file and environment variables, in increasing order of precedence.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider identifiers.
const (
	ProviderGitHub  = "github"
	ProviderJira    = "jira"
	ProviderLinear  = "linear"
	ProviderZendesk = "zendesk"
)

// KnownProviders lists every provider the core can talk to.
var KnownProviders = []string{ProviderGitHub, ProviderJira, ProviderLinear, ProviderZendesk}

const defaultConfigFile = "issuebridge.yaml"

// Config is the full process configuration.
type Config struct {
	Dev           bool                      `yaml:"dev"`
	Host          string                    `yaml:"host"`
	Port          string                    `yaml:"port"`
	BaseURL       string                    `yaml:"base_url"`
	DatabasePath  string                    `yaml:"database"`
	RedisURL      string                    `yaml:"redis_url"`
	AllowedLogins []string                  `yaml:"allowed_logins"`
	SignInWith    string                    `yaml:"sign_in_provider"`
	Session       SessionConfig             `yaml:"session"`
	OAuth         OAuthConfig               `yaml:"oauth"`
	Webhook       WebhookConfig             `yaml:"webhook"`
	Providers     map[string]ProviderConfig `yaml:"providers"`

	// AllowList is derived from AllowedLogins and ALLOWED_LOGINS.
	AllowList AllowList `yaml:"-"`
}

type SessionConfig struct {
	Secret     string        `yaml:"secret"`
	TTL        time.Duration `yaml:"ttl"`
	CookieName string        `yaml:"cookie_name"`
	Secure     bool          `yaml:"secure"`
}

type OAuthConfig struct {
	StateTTL           time.Duration `yaml:"state_ttl"`
	RefreshMargin      time.Duration `yaml:"refresh_margin"`
	RefreshTimeout     time.Duration `yaml:"refresh_timeout"`
	RefreshMaxAttempts int           `yaml:"refresh_max_attempts"`
	RefreshBackoff     time.Duration `yaml:"refresh_backoff"`
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
}

type WebhookConfig struct {
	ClaimLease         time.Duration `yaml:"claim_lease"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
	TimestampTolerance time.Duration `yaml:"timestamp_tolerance"`
}

// ProviderConfig holds OAuth client and webhook settings for one provider.
// The URL fields are optional overrides of the provider's public endpoints.
type ProviderConfig struct {
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	WebhookSecret string   `yaml:"webhook_secret"`
	Scopes        []string `yaml:"scopes"`
	Subdomain     string   `yaml:"subdomain"`
	AuthURL       string   `yaml:"auth_url"`
	TokenURL      string   `yaml:"token_url"`
	APIBaseURL    string   `yaml:"api_base_url"`
}

// Enabled reports whether the provider has OAuth client credentials.
func (p ProviderConfig) Enabled() bool {
	return strings.TrimSpace(p.ClientID) != ""
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         "8080",
		DatabasePath: "issuebridge.db",
		SignInWith:   ProviderGitHub,
		Session: SessionConfig{
			TTL:        8 * time.Hour,
			CookieName: "ib_session",
		},
		OAuth: OAuthConfig{
			StateTTL:           10 * time.Minute,
			RefreshMargin:      60 * time.Second,
			RefreshTimeout:     15 * time.Second,
			RefreshMaxAttempts: 3,
			RefreshBackoff:     200 * time.Millisecond,
			RefreshInterval:    5 * time.Minute,
		},
		Webhook: WebhookConfig{
			ClaimLease:         2 * time.Minute,
			MaxBodyBytes:       1 << 20,
			TimestampTolerance: 5 * time.Minute,
		},
		Providers: map[string]ProviderConfig{},
	}
}

// Load reads .env, then the YAML file at path (or ISSUEBRIDGE_CONFIG, or
// issuebridge.yaml when present), then applies environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("⚠️ Failed to load .env: %v", err)
	}

	cfg := Default()

	path = resolveConfigPath(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
		if cfg.Providers == nil {
			cfg.Providers = map[string]ProviderConfig{}
		}
	}

	applyEnv(cfg)

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveConfigPath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("ISSUEBRIDGE_CONFIG")); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

func applyEnv(cfg *Config) {
	setString(&cfg.Host, "HOST")
	setString(&cfg.Port, "PORT")
	setString(&cfg.BaseURL, "ISSUEBRIDGE_BASE_URL")
	setString(&cfg.DatabasePath, "ISSUEBRIDGE_DB")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.Session.Secret, "SESSION_SECRET")
	setDuration(&cfg.Session.TTL, "SESSION_TTL")

	if v, ok := os.LookupEnv("ALLOWED_LOGINS"); ok {
		cfg.AllowedLogins = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv("ISSUEBRIDGE_DEV")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Dev = b
		}
	}

	for _, id := range KnownProviders {
		pc := cfg.Providers[id]
		prefix := strings.ToUpper(id) + "_"
		setString(&pc.ClientID, prefix+"CLIENT_ID")
		setString(&pc.ClientSecret, prefix+"CLIENT_SECRET")
		setString(&pc.WebhookSecret, prefix+"WEBHOOK_SECRET")
		setString(&pc.Subdomain, prefix+"SUBDOMAIN")
		if pc.ClientID != "" || pc.WebhookSecret != "" || len(pc.Scopes) > 0 {
			cfg.Providers[id] = pc
		}
	}
}

func (c *Config) finalize() error {
	c.AllowList = NewAllowList(c.AllowedLogins)
	if c.AllowList.Len() == 0 {
		log.Printf("⚠️ Allow-list is empty: every gated route will deny access")
	}

	if strings.TrimSpace(c.Session.Secret) == "" {
		if !c.Dev {
			return errors.New("SESSION_SECRET is required (set dev: true to use an ephemeral secret)")
		}
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generate session secret: %w", err)
		}
		c.Session.Secret = hex.EncodeToString(b)
		log.Printf("⚠️ Using an ephemeral session secret; sessions will not survive a restart")
	}

	if c.BaseURL == "" {
		c.BaseURL = "http://" + c.Addr()
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.SignInWith = strings.ToLower(strings.TrimSpace(c.SignInWith))

	if c.OAuth.RefreshMaxAttempts < 1 {
		c.OAuth.RefreshMaxAttempts = 1
	}
	if zd, ok := c.Providers[ProviderZendesk]; ok && zd.Enabled() && zd.Subdomain == "" && zd.AuthURL == "" {
		return errors.New("zendesk requires ZENDESK_SUBDOMAIN")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// CallbackURL returns the OAuth redirect URI registered for provider.
func (c *Config) CallbackURL(provider string) string {
	return c.BaseURL + "/auth/" + provider + "/callback"
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, env string) {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		*dst = d
	}
}
