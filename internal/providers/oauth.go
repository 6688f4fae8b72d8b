package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	"golang.org/x/oauth2"
)

// Options carries collaborators shared by every adapter.
type Options struct {
	HTTPClient         *http.Client
	Now                func() time.Time
	TimestampTolerance time.Duration
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.TimestampTolerance <= 0 {
		o.TimestampTolerance = 5 * time.Minute
	}
	return o
}

// oauthBase implements the authorization-code and refresh legs on top of
// golang.org/x/oauth2; adapters embed it.
type oauthBase struct {
	id         string
	conf       oauth2.Config
	authParams []oauth2.AuthCodeOption
	opts       Options
}

func (b *oauthBase) ID() string { return b.id }

func (b *oauthBase) config(redirectURI string) *oauth2.Config {
	c := b.conf
	c.RedirectURL = redirectURI
	return &c
}

func (b *oauthBase) AuthorizeURL(state, redirectURI string) string {
	return b.config(redirectURI).AuthCodeURL(state, b.authParams...)
}

func (b *oauthBase) ExchangeCode(ctx context.Context, code, redirectURI string) (Credential, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.opts.HTTPClient)
	tok, err := b.config(redirectURI).Exchange(ctx, code)
	if err != nil {
		return Credential{}, classifyTokenError(b.id+" code exchange", err, b.opts.Now())
	}
	return credentialFromToken(tok), nil
}

func (b *oauthBase) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	if refreshToken == "" {
		return Credential{}, apperr.New(apperr.KindInvalidGrant, b.id+" account has no refresh token")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.opts.HTTPClient)
	tok, err := b.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Credential{}, classifyTokenError(b.id+" refresh", err, b.opts.Now())
	}
	return credentialFromToken(tok), nil
}

func credentialFromToken(tok *oauth2.Token) Credential {
	cred := Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if raw, ok := tok.Extra("scope").(string); ok {
		cred.Scopes = splitScopes(raw)
	}
	return cred
}

// splitScopes accepts both GitHub's comma-separated and the RFC 6749
// space-separated scope formats.
func splitScopes(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
}

var permanentErrorCodes = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"bad_verification_code",
	"bad_refresh_token",
	"incorrect_client_credentials",
}

// classifyTokenError maps token-endpoint failures onto the error taxonomy.
func classifyTokenError(op string, err error, now time.Time) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if status >= 500 || status == http.StatusTooManyRequests {
			e := apperr.Wrap(apperr.KindProviderUnavailable, op, err)
			e.RetryAfter = parseRetryAfter(re.Response, now)
			return e
		}
		code := strings.ToLower(re.ErrorCode)
		for _, marker := range permanentErrorCodes {
			if code == marker {
				return apperr.Wrap(apperr.KindInvalidGrant, op, err)
			}
		}
		if status >= 400 || code != "" {
			return apperr.Wrap(apperr.KindInvalidGrant, op, err)
		}
		return apperr.Wrap(apperr.KindMalformedResponse, op, err)
	}
	if isTransient(err) {
		return apperr.Wrap(apperr.KindProviderUnavailable, op, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "cannot parse") || strings.Contains(msg, "missing access_token") {
		return apperr.Wrap(apperr.KindMalformedResponse, op, err)
	}
	return apperr.Wrap(apperr.KindProviderUnavailable, op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
