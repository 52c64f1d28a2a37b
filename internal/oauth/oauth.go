// Package oauth owns the OAuth2 token lifecycle for connected mail accounts:
// authorization-URL construction, code exchange, expiry-aware refresh and
// revocation. Every component that needs a bearer token goes through
// ValidAccessToken so the expiry policy lives in exactly one place.
package oauth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mail-sync-infra/internal/mailerr"
)

// DefaultExpiryBuffer is subtracted from a token's expiry when deciding
// whether to refresh. Refreshing ahead of actual expiry avoids building a
// request with a token that lapses mid-flight.
const DefaultExpiryBuffer = 5 * time.Minute

const googleRevokeURL = "https://oauth2.googleapis.com/revoke"

// Scopes requested on first authorization. Modify covers read + label
// mutation; send is separate in Google's scope model.
var Scopes = []string{
	gmailapi.GmailModifyScope,
	gmailapi.GmailSendScope,
	gmailapi.GmailLabelsScope,
}

// Config holds the OAuth client credentials. It is injected explicitly so a
// process can hold credential sets for multiple tenants; nothing here is
// read from globals.
type Config struct {
	ClientID     string
	ClientSecret string
}

// TokenRecord is the engine's view of a stored OAuth grant. RefreshToken may
// be empty: providers omit it on refresh responses, and a record without one
// cannot be renewed once expired.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        []string
}

// Manager implements the token lifecycle against Google's OAuth endpoints.
type Manager struct {
	cfg       Config
	endpoint  oauth2.Endpoint
	revokeURL string
	client    *http.Client

	// Clock is overridable for tests.
	Clock func() time.Time
}

// NewManager returns a Manager bound to Google's endpoints.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		endpoint:  google.Endpoint,
		revokeURL: googleRevokeURL,
		client:    &http.Client{Timeout: 15 * time.Second},
		Clock:     time.Now,
	}
}

// NewManagerWithEndpoint is NewManager with the token/auth endpoints
// overridden. Used by tests to point at a local server.
func NewManagerWithEndpoint(cfg Config, endpoint oauth2.Endpoint, revokeURL string) *Manager {
	m := NewManager(cfg)
	m.endpoint = endpoint
	m.revokeURL = revokeURL
	return m
}

func (m *Manager) oauthConfig(redirectURI string) (*oauth2.Config, error) {
	if m.cfg.ClientID == "" || m.cfg.ClientSecret == "" {
		return nil, mailerr.New(mailerr.KindConfigError, "oauth client credentials are not configured")
	}
	return &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       Scopes,
		Endpoint:     m.endpoint,
	}, nil
}

// AuthorizationURL builds the consent URL for redirectURI. Offline access and
// forced consent are always requested so a refresh token is issued on first
// authorization.
func (m *Manager) AuthorizationURL(redirectURI, state string) (string, error) {
	cfg, err := m.oauthConfig(redirectURI)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for a TokenRecord.
func (m *Manager) Exchange(ctx context.Context, code, redirectURI string) (*TokenRecord, error) {
	cfg, err := m.oauthConfig(redirectURI)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindTokenRefreshFailed, err, "code exchange failed")
	}
	if tok.AccessToken == "" {
		return nil, mailerr.New(mailerr.KindTokenRefreshFailed, "provider returned no access token")
	}
	return recordFromToken(tok, ""), nil
}

// Refresh obtains a fresh access token. The input refresh token is preserved
// in the result when the provider does not reissue one.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenRecord, error) {
	cfg, err := m.oauthConfig("")
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, mailerr.New(mailerr.KindTokenRefreshFailed, "no refresh token available")
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindTokenRefreshFailed, err, "token refresh failed")
	}
	if tok.AccessToken == "" {
		return nil, mailerr.New(mailerr.KindTokenRefreshFailed, "refresh response contained no access token")
	}
	return recordFromToken(tok, refreshToken), nil
}

// IsExpired evaluates expiry against now+buffer rather than now, so callers
// proactively refresh before the token actually lapses. A zero buffer means
// DefaultExpiryBuffer; a zero expiry counts as expired.
func (m *Manager) IsExpired(expiry time.Time, buffer time.Duration) bool {
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}
	if expiry.IsZero() {
		return true
	}
	return !m.Clock().Add(buffer).Before(expiry)
}

// ValidAccessToken is the single entry point for obtaining a usable bearer
// token. When the stored token is still fresh it is returned unchanged and
// the second result is nil; otherwise exactly one refresh is performed and
// the updated record is returned for the caller to persist.
func (m *Manager) ValidAccessToken(ctx context.Context, rec TokenRecord) (string, *TokenRecord, error) {
	if !m.IsExpired(rec.Expiry, DefaultExpiryBuffer) {
		return rec.AccessToken, nil, nil
	}
	if rec.RefreshToken == "" {
		return "", nil, mailerr.New(mailerr.KindInvalidToken,
			"access token expired and no refresh token is stored; re-authorization required")
	}
	refreshed, err := m.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		return "", nil, err
	}
	refreshed.Scope = rec.Scope
	return refreshed.AccessToken, refreshed, nil
}

// Revoke invalidates accessToken at the provider. Best effort: a failed
// revocation (token already invalid, provider unreachable) is swallowed
// because the caller's intent, disconnecting the account, is still met.
func (m *Manager) Revoke(ctx context.Context, accessToken string) {
	if accessToken == "" {
		return
	}
	form := url.Values{"token": {accessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := m.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func recordFromToken(tok *oauth2.Token, fallbackRefresh string) *TokenRecord {
	rec := &TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if rec.RefreshToken == "" {
		rec.RefreshToken = fallbackRefresh
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		rec.Scope = strings.Fields(scope)
	}
	return rec
}
