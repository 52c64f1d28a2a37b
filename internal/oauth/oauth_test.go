package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-sync-infra/internal/mailerr"
)

// tokenServer fakes the provider token endpoint. Each response is served in
// order; the refresh counter tracks grant_type=refresh_token requests.
func tokenServer(t *testing.T, responses []string, refreshCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	var served atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("grant_type") == "refresh_token" && refreshCalls != nil {
			refreshCalls.Add(1)
		}
		i := int(served.Add(1)) - 1
		if i >= len(responses) {
			i = len(responses) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(responses[i]))
	}))
}

func newTestManager(t *testing.T, srvURL string) *Manager {
	t.Helper()
	return NewManagerWithEndpoint(
		Config{ClientID: "client-id", ClientSecret: "client-secret"},
		oauth2.Endpoint{AuthURL: srvURL + "/auth", TokenURL: srvURL + "/token"},
		srvURL+"/revoke",
	)
}

func TestAuthorizationURLRequestsOfflineConsent(t *testing.T) {
	m := newTestManager(t, "https://accounts.example.com")

	raw, err := m.AuthorizationURL("https://app.example.com/callback", "state-123")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "offline", q.Get("access_type"))
	require.Equal(t, "force", q.Get("approval_prompt"))
	require.Equal(t, "https://app.example.com/callback", q.Get("redirect_uri"))
	require.Equal(t, "state-123", q.Get("state"))
}

func TestAuthorizationURLWithoutCredentials(t *testing.T) {
	m := NewManager(Config{})
	_, err := m.AuthorizationURL("https://app.example.com/callback", "s")
	require.Equal(t, mailerr.KindConfigError, mailerr.KindOf(err))
}

func TestRefreshPreservesRefreshToken(t *testing.T) {
	// Response deliberately omits refresh_token, as Google does on refresh.
	srv := tokenServer(t, []string{
		`{"access_token":"new-access","token_type":"Bearer","expires_in":3600}`,
	}, nil)
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	rec, err := m.Refresh(context.Background(), "original-refresh")
	require.NoError(t, err)
	require.Equal(t, "new-access", rec.AccessToken)
	require.Equal(t, "original-refresh", rec.RefreshToken)
}

func TestRefreshFailureClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	_, err := m.Refresh(context.Background(), "revoked-refresh")
	require.Equal(t, mailerr.KindTokenRefreshFailed, mailerr.KindOf(err))
}

func TestIsExpiredBufferSemantics(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(Config{ClientID: "x", ClientSecret: "y"})
	m.Clock = func() time.Time { return now }

	tests := []struct {
		name   string
		expiry time.Time
		buffer time.Duration
		want   bool
	}{
		{"expires within buffer window", now.Add(120 * time.Second), 5 * time.Minute, true},
		{"expires well beyond buffer", now.Add(time.Hour), 5 * time.Minute, false},
		{"already expired", now.Add(-time.Minute), 5 * time.Minute, true},
		{"exactly at buffer boundary", now.Add(5 * time.Minute), 5 * time.Minute, true},
		{"zero expiry", time.Time{}, 5 * time.Minute, true},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, m.IsExpired(tc.expiry, tc.buffer))
		})
	}
}

func TestValidAccessTokenFreshTokenUnchanged(t *testing.T) {
	var refreshCalls atomic.Int32
	srv := tokenServer(t, []string{`{"access_token":"should-not-be-used"}`}, &refreshCalls)
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	now := time.Now()
	m.Clock = func() time.Time { return now }

	rec := TokenRecord{
		AccessToken:  "still-good",
		RefreshToken: "rt",
		Expiry:       now.Add(time.Hour),
	}
	access, refreshed, err := m.ValidAccessToken(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, "still-good", access)
	require.Nil(t, refreshed)
	require.Equal(t, int32(0), refreshCalls.Load())
}

func TestValidAccessTokenRefreshesExactlyOnce(t *testing.T) {
	var refreshCalls atomic.Int32
	srv := tokenServer(t, []string{
		`{"access_token":"refreshed-access","token_type":"Bearer","expires_in":3600}`,
	}, &refreshCalls)
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	now := time.Now()
	m.Clock = func() time.Time { return now }

	rec := TokenRecord{
		AccessToken:  "stale",
		RefreshToken: "rt",
		Expiry:       now.Add(30 * time.Second), // inside the 5m buffer
		Scope:        []string{"scope-a"},
	}
	access, refreshed, err := m.ValidAccessToken(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, "refreshed-access", access)
	require.NotNil(t, refreshed)
	require.Equal(t, "rt", refreshed.RefreshToken)
	require.Equal(t, []string{"scope-a"}, refreshed.Scope)
	require.Equal(t, int32(1), refreshCalls.Load())
}

func TestValidAccessTokenWithoutRefreshToken(t *testing.T) {
	m := NewManager(Config{ClientID: "x", ClientSecret: "y"})
	now := time.Now()
	m.Clock = func() time.Time { return now }

	rec := TokenRecord{AccessToken: "stale", Expiry: now.Add(-time.Minute)}
	_, _, err := m.ValidAccessToken(context.Background(), rec)
	require.Equal(t, mailerr.KindInvalidToken, mailerr.KindOf(err))
}

func TestRevokeSwallowsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "already revoked", http.StatusBadRequest)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	// Must not panic or surface anything.
	m.Revoke(context.Background(), "whatever")
}
