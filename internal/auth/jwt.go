// Package auth issues and verifies the service's own API tokens. Tokens are
// HS256-signed JWTs minted at login and presented as Bearer credentials on
// every protected route.
package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const issuer = "mail-sync-infra"

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// User is the authenticated identity extracted from a verified token.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// TokenService mints and verifies API tokens with a shared HS256 secret.
type TokenService struct {
	key jwk.Key
	ttl time.Duration

	// now is swapped in tests to pin expiry behavior.
	now func() time.Time
}

// NewTokenService builds a TokenService from the signing secret.
func NewTokenService(secret []byte) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token signing secret is empty")
	}
	key, err := jwk.FromRaw(secret)
	if err != nil {
		return nil, fmt.Errorf("build signing key: %w", err)
	}
	return &TokenService{key: key, ttl: DefaultTokenTTL, now: time.Now}, nil
}

// Issue mints a token for user.
func (s *TokenService) Issue(user User) (string, error) {
	now := s.now()
	tok, err := jwt.NewBuilder().
		Issuer(issuer).
		Subject(user.ID).
		Claim("username", user.Username).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.key))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

// Verify parses and validates a raw token string.
func (s *TokenService) Verify(raw string) (*User, error) {
	tok, err := jwt.ParseString(
		raw,
		jwt.WithKey(jwa.HS256, s.key),
		jwt.WithValidate(true),
		jwt.WithIssuer(issuer),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return userFromToken(tok)
}

// UserFromRequest extracts and validates the Bearer token on r. This is the
// hot path for every protected route.
func (s *TokenService) UserFromRequest(r *http.Request) (*User, error) {
	tok, err := jwt.ParseRequest(
		r,
		jwt.WithKey(jwa.HS256, s.key),
		jwt.WithValidate(true),
		jwt.WithIssuer(issuer),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil {
		return nil, fmt.Errorf("parse request token: %w", err)
	}
	return userFromToken(tok)
}

func userFromToken(tok jwt.Token) (*User, error) {
	userID := tok.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	var username string
	if claim, ok := tok.Get("username"); ok {
		username, _ = claim.(string)
	}
	return &User{ID: userID, Username: username}, nil
}
