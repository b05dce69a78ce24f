package credentials

import (
	"time"

	"golang.org/x/oauth2"
)

// Session pairs one long-lived OAuth1 credential with one bearer
// credential for a single service region. A session is either fully
// present (both tokens, consistent region) or absent; partial sessions
// are never persisted.
type Session struct {
	OAuth1 *OAuth1Token `json:"-"`
	OAuth2 *OAuth2Token `json:"-"`
	Domain string       `json:"-"`
}

// Valid reports whether the session is fully present and internally
// consistent on region.
func (s *Session) Valid() bool {
	if s == nil || s.OAuth1 == nil || s.OAuth2 == nil {
		return false
	}
	if s.OAuth1.Token == "" || s.OAuth1.Secret == "" || s.OAuth2.AccessToken == "" {
		return false
	}
	if s.OAuth1.Domain != "" && s.Domain != "" && s.OAuth1.Domain != s.Domain {
		return false
	}
	return true
}

// Fresh reports whether the bearer credential is usable without a refresh.
func (s *Session) Fresh(margin time.Duration) bool {
	return s.Valid() && !s.OAuth2.Expired(margin)
}

// Token converts the bearer credential into an *oauth2.Token so the
// session can drive any oauth2-aware consumer.
func (s *Session) Token() *oauth2.Token {
	if s == nil || s.OAuth2 == nil {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  s.OAuth2.AccessToken,
		RefreshToken: s.OAuth2.RefreshToken,
		TokenType:    s.OAuth2.TokenType,
		Expiry:       time.Unix(s.OAuth2.ExpiresAt, 0),
	}
}
