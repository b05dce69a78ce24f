package credentials

import (
	"time"
)

// DefaultExpiryMargin is subtracted from the access-token expiry when
// deciding freshness, so a token that would expire mid-flight is treated
// as already stale.
const DefaultExpiryMargin = 60 * time.Second

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// OAuth1Token is the long-lived credential pair obtained by redeeming a
// service ticket. Lifetime is on the order of a year; the service exposes
// no expiry field, so validity is only discovered when a request fails.
type OAuth1Token struct {
	// Token is the opaque resource-owner token.
	Token string `json:"oauth_token"`

	// Secret signs subsequent exchange requests together with the
	// consumer secret.
	Secret string `json:"oauth_token_secret"`

	// MFAToken is a short-lived token handed out when the sign-in
	// included a second factor. Forwarded on the bearer exchange;
	// empty when MFA was not involved.
	MFAToken string `json:"mfa_token,omitempty"`

	// Domain is the service region this token was issued for
	// (e.g. "fitcloud.com", "fitcloud.cn").
	Domain string `json:"domain,omitempty"`
}

// OAuth2Token is the short-lived bearer credential obtained by exchanging
// an OAuth1Token. Expiry fields are absolute Unix-epoch seconds, computed
// at exchange time from the response's relative expires_in values, so
// consumers never need the exchange timestamp.
type OAuth2Token struct {
	// AccessToken is sent as "Authorization: Bearer <token>" on every
	// resource call. Lifetime is on the order of an hour.
	AccessToken string `json:"access_token"`

	// RefreshToken obtains a new access token without a fresh sign-in.
	RefreshToken string `json:"refresh_token"`

	// TokenType is "Bearer".
	TokenType string `json:"token_type"`

	// Scope is the space-separated permission list granted to this token.
	Scope string `json:"scope"`

	// JTI is the unique session identifier minted with this token.
	JTI string `json:"jti"`

	// ExpiresAt is the absolute access-token expiry (Unix seconds).
	ExpiresAt int64 `json:"expires_at"`

	// RefreshTokenExpiresAt is the absolute refresh-token expiry
	// (Unix seconds).
	RefreshTokenExpiresAt int64 `json:"refresh_token_expires_at"`
}

// ExchangeResponse is the wire shape of the bearer-exchange endpoint,
// carrying relative lifetimes in seconds.
type ExchangeResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	TokenType             string `json:"token_type"`
	Scope                 string `json:"scope"`
	JTI                   string `json:"jti"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

// FromExchangeResponse converts the wire response into an OAuth2Token,
// anchoring the relative expiries to now.
func FromExchangeResponse(resp ExchangeResponse, now time.Time) *OAuth2Token {
	return &OAuth2Token{
		AccessToken:           resp.AccessToken,
		RefreshToken:          resp.RefreshToken,
		TokenType:             resp.TokenType,
		Scope:                 resp.Scope,
		JTI:                   resp.JTI,
		ExpiresAt:             now.Unix() + resp.ExpiresIn,
		RefreshTokenExpiresAt: now.Unix() + resp.RefreshTokenExpiresIn,
	}
}

// Expired reports whether the access token is past (or within margin of)
// its expiry. The boundary instant expiresAt-margin itself counts as
// expired.
func (t *OAuth2Token) Expired(margin time.Duration) bool {
	if t == nil {
		return true
	}
	return NowTimeFunc().Unix() >= t.ExpiresAt-int64(margin.Seconds())
}

// RefreshExpired reports whether the refresh token itself is past expiry,
// in which case only a full sign-in can produce a fresh session.
func (t *OAuth2Token) RefreshExpired() bool {
	if t == nil {
		return true
	}
	return NowTimeFunc().Unix() >= t.RefreshTokenExpiresAt
}
