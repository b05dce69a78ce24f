package credentials

import (
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// TokenInfo is the claim subset extracted from a bearer access token.
// The service mints its access tokens as JWTs; the signature cannot be
// verified client-side, so this is diagnostic metadata only and never a
// substitute for the stored expiry fields.
type TokenInfo struct {
	Subject  string   `json:"sub,omitempty"`
	Scope    string   `json:"scope,omitempty"`
	JTI      string   `json:"jti,omitempty"`
	IssuedAt int64    `json:"iat,omitempty"`
	Expiry   int64    `json:"exp,omitempty"`
	Clients  []string `json:"clients,omitempty"`
}

// Introspect parses the access token without verifying its signature and
// returns its claims. Returns nil (not an error) for an empty or opaque
// token, so callers can treat introspection as best-effort.
func Introspect(accessToken string) (*TokenInfo, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, nil
	}

	token, _, err := jwtlib.NewParser().ParseUnverified(accessToken, jwtlib.MapClaims{})
	if err != nil {
		return nil, nil
	}
	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, nil
	}

	info := &TokenInfo{}
	info.Subject, _ = claims["sub"].(string)
	info.Scope, _ = claims["scope"].(string)
	info.JTI, _ = claims["jti"].(string)
	if iat, ok := claims["iat"].(float64); ok {
		info.IssuedAt = int64(iat)
	}
	if exp, ok := claims["exp"].(float64); ok {
		info.Expiry = int64(exp)
	}
	if raw, ok := claims["client_type"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				info.Clients = append(info.Clients, s)
			}
		}
	}
	return info, nil
}
