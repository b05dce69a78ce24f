package errors

import (
	"errors"
	"fmt"
)

// Common error kinds for the session/auth core
var (
	// Authentication errors
	ErrBadCredentials = errors.New("invalid username or password")
	ErrBadMFACode     = errors.New("invalid or expired MFA code")
	ErrBotChallenge   = errors.New("sign-in blocked by a bot-mitigation challenge; complete a browser sign-in once and retry")
	ErrMFARequired    = errors.New("multi-factor authentication required")

	// Ticket/exchange errors
	ErrNoTicket        = errors.New("no service ticket in sign-in response")
	ErrMalformedGrant  = errors.New("malformed credential-exchange response")
	ErrConsumerFetch   = errors.New("unable to resolve consumer credentials")
	ErrUnknownStrategy = errors.New("unknown SSO strategy")

	// Session errors
	ErrNoSession      = errors.New("no session; run login first")
	ErrSessionExpired = errors.New("session expired and could not be refreshed")
	ErrNoMFAState     = errors.New("no suspended MFA login found")
	ErrNoSecondFactor = errors.New("MFA required but no code available")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
