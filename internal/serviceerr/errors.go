// Package serviceerr defines the error taxonomy shared by the auth core.
// Validation failures are terminal for the current operation and must never
// be retried; infrastructure failures are recovered through the tiered
// fallback instead of surfacing here.
package serviceerr

import "errors"

var (
	// OAuth flow integrity.
	ErrStateNotFound    = errors.New("oauth state not found")
	ErrStateAlreadyUsed = errors.New("oauth state already used")
	ErrStateExpired     = errors.New("oauth state expired")
	ErrIPMismatch       = errors.New("oauth state bound to a different ip")

	// Access and refresh token lifecycle.
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenInvalid  = errors.New("token invalid")
	ErrTokenRevoked  = errors.New("token revoked")

	// Identity provider responses.
	ErrInvalidAtHash = errors.New("at_hash does not match the access token")

	// Sessions and anti-forgery.
	ErrSessionInvalid = errors.New("session absent or expired")
	ErrCSRFInvalid    = errors.New("csrf token invalid")

	// Upstream rate limiter signal, passed through untouched.
	ErrRateLimited = errors.New("rate limited")

	// Generic storage sentinels.
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")

	// ErrNoValue is returned by a degraded cache operation that has no
	// fallback able to answer.
	ErrNoValue = errors.New("no value available")
)

// GenericAuthFailure is the only message shown to callers on a failed
// authentication check. The distinct kinds above are logged internally but
// never surfaced, so a client cannot distinguish "no such session" from
// "expired session" from "revoked token".
const GenericAuthFailure = "authentication failed"

// IsAuthFailure reports whether err belongs to the validation taxonomy, as
// opposed to an infrastructure error that deserves a 5xx.
func IsAuthFailure(err error) bool {
	for _, target := range []error{
		ErrStateNotFound, ErrStateAlreadyUsed, ErrStateExpired, ErrIPMismatch,
		ErrTokenNotFound, ErrTokenExpired, ErrTokenInvalid, ErrTokenRevoked,
		ErrSessionInvalid, ErrCSRFInvalid,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}
