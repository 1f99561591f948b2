package gateway

import "errors"

// Sentinel errors for the account-pool domain. AUTH_EXPIRED and NO_CREDS
// match the spec's own error vocabulary; the rest are standard gateway
// failure modes.
var (
	ErrNoCreds         = errors.New("NO_CREDS")
	ErrAuthExpired     = errors.New("AUTH_EXPIRED")
	ErrRateLimited     = errors.New("rate limited")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrNoProviders     = errors.New("no providers configured")
	ErrNotFound        = errors.New("not found")
	ErrBadRequest      = errors.New("bad request")
	ErrLockNotHeld     = errors.New("lock not held")
	ErrRefreshTimeout  = errors.New("timeout or failure waiting for token update")
)

// HTTPStatusError is implemented by errors that know which HTTP status they
// should surface as (upstream API errors, mainly). Classification code can
// type-assert for this instead of string-matching in two places.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}
