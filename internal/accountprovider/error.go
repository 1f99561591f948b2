package accountprovider

import "fmt"

// upstreamError represents a non-2xx response from the Qwen upstream,
// classified into one of the reasons AccountProvider's state machine and
// QuotaManager's audit rows recognize.
type upstreamError struct {
	StatusCode int
	Reason     string // "upstream_429", "upstream_quota_exceeded", "upstream_<status>", "invalid_payload"
	Detail     string
	Body       string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Detail, e.StatusCode, e.Body)
}

// HTTPStatus satisfies gateway.HTTPStatusError, exposing the upstream status code.
func (e *upstreamError) HTTPStatus() int { return e.StatusCode }
