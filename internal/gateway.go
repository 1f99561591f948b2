// Package gateway holds the domain types shared across the account-pool
// gateway: credentials, provider records, runtime state, and the context
// plumbing used to carry a request's identity through the dispatch path.
package gateway

import (
	"context"
	"strings"
)

// Kind distinguishes the two upstream operations the pool fronts.
type Kind string

const (
	KindChat   Kind = "chat"
	KindSearch Kind = "search"
)

// Status is the lifecycle state of an AccountProvider.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusError        Status = "error"
	StatusInactive     Status = "inactive"
)

// Outcome identifiers recorded in request_audit_minute.count rows. Only the
// constant outcomes are named here; "error:<reason>" rows are built with
// ErrorOutcome.
const (
	OutcomeSuccess = "success"
	LimitedDaily   = "limited:daily"
	LimitedRPM     = "limited:rpm"
)

// ErrorOutcome builds an "error:<reason>" audit outcome string.
func ErrorOutcome(reason string) string { return "error:" + reason }

// Global counter keys, stamped once at process start and incremented per
// dispatch outcome.
const (
	GlobalUptimeStart = "uptime_start"
)

// KindTotalKey and friends build the per-kind global_monitor keys.
func KindTotalKey(k Kind) string       { return string(k) + "_total" }
func KindSuccessKey(k Kind) string     { return string(k) + "_success" }
func KindErrorKey(k Kind) string       { return string(k) + "_error" }
func KindRateLimitedKey(k Kind) string { return string(k) + "_rate_limited" }

// Credential is the OAuth credential set for one upstream account. Only
// AccessToken and RefreshToken are required; everything else is optional
// per the spec's "untyped JSON in, strict record out" modeling rule.
type Credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ResourceURL  string `json:"resourceUrl,omitempty"`
	ExpiryUnixMs int64  `json:"expiryUnixMs,omitempty"`
	Alias        string `json:"alias,omitempty"`
}

// Expired reports whether the credential is inside the 5-minute refresh
// safety window as of nowUnixMs. A zero ExpiryUnixMs is treated as "no
// expiry known" and never triggers refresh on that basis alone.
func (c Credential) Expired(nowUnixMs int64, safetyWindowMs int64) bool {
	if c.ExpiryUnixMs == 0 {
		return false
	}
	return nowUnixMs >= c.ExpiryUnixMs-safetyWindowMs
}

// NormalizedBaseURL returns c.ResourceURL normalized to "https://<host>/v1",
// or fallback if ResourceURL is empty.
func (c Credential) NormalizedBaseURL(fallback string) string {
	host := c.ResourceURL
	if host == "" {
		return strings.TrimRight(fallback, "/")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	host = strings.TrimRight(host, "/")
	if !strings.HasSuffix(host, "/v1") {
		host += "/v1"
	}
	return host
}

// ProviderRecord is one row of the durable providers table.
type ProviderRecord struct {
	ID        string
	Alias     string
	UpdatedAt int64 // unix seconds
}

// RuntimeState is the in-memory, never-persisted state of one AccountProvider.
type RuntimeState struct {
	ID            string `json:"id"`
	Alias         string `json:"alias"`
	Status        Status `json:"status"`
	LastError     string `json:"lastError,omitempty"`
	TotalRequests int64  `json:"totalRequests"`
	ErrorCount    int64  `json:"errorCount"`
	LastLatencyMs int64  `json:"lastLatencyMs"`
	LastUsedAt    int64  `json:"lastUsedAt,omitempty"` // unix ms, 0 if never used
	RetryAfterMs  int64  `json:"retryAfterMs,omitempty"` // unix ms
}

// CanAttempt reports whether the account is past its cooldown.
func (r RuntimeState) CanAttempt(nowUnixMs int64) bool {
	return nowUnixMs >= r.RetryAfterMs
}

// Usage is the admission-control view of one (account, kind) pair.
type Usage struct {
	Daily Window `json:"daily"`
	RPM   Window `json:"rpm"`
}

// Window is a used/limit/percent triple for one quota dimension.
type Window struct {
	Used    int64 `json:"used"`
	Limit   int64 `json:"limit"`
	Percent int64 `json:"percent"`
}

// AccountUsage bundles chat and search usage for one account.
type AccountUsage struct {
	Chat   Usage `json:"chat"`
	Search Usage `json:"search"`
}

// AuditRow is one request_audit_minute row as read back for admin display.
type AuditRow struct {
	MinuteBucket string `json:"minuteBucket"`
	ProviderID   string `json:"providerId"`
	Kind         Kind   `json:"kind"`
	Outcome      string `json:"outcome"`
	Count        int64  `json:"count"`
}

// requestMeta bundles per-request identity so only one value needs to be
// stashed in the context, avoiding a second context.WithValue allocation
// per request.
type requestMeta struct {
	RequestID string
}

type ctxKey struct{ name string }

var metaKey = ctxKey{"qwengate.requestMeta"}

// ContextWithRequestID returns a context carrying requestID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, metaKey, &requestMeta{RequestID: requestID})
}

// RequestIDFromContext returns the request ID stashed by ContextWithRequestID,
// or "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	if m, ok := ctx.Value(metaKey).(*requestMeta); ok {
		return m.RequestID
	}
	return ""
}
