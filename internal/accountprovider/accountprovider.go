// Package accountprovider implements AccountProvider: one per Qwen account.
// It owns an AuthManager, builds upstream requests, classifies outcomes, and
// enforces a per-instance cooldown after failure.
package accountprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	gateway "github.com/qwengate/qwengate/internal"
)

const (
	cooldownMs        = 15_000
	chatTimeout       = 60 * time.Second
	searchTimeout     = 30 * time.Second
	defaultBase       = "https://dashscope.aliyuncs.com/compatible-mode"
	userAgent         = "QwenCode/0.9.1 (linux; x64)"
	systemPromptText  = "你是助手"
	quotaExceededNote = "insufficient_quota"
	quotaExceededAlt  = "free allocated quota exceeded"
)

// AuthManager is the subset of oauthmanager.Manager an AccountProvider needs.
type AuthManager interface {
	GetValid(ctx context.Context) (gateway.Credential, error)
	Refresh(ctx context.Context, refreshToken string) (gateway.Credential, error)
	CachedAlias() string
}

// UsageRecorder is the subset of quota.Manager an AccountProvider needs.
type UsageRecorder interface {
	IncrementUsage(ctx context.Context, providerID string, kind gateway.Kind)
	RecordFailure(ctx context.Context, providerID string, kind gateway.Kind, reason string)
}

// StreamDedup wraps an SSE response body with adjacent-delta suppression.
type StreamDedup interface {
	NewReader(src io.ReadCloser) io.ReadCloser
}

// ChatResult is what a chat dispatch hands back to the caller for writing.
type ChatResult struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Stream     bool
}

// SearchItem is one normalized web-search hit.
type SearchItem struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"publishedDate"`
}

// SearchResult is the normalized response to a web-search dispatch.
type SearchResult struct {
	Success bool         `json:"success"`
	Query   string       `json:"query"`
	Results []SearchItem `json:"results"`
}

// Provider is the AccountProvider for a single account.
type Provider struct {
	id     string
	auth   AuthManager
	client *http.Client
	quota  UsageRecorder
	dedup  StreamDedup
	now    func() time.Time

	mu      sync.Mutex
	runtime gateway.RuntimeState
}

// New builds a Provider for one account ID.
func New(id string, auth AuthManager, client *http.Client, quota UsageRecorder, dedup StreamDedup, now func() time.Time) *Provider {
	if now == nil {
		now = time.Now
	}
	return &Provider{
		id:      id,
		auth:    auth,
		client:  client,
		quota:   quota,
		dedup:   dedup,
		now:     now,
		runtime: gateway.RuntimeState{ID: id, Status: gateway.StatusInitializing},
	}
}

// ID returns the account's canonical credential key.
func (p *Provider) ID() string { return p.id }

// Snapshot returns the current runtime state for admin/stats reporting.
func (p *Provider) Snapshot() gateway.RuntimeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runtime
}

// Initialize loads credentials and sets the initial runtime status. It
// deliberately does not probe the upstream: probing on init consumes free
// quota and, under cold-start fan-out, can produce a spurious 429 storm.
func (p *Provider) Initialize(ctx context.Context) {
	creds, err := p.auth.GetValid(ctx)
	switch {
	case errors.Is(err, gateway.ErrNoCreds):
		p.setStatus(gateway.StatusError, "Missing Credentials")
	case errors.Is(err, gateway.ErrAuthExpired):
		p.setStatus(gateway.StatusError, "Unauthorized (Please Login)")
	case err != nil:
		p.setStatus(gateway.StatusError, err.Error())
	default:
		p.setAlias(creds.Alias)
		p.setStatus(gateway.StatusActive, "")
	}
}

// CanAttempt reports whether the account's cooldown has elapsed.
func (p *Provider) CanAttempt(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.UnixMilli() >= p.runtime.RetryAfterMs
}

func (p *Provider) setStatus(status gateway.Status, lastError string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runtime.Status = status
	p.runtime.LastError = lastError
}

// ApplyAlias overwrites the account's display alias from the registry, the
// source of truth for alias assignment (the credential's own alias field is
// only a cache, replaced on refresh).
func (p *Provider) ApplyAlias(alias string) {
	if alias == "" {
		return
	}
	p.mu.Lock()
	p.runtime.Alias = alias
	p.mu.Unlock()
}

func (p *Provider) setAlias(alias string) {
	if alias == "" {
		alias = p.auth.CachedAlias()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runtime.Alias = alias
}

func (p *Provider) markSuccess(latencyMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runtime.Status = gateway.StatusActive
	p.runtime.LastError = ""
	p.runtime.RetryAfterMs = 0
	p.runtime.TotalRequests++
	p.runtime.LastLatencyMs = latencyMs
	p.runtime.LastUsedAt = p.now().UnixMilli()
}

func (p *Provider) markFailure(lastError string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runtime.Status = gateway.StatusError
	p.runtime.LastError = lastError
	p.runtime.ErrorCount++
	p.runtime.RetryAfterMs = p.now().UnixMilli() + cooldownMs
}

// scheduleIncrement and scheduleFailure run QuotaManager bookkeeping on a
// context detached from the caller's request, so they may finish after the
// response has already been written to the client.
func (p *Provider) scheduleIncrement(kind gateway.Kind) {
	go p.quota.IncrementUsage(context.WithoutCancel(context.Background()), p.id, kind)
}

func (p *Provider) scheduleFailure(kind gateway.Kind, reason string) {
	go p.quota.RecordFailure(context.WithoutCancel(context.Background()), p.id, kind, reason)
}

// classifyAuthFailure marks the account down and records the audit row for a
// failure out of AuthManager.GetValid/Refresh, then returns err unchanged so
// errors.Is/errors.As checks upstream still see the original sentinel.
func (p *Provider) classifyAuthFailure(err error, kind gateway.Kind) error {
	reason, detail := "auth_error", "Authentication Error"
	switch {
	case errors.Is(err, gateway.ErrAuthExpired):
		reason, detail = "auth_expired", "Unauthorized (Please Login)"
	case errors.Is(err, gateway.ErrNoCreds):
		reason, detail = "no_creds", "Missing Credentials"
	}
	p.markFailure(detail)
	p.scheduleFailure(kind, reason)
	return err
}

// HandleChat executes one chat-completions dispatch against this account.
func (p *Provider) HandleChat(ctx context.Context, payload []byte) (*ChatResult, error) {
	start := p.now()

	creds, err := p.auth.GetValid(ctx)
	if err != nil {
		return nil, p.classifyAuthFailure(err, gateway.KindChat)
	}

	body, err := buildChatBody(payload)
	if err != nil {
		return nil, fmt.Errorf("build chat body: %w", err)
	}

	endpoint := creds.NormalizedBaseURL(defaultBase) + "/chat/completions"
	resp, err := p.doUpstream(ctx, http.MethodPost, endpoint, body, creds, chatTimeout)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		creds, err = p.auth.Refresh(ctx, creds.RefreshToken)
		if err != nil {
			return nil, p.classifyAuthFailure(err, gateway.KindChat)
		}
		resp, err = p.doUpstream(ctx, http.MethodPost, endpoint, body, creds, chatTimeout)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		bodyText := readLimited(resp.Body)
		return nil, p.classifyChatFailure(resp.StatusCode, bodyText)
	}

	latency := p.now().Sub(start).Milliseconds()
	p.markSuccess(latency)
	p.scheduleIncrement(gateway.KindChat)

	result := &ChatResult{
		StatusCode: resp.StatusCode,
		Header:     filterHopByHop(resp.Header),
		Body:       resp.Body,
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		result.Stream = true
		result.Body = p.dedup.NewReader(resp.Body)
	}
	return result, nil
}

func (p *Provider) classifyChatFailure(status int, bodyText string) error {
	lower := strings.ToLower(bodyText)
	var reason, detail string
	switch {
	case status == http.StatusTooManyRequests && (strings.Contains(lower, quotaExceededNote) || strings.Contains(lower, quotaExceededAlt)):
		reason, detail = "upstream_quota_exceeded", "Quota exceeded (Qwen free tier)"
	case status == http.StatusTooManyRequests:
		reason, detail = "upstream_429", "Rate limited"
	default:
		reason, detail = fmt.Sprintf("upstream_%d", status), fmt.Sprintf("Upstream Error: %d", status)
	}
	p.markFailure(detail)
	p.scheduleFailure(gateway.KindChat, reason)
	return &upstreamError{StatusCode: status, Reason: reason, Detail: detail, Body: bodyText}
}

// HandleSearch executes one web-search dispatch against this account.
func (p *Provider) HandleSearch(ctx context.Context, query string) (*SearchResult, error) {
	start := p.now()

	creds, err := p.auth.GetValid(ctx)
	if err != nil {
		return nil, p.classifyAuthFailure(err, gateway.KindSearch)
	}

	reqBody, err := json.Marshal(map[string]any{"uq": query, "page": 1, "rows": 10})
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(creds.NormalizedBaseURL(defaultBase), "/v1")
	endpoint := base + "/api/v1/indices/plugin/web_search"

	resp, err := p.doUpstream(ctx, http.MethodPost, endpoint, reqBody, creds, searchTimeout)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		creds, err = p.auth.Refresh(ctx, creds.RefreshToken)
		if err != nil {
			return nil, p.classifyAuthFailure(err, gateway.KindSearch)
		}
		resp, err = p.doUpstream(ctx, http.MethodPost, endpoint, reqBody, creds, searchTimeout)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		bodyText := readLimited(resp.Body)
		reason := fmt.Sprintf("upstream_%d", resp.StatusCode)
		detail := fmt.Sprintf("Upstream Error: %d", resp.StatusCode)
		p.markFailure(detail)
		p.scheduleFailure(gateway.KindSearch, reason)
		return nil, &upstreamError{StatusCode: resp.StatusCode, Reason: reason, Detail: detail, Body: bodyText}
	}

	var upstream searchUpstreamResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if err := json.Unmarshal(raw, &upstream); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	if upstream.Data.Status != 0 {
		p.markFailure("invalid_payload")
		p.scheduleFailure(gateway.KindSearch, "invalid_payload")
		return nil, &upstreamError{StatusCode: resp.StatusCode, Reason: "invalid_payload", Detail: "invalid search payload", Body: string(raw)}
	}

	p.markSuccess(p.now().Sub(start).Milliseconds())
	p.scheduleIncrement(gateway.KindSearch)

	items := make([]SearchItem, 0, len(upstream.Data.Items))
	for _, it := range upstream.Data.Items {
		items = append(items, SearchItem{
			Title:         it.Title,
			URL:           it.URL,
			Content:       it.Snippet,
			Score:         it.Score,
			PublishedDate: it.TimestampFormat,
		})
	}
	return &SearchResult{Success: true, Query: query, Results: items}, nil
}

type searchUpstreamResponse struct {
	Data struct {
		Status int          `json:"status"`
		Items  []searchItem `json:"items"`
	} `json:"data"`
}

type searchItem struct {
	Title           string  `json:"title"`
	URL             string  `json:"url"`
	Snippet         string  `json:"snippet"`
	Score           float64 `json:"_score"`
	TimestampFormat string  `json:"timestamp_format"`
}

func (p *Provider) doUpstream(ctx context.Context, method, url string, body []byte, creds gateway.Credential, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("X-DashScope-AuthType", "qwen-oauth")
	req.Header.Set("X-DashScope-CacheControl", "enable")
	req.Header.Set("X-DashScope-UserAgent", userAgent)
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		timedOut := ctx.Err() != nil
		cancel()
		if timedOut {
			return nil, gateway.ErrUpstreamTimeout
		}
		return nil, err
	}
	resp.Body = wrapBodyWithCancel(resp.Body, cancel)
	return resp, nil
}

// wrapBodyWithCancel ties the request's timeout context to the response
// body's lifetime so a streamed read past the timeout is still cancelled.
func wrapBodyWithCancel(body io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	return &cancelOnCloseBody{ReadCloser: body, cancel: cancel}
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func readLimited(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(b)
}

// buildChatBody prepends a default system message when absent and marks the
// system message and the last message with a prompt-cache hint, mirroring
// the upstream provider's cache_control protocol.
func buildChatBody(payload []byte) ([]byte, error) {
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode chat payload: %w", err)
	}

	rawMessages, ok := decoded["messages"].([]any)
	if !ok {
		return payload, nil
	}

	hasSystem := false
	for _, msg := range rawMessages {
		if mm, ok := msg.(map[string]any); ok && mm["role"] == "system" {
			hasSystem = true
			break
		}
	}
	if !hasSystem {
		rawMessages = append([]any{map[string]any{"role": "system", "content": systemPromptText}}, rawMessages...)
	}

	if len(rawMessages) > 0 {
		markCacheControl(rawMessages[0])
		markCacheControl(rawMessages[len(rawMessages)-1])
	}
	decoded["messages"] = rawMessages

	return json.Marshal(decoded)
}

func markCacheControl(msg any) {
	mm, ok := msg.(map[string]any)
	if !ok {
		return
	}
	switch content := mm["content"].(type) {
	case string:
		mm["content"] = []any{map[string]any{
			"type":          "text",
			"text":          content,
			"cache_control": map[string]any{"type": "ephemeral"},
		}}
	case []any:
		if len(content) == 0 {
			return
		}
		last, ok := content[len(content)-1].(map[string]any)
		if !ok {
			return
		}
		if t, _ := last["type"].(string); t == "" || t == "text" {
			last["cache_control"] = map[string]any{"type": "ephemeral"}
		}
	}
}
