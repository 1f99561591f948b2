package accountprovider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/qwengate/qwengate/internal"
)

type fakeAuth struct {
	creds        gateway.Credential
	getErr       error
	refreshCalls int
	refreshCreds gateway.Credential
	refreshErr   error
}

func (f *fakeAuth) GetValid(context.Context) (gateway.Credential, error) {
	return f.creds, f.getErr
}

func (f *fakeAuth) Refresh(context.Context, string) (gateway.Credential, error) {
	f.refreshCalls++
	return f.refreshCreds, f.refreshErr
}

func (f *fakeAuth) CachedAlias() string { return "test-alias" }

type fakeQuota struct {
	mu        chan struct{}
	incCalls  []string
	failCalls []string
}

func newFakeQuota() *fakeQuota { return &fakeQuota{mu: make(chan struct{}, 1)} }

func (f *fakeQuota) IncrementUsage(_ context.Context, providerID string, kind gateway.Kind) {
	f.incCalls = append(f.incCalls, providerID+"|"+string(kind))
}

func (f *fakeQuota) RecordFailure(_ context.Context, providerID string, kind gateway.Kind, reason string) {
	f.failCalls = append(f.failCalls, providerID+"|"+string(kind)+"|"+reason)
}

type passthroughDedup struct{}

func (passthroughDedup) NewReader(src io.ReadCloser) io.ReadCloser { return src }

func newTestProvider(t *testing.T, handler http.HandlerFunc, creds gateway.Credential) (*Provider, *fakeQuota, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	creds.ResourceURL = srv.URL
	auth := &fakeAuth{creds: creds}
	quota := newFakeQuota()
	p := New("qwen_creds_aaaa1111.json", auth, srv.Client(), quota, passthroughDedup{}, nil)
	return p, quota, srv
}

func waitForAsync() { time.Sleep(20 * time.Millisecond) }

func TestHandleChatSuccessInjectsSystemMessageAndCacheControl(t *testing.T) {
	var captured map[string]any
	handler := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		if r.Header.Get("Authorization") != "Bearer at1" {
			t.Errorf("missing bearer header, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}
	p, quota, _ := newTestProvider(t, handler, gateway.Credential{AccessToken: "at1", RefreshToken: "rt1"})

	payload := []byte(`{"model":"qwen-plus","messages":[{"role":"user","content":"hi"}]}`)
	result, err := p.HandleChat(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	if result.StatusCode != 200 {
		t.Fatalf("got status %d", result.StatusCode)
	}

	messages, _ := captured["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2 (system + user)", len(messages))
	}
	first := messages[0].(map[string]any)
	if first["role"] != "system" {
		t.Fatalf("first message role = %v, want system", first["role"])
	}
	firstContent, ok := first["content"].([]any)
	if !ok || len(firstContent) != 1 {
		t.Fatalf("system content not promoted to parts: %v", first["content"])
	}
	part := firstContent[0].(map[string]any)
	if part["cache_control"] == nil {
		t.Fatal("system message missing cache_control")
	}

	waitForAsync()
	if len(quota.incCalls) != 1 || quota.incCalls[0] != "qwen_creds_aaaa1111.json|chat" {
		t.Fatalf("got incCalls=%v", quota.incCalls)
	}
}

func TestHandleChatRetriesOnceAfter401(t *testing.T) {
	calls := 0
	handler := func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}
	p, _, _ := newTestProvider(t, handler, gateway.Credential{AccessToken: "stale", RefreshToken: "rt1"})
	p.auth.(*fakeAuth).refreshCreds = gateway.Credential{AccessToken: "fresh", RefreshToken: "rt2", ResourceURL: p.auth.(*fakeAuth).creds.ResourceURL}

	result, err := p.HandleChat(context.Background(), []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.StatusCode != 200 {
		t.Fatalf("got status %d", result.StatusCode)
	}
	if calls != 2 {
		t.Fatalf("got %d upstream calls, want 2", calls)
	}
	if p.auth.(*fakeAuth).refreshCalls != 1 {
		t.Fatalf("got %d refresh calls, want 1", p.auth.(*fakeAuth).refreshCalls)
	}
}

func TestHandleChatClassifiesQuotaExceeded(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"insufficient_quota"}`))
	}
	p, quota, _ := newTestProvider(t, handler, gateway.Credential{AccessToken: "at1", RefreshToken: "rt1"})

	_, err := p.HandleChat(context.Background(), []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err == nil || !strings.Contains(err.Error(), "Quota exceeded") {
		t.Fatalf("got %v, want quota exceeded error", err)
	}

	snapshot := p.Snapshot()
	if snapshot.Status != gateway.StatusError || snapshot.RetryAfterMs == 0 {
		t.Fatalf("got %+v", snapshot)
	}
	waitForAsync()
	if len(quota.failCalls) != 1 || quota.failCalls[0] != "qwen_creds_aaaa1111.json|chat|upstream_quota_exceeded" {
		t.Fatalf("got failCalls=%v", quota.failCalls)
	}
}

func TestHandleChatClassifiesPlainRateLimit(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"too many requests"}`))
	}
	p, _, _ := newTestProvider(t, handler, gateway.Credential{AccessToken: "at1", RefreshToken: "rt1"})

	_, err := p.HandleChat(context.Background(), []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err == nil || !strings.Contains(err.Error(), "Rate limited") {
		t.Fatalf("got %v, want rate limited error", err)
	}
}

func TestCanAttemptRespectsRetryAfter(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	p, _, _ := newTestProvider(t, handler, gateway.Credential{AccessToken: "at1", RefreshToken: "rt1"})

	now := time.Now()
	if _, err := p.HandleChat(context.Background(), []byte(`{"messages":[{"role":"user","content":"hi"}]}`)); err == nil {
		t.Fatal("expected error")
	}
	if p.CanAttempt(now) {
		t.Fatal("expected cooldown to block immediate retry")
	}
	if p.CanAttempt(now.Add(16 * time.Second)) != true {
		t.Fatal("expected cooldown to clear after 16s")
	}
}

func TestHandleSearchNormalizesResults(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["uq"] != "weather" {
			t.Errorf("got uq=%v", body["uq"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"status":0,"items":[{"title":"t1","url":"u1","snippet":"s1","_score":0.9,"timestamp_format":"2026-07-31"}]}}`))
	}
	p, _, _ := newTestProvider(t, handler, gateway.Credential{AccessToken: "at1", RefreshToken: "rt1"})

	result, err := p.HandleSearch(context.Background(), "weather")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || len(result.Results) != 1 {
		t.Fatalf("got %+v", result)
	}
	if result.Results[0].Content != "s1" || result.Results[0].PublishedDate != "2026-07-31" {
		t.Fatalf("got %+v", result.Results[0])
	}
}

func TestHandleChatGetValidAuthExpiredMarksAndRecordsAudit(t *testing.T) {
	p, quota, _ := newTestProvider(t, func(http.ResponseWriter, *http.Request) {
		t.Fatal("upstream should not be contacted when GetValid fails")
	}, gateway.Credential{AccessToken: "at1", RefreshToken: "rt1"})
	p.auth.(*fakeAuth).getErr = gateway.ErrAuthExpired

	_, err := p.HandleChat(context.Background(), []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err != gateway.ErrAuthExpired {
		t.Fatalf("got %v, want gateway.ErrAuthExpired returned unwrapped", err)
	}

	snapshot := p.Snapshot()
	if snapshot.Status != gateway.StatusError || snapshot.RetryAfterMs == 0 {
		t.Fatalf("got %+v", snapshot)
	}
	waitForAsync()
	if len(quota.failCalls) != 1 || quota.failCalls[0] != "qwen_creds_aaaa1111.json|chat|auth_expired" {
		t.Fatalf("got failCalls=%v", quota.failCalls)
	}
}

func TestHandleSearchRefreshNoCredsMarksAndRecordsAudit(t *testing.T) {
	calls := 0
	p, quota, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}, gateway.Credential{AccessToken: "stale", RefreshToken: "rt1"})
	p.auth.(*fakeAuth).refreshErr = gateway.ErrNoCreds

	_, err := p.HandleSearch(context.Background(), "weather")
	if err != gateway.ErrNoCreds {
		t.Fatalf("got %v, want gateway.ErrNoCreds returned unwrapped", err)
	}
	if calls != 1 {
		t.Fatalf("got %d upstream calls, want 1 (no retry after failed refresh)", calls)
	}

	snapshot := p.Snapshot()
	if snapshot.Status != gateway.StatusError || snapshot.RetryAfterMs == 0 {
		t.Fatalf("got %+v", snapshot)
	}
	waitForAsync()
	if len(quota.failCalls) != 1 || quota.failCalls[0] != "qwen_creds_aaaa1111.json|search|no_creds" {
		t.Fatalf("got failCalls=%v", quota.failCalls)
	}
}

func TestHandleSearchFunctionalFailure(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"status":1,"items":[]}}`))
	}
	p, _, _ := newTestProvider(t, handler, gateway.Credential{AccessToken: "at1", RefreshToken: "rt1"})

	_, err := p.HandleSearch(context.Background(), "weather")
	if err == nil {
		t.Fatal("expected invalid_payload error")
	}
}
