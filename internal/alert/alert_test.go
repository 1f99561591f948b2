package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gateway "github.com/qwengate/qwengate/internal"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(_ context.Context, k string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[k]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, k string, v []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[k] = v
	return nil
}

type fakeAudit struct {
	authFailed []string
	dailyTotal int64
}

func (f *fakeAudit) AuthFailedProviders(context.Context, string, gateway.Kind) ([]string, error) {
	return f.authFailed, nil
}

func (f *fakeAudit) DailyTotal(context.Context, string, gateway.Kind) (int64, error) {
	return f.dailyTotal, nil
}

type fakePoolCounter struct{ size int }

func (f fakePoolCounter) Size() int { return f.size }

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestTickFiresAlertOnAuthFailures(t *testing.T) {
	var received []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received = append(received, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	audit := &fakeAudit{authFailed: []string{"B", "A"}}
	e := New(store, audit, fakePoolCounter{size: 2}, srv.Client(), fixedNow(time.Now()), Config{WebhookURL: srv.URL})

	if err := e.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(received) != 1 {
		t.Fatalf("got %d webhook calls, want 1", len(received))
	}

	raw, ok, _ := store.Get(context.Background(), stateKey)
	if !ok {
		t.Fatal("expected state persisted")
	}
	var state persistedState
	_ = json.Unmarshal(raw, &state)
	if state.AuthFailedFingerprint != "A,B" {
		t.Fatalf("got fingerprint %q, want sorted \"A,B\"", state.AuthFailedFingerprint)
	}
}

func TestTickFiresRecoveryWhenAuthFailuresClear(t *testing.T) {
	var kinds []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		text, _ := body["text"].(string)
		kinds = append(kinds, text)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	seed, _ := json.Marshal(persistedState{AuthFailedFingerprint: "A"})
	_ = store.Set(context.Background(), stateKey, seed, 0)

	audit := &fakeAudit{}
	e := New(store, audit, fakePoolCounter{size: 1}, srv.Client(), fixedNow(time.Now()), Config{WebhookURL: srv.URL})

	if err := e.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(kinds) != 1 {
		t.Fatalf("got %d notifications, want 1 recovery", len(kinds))
	}

	raw, _, _ := store.Get(context.Background(), stateKey)
	var state persistedState
	_ = json.Unmarshal(raw, &state)
	if state.AuthFailedFingerprint != "" {
		t.Fatalf("got fingerprint %q, want cleared", state.AuthFailedFingerprint)
	}
}

func TestTickFiresDailyQuotaAlertAtThreshold(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	audit := &fakeAudit{dailyTotal: 90}
	e := New(store, audit, fakePoolCounter{size: 1}, srv.Client(), fixedNow(time.Now()), Config{
		WebhookURL:           srv.URL,
		PerAccountDailyLimit: 100,
	})

	if err := e.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("got %d calls, want 1 (90%% >= 80%% threshold)", calls)
	}
}

func TestDingTalkPayloadShape(t *testing.T) {
	payload := buildWebhookPayload("https://oapi.dingtalk.com/robot/send?access_token=x", "hello")
	m, ok := payload.(map[string]any)
	if !ok || m["msgtype"] != "text" {
		t.Fatalf("got %+v", payload)
	}
}

func TestFeishuPayloadShape(t *testing.T) {
	payload := buildWebhookPayload("https://open.feishu.cn/open-apis/bot/v2/hook/x", "hello")
	m, ok := payload.(map[string]any)
	if !ok || m["msg_type"] != "text" {
		t.Fatalf("got %+v", payload)
	}
}
