// Package alert implements AlertEngine: a scheduled tick that watches the
// audit trail for account lockouts and quota exhaustion and pushes
// ALERT/RECOVERY notifications to an operator webhook (DingTalk or Feishu).
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	gateway "github.com/qwengate/qwengate/internal"
	"github.com/qwengate/qwengate/internal/clock"
)

const (
	stateKey        = "alert_engine_state"
	authFailWindow  = 30 * time.Minute
	defaultInterval = 5 * time.Minute
	defaultThresh   = 80
)

// Store is the blob-store dependency, satisfied by kvstore.Store.
type Store interface {
	Get(ctx context.Context, k string) ([]byte, bool, error)
	Set(ctx context.Context, k string, v []byte, ttl time.Duration) error
}

// AuditSource is the relational-store dependency, satisfied by *sqlstore.Store.
type AuditSource interface {
	AuthFailedProviders(ctx context.Context, sinceMinuteBucket string, kind gateway.Kind) ([]string, error)
	DailyTotal(ctx context.Context, date string, kind gateway.Kind) (int64, error)
}

// Config carries the tunables an operator sets for the alert engine.
type Config struct {
	WebhookURL           string
	Interval             time.Duration // 0 -> defaultInterval
	PerAccountDailyLimit int64         // 0 disables the daily-quota alert
	QuotaAlertThreshold  int64         // 0 -> defaultThresh
}

// ProviderCounter reports how many accounts are currently in the pool, for
// the daily-quota alert's limit = providerCount x perAccountDailyLimit.
type ProviderCounter interface {
	Size() int
}

type persistedState struct {
	AuthFailedFingerprint string `json:"authFailedFingerprint"`
	QuotaAlertFiring      bool   `json:"quotaAlertFiring"`
}

// Engine is the AlertEngine.
type Engine struct {
	store  Store
	audit  AuditSource
	pool   ProviderCounter
	client *http.Client
	now    func() time.Time
	cfg    Config
}

// New builds an Engine. client and now default to http.DefaultClient and
// time.Now when nil.
func New(store Store, audit AuditSource, pool ProviderCounter, client *http.Client, now func() time.Time, cfg Config) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	if now == nil {
		now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.QuotaAlertThreshold <= 0 {
		cfg.QuotaAlertThreshold = defaultThresh
	}
	return &Engine{store: store, audit: audit, pool: pool, client: client, now: now, cfg: cfg}
}

// Name satisfies worker.Worker.
func (e *Engine) Name() string { return "alert_engine" }

// Run ticks the engine on cfg.Interval until ctx is cancelled, satisfying
// worker.Worker.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				slog.Warn("alert tick failed", "error", err)
			}
		}
	}
}

// Tick runs one evaluation of both alert conditions. Exported so tests can
// drive it directly.
func (e *Engine) Tick(ctx context.Context) error {
	state, err := e.loadState(ctx)
	if err != nil {
		return fmt.Errorf("load alert state: %w", err)
	}

	now := e.now()
	if err := e.checkAuthFailures(ctx, now, state); err != nil {
		slog.Warn("auth-failure alert check failed", "error", err)
	}
	if err := e.checkDailyQuota(ctx, now, state); err != nil {
		slog.Warn("daily-quota alert check failed", "error", err)
	}

	return e.saveState(ctx, state)
}

func (e *Engine) checkAuthFailures(ctx context.Context, now time.Time, state *persistedState) error {
	since := clock.BeijingMinute(now.Add(-authFailWindow))
	ids, err := e.audit.AuthFailedProviders(ctx, since, gateway.KindChat)
	if err != nil {
		return err
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	fingerprint := strings.Join(sorted, ",")

	switch {
	case fingerprint != "" && fingerprint != state.AuthFailedFingerprint:
		e.notify(ctx, "ALERT", "Accounts unauthorized",
			fmt.Sprintf("%d account(s) have auth failures with no successes in the last 30 minutes: %s", len(sorted), fingerprint))
	case fingerprint == "" && state.AuthFailedFingerprint != "":
		e.notify(ctx, "RECOVERY", "Accounts unauthorized", "all previously locked-out accounts have recovered")
	}
	state.AuthFailedFingerprint = fingerprint
	return nil
}

func (e *Engine) checkDailyQuota(ctx context.Context, now time.Time, state *persistedState) error {
	if e.cfg.PerAccountDailyLimit <= 0 || e.pool == nil {
		return nil
	}
	providerCount := e.pool.Size()
	if providerCount == 0 {
		return nil
	}

	total, err := e.audit.DailyTotal(ctx, clock.BeijingDate(now), gateway.KindChat)
	if err != nil {
		return err
	}
	limit := int64(providerCount) * e.cfg.PerAccountDailyLimit
	var percent int64
	if limit > 0 {
		percent = total * 100 / limit
	}

	switch {
	case percent >= e.cfg.QuotaAlertThreshold && !state.QuotaAlertFiring:
		e.notify(ctx, "ALERT", "Daily quota usage high",
			fmt.Sprintf("chat usage is at %d%% of the combined daily quota (%d/%d)", percent, total, limit))
		state.QuotaAlertFiring = true
	case percent < e.cfg.QuotaAlertThreshold-5 && state.QuotaAlertFiring:
		e.notify(ctx, "RECOVERY", "Daily quota usage high", fmt.Sprintf("chat usage has dropped to %d%%", percent))
		state.QuotaAlertFiring = false
	}
	return nil
}

func (e *Engine) loadState(ctx context.Context) (*persistedState, error) {
	raw, ok, err := e.store.Get(ctx, stateKey)
	if err != nil {
		return nil, err
	}
	state := &persistedState{}
	if !ok {
		return state, nil
	}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode alert state: %w", err)
	}
	return state, nil
}

func (e *Engine) saveState(ctx context.Context, state *persistedState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, stateKey, raw, 0)
}

// notify posts a best-effort webhook notification. Failures are logged, not
// propagated: a missed notification must never block the tick's state
// transition bookkeeping.
func (e *Engine) notify(ctx context.Context, kind, title, detail string) {
	if e.cfg.WebhookURL == "" {
		slog.Info("alert (no webhook configured)", "kind", kind, "title", title, "detail", detail)
		return
	}

	text := fmt.Sprintf("[%s] %s\n%s", kind, title, detail)
	payload := buildWebhookPayload(e.cfg.WebhookURL, text)

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("marshal alert payload", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("build alert webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		slog.Warn("send alert webhook", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		slog.Warn("alert webhook rejected", "status", resp.StatusCode)
	}
}

// buildWebhookPayload shapes the notification body per destination, detected
// from the webhook URL's host.
func buildWebhookPayload(webhookURL, text string) any {
	switch {
	case strings.Contains(webhookURL, "oapi.dingtalk.com"):
		return map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": text},
		}
	case strings.Contains(webhookURL, "open.feishu.cn") || strings.Contains(webhookURL, "larksuite.com"):
		return map[string]any{
			"msg_type": "text",
			"content":  map[string]string{"text": text},
		}
	default:
		return map[string]any{"text": text}
	}
}
