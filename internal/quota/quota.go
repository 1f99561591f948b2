// Package quota implements QuotaManager: per-process RPM counters, buffered
// daily and minute-audit writes, a batched flush, pre-flight admission
// checks, and short-TTL snapshot reads.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/qwengate/qwengate/internal"
	"github.com/qwengate/qwengate/internal/clock"
	"github.com/qwengate/qwengate/internal/sqlstore"
)

const flushQueueSize = 64

// KindLimits is the daily and per-minute ceiling for one request kind. Zero
// means unlimited/not enforced.
type KindLimits struct {
	Daily int64
	RPM   int64
}

// Config is the admission configuration for both request kinds.
type Config struct {
	Chat   KindLimits
	Search KindLimits
}

func (c Config) forKind(kind gateway.Kind) KindLimits {
	if kind == gateway.KindSearch {
		return c.Search
	}
	return c.Chat
}

// Store is the relational persistence dependency, satisfied by *sqlstore.Store.
type Store interface {
	FlushBatch(ctx context.Context, usage map[sqlstore.UsageKey]int64, audit map[sqlstore.AuditKey]int64, global map[string]int64) error
	DailyUsage(ctx context.Context, date, providerID string, kind gateway.Kind) (int64, error)
	DailyUsageBatch(ctx context.Context, date string, providerIDs []string, kind gateway.Kind) (map[string]int64, error)
	MinuteRPM(ctx context.Context, minuteBucket, providerID string, kind gateway.Kind) (int64, error)
	RecentAudit(ctx context.Context, limit int, includeSuccess bool) ([]gateway.AuditRow, error)
}

type rpmCounter struct {
	minute string
	count  int64
}

type flushBatch struct {
	usage  map[sqlstore.UsageKey]int64
	audit  map[sqlstore.AuditKey]int64
	global map[string]int64
}

// Manager is the QuotaManager. Its zero value is not usable; construct with New.
type Manager struct {
	store        Store
	cfg          Config
	successAudit bool
	now          func() time.Time

	rpmMu sync.Mutex
	rpm   map[string]*rpmCounter

	cache *otter.Cache[string, int64]

	pendingMu     sync.Mutex
	pendingUsage  map[sqlstore.UsageKey]int64
	pendingAudit  map[sqlstore.AuditKey]int64
	pendingGlobal map[string]int64

	flushCh chan flushBatch
}

// New builds a Manager. successAudit controls whether getRecentAudit
// includes outcome=success rows (audit.success_logs config key).
func New(store Store, cfg Config, successAudit bool, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	cache, err := otter.New[string, int64](&otter.Options[string, int64]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, int64](5 * time.Second),
	})
	if err != nil {
		// MaximumSize is a constant above zero; otter.New only fails on
		// invalid options, which this call never supplies.
		panic(fmt.Sprintf("quota: build snapshot cache: %v", err))
	}
	return &Manager{
		store:         store,
		cfg:           cfg,
		successAudit:  successAudit,
		now:           now,
		rpm:           make(map[string]*rpmCounter),
		cache:         cache,
		pendingUsage:  make(map[sqlstore.UsageKey]int64),
		pendingAudit:  make(map[sqlstore.AuditKey]int64),
		pendingGlobal: make(map[string]int64),
		flushCh:       make(chan flushBatch, flushQueueSize),
	}
}

// Name identifies this worker for the runner's startup log.
func (m *Manager) Name() string { return "quota_flush" }

// Run drains scheduled flush batches in arrival order until ctx is
// cancelled. A batch failure is logged and discarded, never retried.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.drainRemaining(context.Background())
			return nil
		case job := <-m.flushCh:
			m.apply(ctx, job)
		}
	}
}

func (m *Manager) drainRemaining(ctx context.Context) {
	for {
		select {
		case job := <-m.flushCh:
			m.apply(ctx, job)
		default:
			return
		}
	}
}

func (m *Manager) apply(ctx context.Context, job flushBatch) {
	if err := m.store.FlushBatch(ctx, job.usage, job.audit, job.global); err != nil {
		slog.Error("quota flush failed", "error", err)
	}
}

func cacheKey(providerID string, kind gateway.Kind) string {
	return providerID + "|" + string(kind)
}

// CheckQuota consults the snapshot cache and the in-memory RPM counter. It
// never touches the upstream network.
func (m *Manager) CheckQuota(ctx context.Context, providerID string, kind gateway.Kind) (allowed bool, reason string, err error) {
	limits := m.cfg.forKind(kind)

	if limits.Daily > 0 {
		used, err := m.dailyUsed(ctx, providerID, kind)
		if err != nil {
			return false, "", err
		}
		if used >= limits.Daily {
			m.recordLimitHit(ctx, providerID, kind, "daily")
			return false, "daily", nil
		}
	}

	if limits.RPM > 0 {
		if m.peekRPM(providerID, kind) >= limits.RPM {
			m.recordLimitHit(ctx, providerID, kind, "rpm")
			return false, "rpm", nil
		}
	}

	return true, "", nil
}

// recordLimitHit bumps the RPM counter (a blocked attempt still consumed a
// rotation slot), the audit bucket, and the rate-limited globals. It does
// not increment the persisted daily usage row: a rejected-at-admission
// dispatch never counts toward UsageBucket.
func (m *Manager) recordLimitHit(ctx context.Context, providerID string, kind gateway.Kind, reason string) {
	m.bumpRPM(providerID, kind)

	outcome := gateway.LimitedDaily
	if reason == "rpm" {
		outcome = gateway.LimitedRPM
	}

	m.schedule(ctx, nil,
		map[sqlstore.AuditKey]int64{
			{MinuteBucket: clock.BeijingMinute(m.now()), ProviderID: providerID, Kind: kind, Outcome: outcome}: 1,
		},
		map[string]int64{
			gateway.KindTotalKey(kind):       1,
			gateway.KindRateLimitedKey(kind): 1,
		},
	)
}

// IncrementUsage records a successful upstream response. Called only after a
// 2xx from the upstream provider.
func (m *Manager) IncrementUsage(ctx context.Context, providerID string, kind gateway.Kind) {
	m.bumpRPM(providerID, kind)
	m.mergeDaily(providerID, kind, 1)

	m.schedule(ctx,
		map[sqlstore.UsageKey]int64{
			{Date: clock.BeijingDate(m.now()), ProviderID: providerID, Kind: kind}: 1,
		},
		map[sqlstore.AuditKey]int64{
			{MinuteBucket: clock.BeijingMinute(m.now()), ProviderID: providerID, Kind: kind, Outcome: gateway.OutcomeSuccess}: 1,
		},
		map[string]int64{
			gateway.KindTotalKey(kind):   1,
			gateway.KindSuccessKey(kind): 1,
		},
	)
}

// RecordFailure records a failed upstream attempt. Failures count against
// RPM because they consumed an attempt, but never increment daily usage.
func (m *Manager) RecordFailure(ctx context.Context, providerID string, kind gateway.Kind, reason string) {
	m.bumpRPM(providerID, kind)

	m.schedule(ctx, nil,
		map[sqlstore.AuditKey]int64{
			{MinuteBucket: clock.BeijingMinute(m.now()), ProviderID: providerID, Kind: kind, Outcome: gateway.ErrorOutcome(reason)}: 1,
		},
		map[string]int64{
			gateway.KindTotalKey(kind): 1,
			gateway.KindErrorKey(kind): 1,
		},
	)
}

// GetUsage reads a single account's usage: daily from the snapshot cache,
// RPM from the current minute-bucket row, which is authoritative across
// instances (unlike the local counter).
func (m *Manager) GetUsage(ctx context.Context, providerID string) (gateway.AccountUsage, error) {
	chat, err := m.usageFor(ctx, providerID, gateway.KindChat)
	if err != nil {
		return gateway.AccountUsage{}, err
	}
	search, err := m.usageFor(ctx, providerID, gateway.KindSearch)
	if err != nil {
		return gateway.AccountUsage{}, err
	}
	return gateway.AccountUsage{Chat: chat, Search: search}, nil
}

func (m *Manager) usageFor(ctx context.Context, providerID string, kind gateway.Kind) (gateway.Usage, error) {
	limits := m.cfg.forKind(kind)

	daily, err := m.dailyUsed(ctx, providerID, kind)
	if err != nil {
		return gateway.Usage{}, err
	}
	rpm, err := m.store.MinuteRPM(ctx, clock.BeijingMinute(m.now()), providerID, kind)
	if err != nil {
		return gateway.Usage{}, err
	}
	return gateway.Usage{
		Daily: windowOf(daily, limits.Daily),
		RPM:   windowOf(rpm, limits.RPM),
	}, nil
}

// GetUsageBatch is the aggregate form of GetUsage, using one grouped daily
// query per kind; RPM is read per account since the audit store exposes no
// batched minute-bucket query.
func (m *Manager) GetUsageBatch(ctx context.Context, ids []string) (map[string]gateway.AccountUsage, error) {
	date := clock.BeijingDate(m.now())
	minute := clock.BeijingMinute(m.now())

	chatDaily, err := m.store.DailyUsageBatch(ctx, date, ids, gateway.KindChat)
	if err != nil {
		return nil, err
	}
	searchDaily, err := m.store.DailyUsageBatch(ctx, date, ids, gateway.KindSearch)
	if err != nil {
		return nil, err
	}

	out := make(map[string]gateway.AccountUsage, len(ids))
	for _, id := range ids {
		chatRPM, err := m.store.MinuteRPM(ctx, minute, id, gateway.KindChat)
		if err != nil {
			return nil, err
		}
		searchRPM, err := m.store.MinuteRPM(ctx, minute, id, gateway.KindSearch)
		if err != nil {
			return nil, err
		}
		out[id] = gateway.AccountUsage{
			Chat: gateway.Usage{
				Daily: windowOf(chatDaily[id], m.cfg.Chat.Daily),
				RPM:   windowOf(chatRPM, m.cfg.Chat.RPM),
			},
			Search: gateway.Usage{
				Daily: windowOf(searchDaily[id], m.cfg.Search.Daily),
				RPM:   windowOf(searchRPM, m.cfg.Search.RPM),
			},
		}
	}
	return out, nil
}

// GetRecentAudit returns the most recent audit rows, honoring the
// audit.success_logs configuration.
func (m *Manager) GetRecentAudit(ctx context.Context, limit int) ([]gateway.AuditRow, error) {
	return m.store.RecentAudit(ctx, limit, m.successAudit)
}

func windowOf(used, limit int64) gateway.Window {
	if limit <= 0 {
		return gateway.Window{Used: used, Limit: 0, Percent: 0}
	}
	percent := used * 100 / limit
	if percent > 100 {
		percent = 100
	}
	return gateway.Window{Used: used, Limit: limit, Percent: percent}
}

func (m *Manager) dailyUsed(ctx context.Context, providerID string, kind gateway.Kind) (int64, error) {
	key := cacheKey(providerID, kind)
	if v, ok := m.cache.GetIfPresent(key); ok {
		return v, nil
	}
	used, err := m.store.DailyUsage(ctx, clock.BeijingDate(m.now()), providerID, kind)
	if err != nil {
		return 0, err
	}
	m.cache.Set(key, used)
	return used, nil
}

func (m *Manager) mergeDaily(providerID string, kind gateway.Kind, delta int64) {
	key := cacheKey(providerID, kind)
	if v, ok := m.cache.GetIfPresent(key); ok {
		m.cache.Set(key, v+delta)
	}
}

func (m *Manager) bumpRPM(providerID string, kind gateway.Kind) {
	key := cacheKey(providerID, kind)
	minute := clock.BeijingMinute(m.now())

	m.rpmMu.Lock()
	defer m.rpmMu.Unlock()
	c, ok := m.rpm[key]
	if !ok || c.minute != minute {
		c = &rpmCounter{minute: minute}
		m.rpm[key] = c
	}
	c.count++
}

func (m *Manager) peekRPM(providerID string, kind gateway.Kind) int64 {
	key := cacheKey(providerID, kind)
	minute := clock.BeijingMinute(m.now())

	m.rpmMu.Lock()
	defer m.rpmMu.Unlock()
	c, ok := m.rpm[key]
	if !ok || c.minute != minute {
		return 0
	}
	return c.count
}

// schedule merges the deltas into the pending maps, snapshots and clears
// them under pendingMu, and hands the snapshot to the single flush consumer
// (Run) so concurrent writers observe FIFO durability of their batch; the
// channel send happens after pendingMu is released. If the queue is saturated the snapshot is
// folded back into the pending maps and retried on the next buffering call.
func (m *Manager) schedule(ctx context.Context, usage map[sqlstore.UsageKey]int64, audit map[sqlstore.AuditKey]int64, global map[string]int64) {
	m.pendingMu.Lock()
	for k, v := range usage {
		m.pendingUsage[k] += v
	}
	for k, v := range audit {
		m.pendingAudit[k] += v
	}
	for k, v := range global {
		m.pendingGlobal[k] += v
	}

	job := flushBatch{usage: m.pendingUsage, audit: m.pendingAudit, global: m.pendingGlobal}
	m.pendingUsage = make(map[sqlstore.UsageKey]int64)
	m.pendingAudit = make(map[sqlstore.AuditKey]int64)
	m.pendingGlobal = make(map[string]int64)
	m.pendingMu.Unlock()

	select {
	case m.flushCh <- job:
	default:
		slog.Warn("quota flush queue saturated, folding batch back into pending writes")
		m.pendingMu.Lock()
		for k, v := range job.usage {
			m.pendingUsage[k] += v
		}
		for k, v := range job.audit {
			m.pendingAudit[k] += v
		}
		for k, v := range job.global {
			m.pendingGlobal[k] += v
		}
		m.pendingMu.Unlock()
	}
}
