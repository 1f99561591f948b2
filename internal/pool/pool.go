// Package pool implements ProviderPool: the in-memory, round-robin ordered
// list of AccountProviders, refreshed from the durable registry (and,
// occasionally, the blob store) and walked once per dispatch.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	gateway "github.com/qwengate/qwengate/internal"
	"github.com/qwengate/qwengate/internal/accountprovider"
)

const (
	kvPrefixQwenCreds  = "qwen_creds_"
	kvPrefixOAuthCreds = "oauth_creds_"

	minScanInterval     = 5 * time.Second
	defaultScanInterval = 30 * time.Second
)

// AccountProvider is the subset of *accountprovider.Provider the pool drives.
// Named as an interface so tests can substitute fakes without a live
// AuthManager/upstream.
type AccountProvider interface {
	ID() string
	Initialize(ctx context.Context)
	CanAttempt(now time.Time) bool
	Snapshot() gateway.RuntimeState
	ApplyAlias(alias string)
	HandleChat(ctx context.Context, payload []byte) (*accountprovider.ChatResult, error)
	HandleSearch(ctx context.Context, query string) (*accountprovider.SearchResult, error)
}

// Registry is the durable provider-table dependency, satisfied by *registry.Registry.
type Registry interface {
	IDs(ctx context.Context) ([]string, error)
	Aliases(ctx context.Context) (map[string]string, error)
	SelfHealIfEmpty(ctx context.Context, staticIDs []string) error
}

// BlobStore is the dependency a full scan additionally consults.
type BlobStore interface {
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
}

// Quota is the admission-control dependency, satisfied by *quota.Manager.
type Quota interface {
	CheckQuota(ctx context.Context, providerID string, kind gateway.Kind) (allowed bool, reason string, err error)
}

// Factory constructs a new AccountProvider for a canonical account ID.
type Factory func(id string) AccountProvider

// ScanMode selects how Refresh discovers the target ID set.
type ScanMode int

const (
	ScanLight ScanMode = iota
	ScanFull
)

// Outcome is the result of a dispatch walk across the pool, ready to be
// translated into an HTTP response by the dispatcher.
type Outcome struct {
	StatusCode int
	Error      string
	Details    string
	Attempts   int
	Errors     []string
	Result     *accountprovider.ChatResult
	Search     *accountprovider.SearchResult
}

// Pool is the ProviderPool: an ordered, round-robin list of AccountProviders.
type Pool struct {
	registry  Registry
	blob      BlobStore
	quota     Quota
	factory   Factory
	staticIDs []string
	now       func() time.Time

	scanInterval     time.Duration
	fullScanInterval time.Duration // 0 disables periodic full scans
	scanGroup        singleflight.Group

	mu           sync.Mutex
	providers    []AccountProvider
	currentIndex int
	lastScanAtMs int64
	lastFullAtMs int64
}

// Config carries pool tuning knobs, mirroring the `tuning.*` config keys.
type Config struct {
	StaticIDs        []string
	ScanInterval     time.Duration // clamped to >= 5s; 0 means default (30s)
	FullScanInterval time.Duration // 0 disables periodic full scans
}

// New builds a Pool. The pool starts empty; call EnsureFresh or Refresh
// before the first dispatch.
func New(registry Registry, blob BlobStore, quota Quota, factory Factory, cfg Config, now func() time.Time) *Pool {
	if now == nil {
		now = time.Now
	}
	interval := cfg.ScanInterval
	switch {
	case interval <= 0:
		interval = defaultScanInterval
	case interval < minScanInterval:
		interval = minScanInterval
	}
	return &Pool{
		registry:         registry,
		blob:             blob,
		quota:            quota,
		factory:          factory,
		staticIDs:        cfg.StaticIDs,
		now:              now,
		scanInterval:     interval,
		fullScanInterval: cfg.FullScanInterval,
	}
}

// Size returns the current pool length (for admin stats and tests).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.providers)
}

// Snapshot returns the runtime state of every account in the pool, in
// rotation order, for admin reporting.
func (p *Pool) Snapshot() []gateway.RuntimeState {
	p.mu.Lock()
	providers := append([]AccountProvider(nil), p.providers...)
	p.mu.Unlock()

	out := make([]gateway.RuntimeState, len(providers))
	for i, ap := range providers {
		out[i] = ap.Snapshot()
	}
	return out
}

// EnsureFresh runs a light scan if the scan interval has elapsed (including
// the never-scanned case). A full (blob-store listPrefix) scan is reserved
// for explicit admin rescan, the periodic fullScanInterval timer, or a cold
// bootstrap where both the registry and the static seed list are empty —
// never merely "this process hasn't scanned yet", since pool state is
// process-local and every cold instance boot would otherwise stampede the
// blob store's list operation against an already-populated registry.
// Concurrent callers coalesce onto one scan.
func (p *Pool) EnsureFresh(ctx context.Context) error {
	p.mu.Lock()
	nowMs := p.now().UnixMilli()
	stale := nowMs-p.lastScanAtMs > p.scanInterval.Milliseconds()
	neverScanned := p.lastScanAtMs == 0
	dueForFull := p.fullScanInterval > 0 && nowMs-p.lastFullAtMs > p.fullScanInterval.Milliseconds()
	p.mu.Unlock()

	if !stale && !neverScanned {
		return nil
	}

	mode := ScanLight
	if dueForFull {
		mode = ScanFull
	} else if neverScanned {
		empty, err := p.seedIsEmpty(ctx)
		if err != nil {
			slog.Warn("registry emptiness check failed", "error", err)
		} else if empty {
			mode = ScanFull
		}
	}
	return p.Rescan(ctx, mode)
}

// seedIsEmpty reports whether both the durable registry and the static seed
// list are empty, the sole cold-bootstrap trigger for a full scan. Mirrors
// the emptiness check behind Registry.SelfHealIfEmpty.
func (p *Pool) seedIsEmpty(ctx context.Context) (bool, error) {
	if len(p.staticIDs) > 0 {
		return false, nil
	}
	ids, err := p.registry.IDs(ctx)
	if err != nil {
		return false, err
	}
	return len(ids) == 0, nil
}

// Rescan forces a scan of the given mode, coalescing concurrent callers
// onto a single in-flight scan.
func (p *Pool) Rescan(ctx context.Context, mode ScanMode) error {
	key := "light"
	if mode == ScanFull {
		key = "full"
	}
	_, err, _ := p.scanGroup.Do(key, func() (any, error) {
		return nil, p.refresh(ctx, mode)
	})
	return err
}

// refresh computes the target ID set, preserves existing AccountProviders,
// initializes new ones concurrently, and atomically replaces the pool.
func (p *Pool) refresh(ctx context.Context, mode ScanMode) error {
	if err := p.registry.SelfHealIfEmpty(ctx, p.staticIDs); err != nil {
		slog.Warn("registry self-heal failed", "error", err)
	}

	ids, err := p.registry.IDs(ctx)
	if err != nil {
		return fmt.Errorf("list registry ids: %w", err)
	}
	target := dedupeIDs(append(append([]string(nil), ids...), p.staticIDs...))

	if mode == ScanFull && p.blob != nil {
		blobIDs, err := p.listBlobIDs(ctx)
		if err != nil {
			slog.Warn("full scan blob listing failed", "error", err)
		} else {
			target = dedupeIDs(append(target, blobIDs...))
		}
	}

	p.mu.Lock()
	existing := make(map[string]AccountProvider, len(p.providers))
	for _, ap := range p.providers {
		existing[ap.ID()] = ap
	}
	p.mu.Unlock()

	next := make([]AccountProvider, len(target))
	var wg sync.WaitGroup
	for i, id := range target {
		if ap, ok := existing[id]; ok {
			next[i] = ap
			continue
		}
		ap := p.factory(id)
		next[i] = ap
		wg.Add(1)
		go func() {
			defer wg.Done()
			ap.Initialize(ctx)
		}()
	}
	wg.Wait()

	if aliases, err := p.registry.Aliases(ctx); err != nil {
		slog.Warn("registry alias lookup failed", "error", err)
	} else {
		for _, ap := range next {
			if alias, ok := aliases[ap.ID()]; ok {
				ap.ApplyAlias(alias)
			}
		}
	}

	nowMs := p.now().UnixMilli()
	p.mu.Lock()
	p.providers = next
	if len(next) == 0 {
		p.currentIndex = 0
	} else {
		p.currentIndex %= len(next)
	}
	p.lastScanAtMs = nowMs
	if mode == ScanFull {
		p.lastFullAtMs = nowMs
	}
	p.mu.Unlock()
	return nil
}

func (p *Pool) listBlobIDs(ctx context.Context) ([]string, error) {
	var out []string
	for _, prefix := range []string{kvPrefixQwenCreds, kvPrefixOAuthCreds, "./" + kvPrefixQwenCreds, "./" + kvPrefixOAuthCreds} {
		keys, err := p.blob.ListPrefix(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, "./"))
		}
	}
	return out, nil
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DispatchChat walks the pool for one chat dispatch, applying cooldown and
// quota admission, and returns the aggregate Outcome.
func (p *Pool) DispatchChat(ctx context.Context, payload []byte) Outcome {
	return p.dispatch(ctx, gateway.KindChat, func(ap AccountProvider) (any, error) {
		return ap.HandleChat(ctx, payload)
	})
}

// DispatchSearch walks the pool for one search dispatch.
func (p *Pool) DispatchSearch(ctx context.Context, query string) Outcome {
	return p.dispatch(ctx, gateway.KindSearch, func(ap AccountProvider) (any, error) {
		return ap.HandleSearch(ctx, query)
	})
}

func (p *Pool) dispatch(ctx context.Context, kind gateway.Kind, call func(AccountProvider) (any, error)) Outcome {
	if err := p.EnsureFresh(ctx); err != nil {
		slog.Warn("pool scan failed", "error", err)
	}

	p.mu.Lock()
	providers := append([]AccountProvider(nil), p.providers...)
	startIndex := p.currentIndex
	p.mu.Unlock()

	n := len(providers)
	if n == 0 {
		return Outcome{StatusCode: 500, Error: "No Qwen providers configured"}
	}

	var (
		attempted        int
		authExpiredCount int
		quotaExceeded    int
		rateLimited      int
		quotaBlocked     int
		errMessages      []string
		advanced         bool
		now              = p.now()
	)

	for k := 0; k < n; k++ {
		idx := (startIndex + k) % n
		ap := providers[idx]
		last := k == n-1

		if !ap.CanAttempt(now) && !last {
			continue
		}

		allowed, _, err := p.quota.CheckQuota(ctx, ap.ID(), kind)
		if err != nil {
			slog.Warn("quota check failed", "provider", ap.ID(), "error", err)
		} else if !allowed {
			quotaBlocked++
			continue
		}

		if !advanced {
			p.mu.Lock()
			p.currentIndex = (idx + 1) % n
			p.mu.Unlock()
			advanced = true
		}

		attempted++
		result, err := call(ap)
		if err == nil {
			return buildSuccessOutcome(kind, result)
		}

		msg := err.Error()
		errMessages = append(errMessages, msg)
		switch {
		case strings.Contains(msg, "AUTH_EXPIRED") || strings.Contains(msg, "Unauthorized (Please Login)"):
			authExpiredCount++
		case strings.Contains(msg, "Quota exceeded"):
			quotaExceeded++
		case strings.Contains(msg, "Rate limited"):
			rateLimited++
		}
	}

	return aggregateOutcome(kind, n, attempted, quotaBlocked, authExpiredCount, quotaExceeded, rateLimited, errMessages)
}

func buildSuccessOutcome(kind gateway.Kind, result any) Outcome {
	switch kind {
	case gateway.KindChat:
		return Outcome{StatusCode: 200, Result: result.(*accountprovider.ChatResult)}
	default:
		return Outcome{StatusCode: 200, Search: result.(*accountprovider.SearchResult)}
	}
}

// aggregateOutcome implements the HTTP-status/body mapping table for the
// no-success case: no candidate returned a usable response.
func aggregateOutcome(kind gateway.Kind, n, attempted, quotaBlocked, authExpired, quotaExceeded, rateLimited int, errMessages []string) Outcome {
	details := strings.Join(errMessages, "; ")

	if attempted == 0 {
		switch {
		case quotaBlocked == n:
			return Outcome{StatusCode: 429, Error: "All providers quota limited", Details: "every account is at its admission-control limit", Attempts: attempted, Errors: errMessages}
		default:
			return Outcome{StatusCode: 503, Error: "No available providers", Details: "every account is in cooldown or blocked", Attempts: attempted, Errors: errMessages}
		}
	}

	switch {
	case authExpired == attempted:
		return Outcome{StatusCode: 401, Error: "All providers unauthorized", Details: "re-authenticate the affected accounts in admin", Attempts: attempted, Errors: errMessages}
	case rateLimited == attempted:
		return Outcome{StatusCode: 429, Error: "All providers rate limited", Details: "retry shortly; accounts are under burst throttling", Attempts: attempted, Errors: errMessages}
	case kind == gateway.KindChat && quotaExceeded == attempted:
		return Outcome{StatusCode: 429, Error: "All providers quota exceeded", Details: "free-tier quota exhausted; wait for daily reset or add accounts", Attempts: attempted, Errors: errMessages}
	default:
		return Outcome{StatusCode: 500, Error: "All providers failed", Details: details, Attempts: attempted, Errors: errMessages}
	}
}
