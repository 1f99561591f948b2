package sqlstore

import (
	"context"
	"testing"

	gateway "github.com/qwengate/qwengate/internal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProviderUpsertAndSelfHeal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.UpsertProvider(ctx, "qwen_creds_aaaa1111.json", "", 100); err != nil {
		t.Fatal(err)
	}
	p, err := s.GetProvider(ctx, "qwen_creds_aaaa1111.json")
	if err != nil {
		t.Fatal(err)
	}
	if p.Alias != "" {
		t.Fatalf("expected empty alias, got %q", p.Alias)
	}

	if err := s.UpsertProvider(ctx, "qwen_creds_aaaa1111.json", "primary", 200); err != nil {
		t.Fatal(err)
	}
	p, err = s.GetProvider(ctx, "qwen_creds_aaaa1111.json")
	if err != nil {
		t.Fatal(err)
	}
	if p.Alias != "primary" || p.UpdatedAt != 200 {
		t.Fatalf("got %+v", p)
	}

	if err := s.FlushBatch(ctx, map[UsageKey]int64{
		{Date: "2026-07-31", ProviderID: "qwen_creds_bbbb2222.json", Kind: gateway.KindChat}: 3,
	}, nil, nil); err != nil {
		t.Fatal(err)
	}
	ids, err := s.SelfHealProviderIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "qwen_creds_bbbb2222.json" {
		t.Fatalf("got %v", ids)
	}
}

func TestFlushBatchUpsertsAccumulate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	uk := UsageKey{Date: "2026-07-31", ProviderID: "A", Kind: gateway.KindChat}
	if err := s.FlushBatch(ctx, map[UsageKey]int64{uk: 1}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.FlushBatch(ctx, map[UsageKey]int64{uk: 1}, nil, nil); err != nil {
		t.Fatal(err)
	}
	got, err := s.DailyUsage(ctx, uk.Date, uk.ProviderID, uk.Kind)
	if err != nil {
		t.Fatal(err)
	}
	if got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestRecentAuditFiltersSuccess(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.FlushBatch(ctx, nil, map[AuditKey]int64{
		{MinuteBucket: "2026-07-31T10:00", ProviderID: "A", Kind: gateway.KindChat, Outcome: gateway.OutcomeSuccess}: 1,
		{MinuteBucket: "2026-07-31T10:01", ProviderID: "A", Kind: gateway.KindChat, Outcome: gateway.ErrorOutcome("upstream_429")}: 1,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	rows, err := s.RecentAudit(ctx, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.Outcome == gateway.OutcomeSuccess {
			t.Fatal("success row leaked through with includeSuccess=false")
		}
	}

	rows, err = s.RecentAudit(ctx, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
}
