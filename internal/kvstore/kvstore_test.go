package kvstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected miss before set")
	}
	if err := m.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	v, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("got %q, %v, %v", v, ok, err)
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Set(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected expiry")
	}
}

func TestMemoryListPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Set(ctx, "qwen_creds_aaaa1111.json", []byte("{}"), 0)
	_ = m.Set(ctx, "qwen_creds_bbbb2222.json", []byte("{}"), 0)
	_ = m.Set(ctx, "other_key", []byte("{}"), 0)

	keys, err := m.ListPrefix(ctx, "qwen_creds_")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2: %v", len(keys), keys)
	}
}

func TestMemoryAcquireReleaseMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tok1, err := m.Acquire(ctx, "token_refresh:abcd", time.Second)
	if err != nil || tok1 == "" {
		t.Fatalf("expected first acquire to succeed, got %q, %v", tok1, err)
	}

	tok2, err := m.Acquire(ctx, "token_refresh:abcd", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if tok2 != "" {
		t.Fatal("expected second acquire to fail while lock is held")
	}

	if err := m.Release(ctx, "token_refresh:abcd", tok1); err != nil {
		t.Fatal(err)
	}

	tok3, err := m.Acquire(ctx, "token_refresh:abcd", time.Second)
	if err != nil || tok3 == "" {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestMemoryAcquireStoresUnderLiteralLockKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	name := LockKey("qwen_creds_aaaa1111.json")
	if name != "lock:token_refresh:qwen_creds_aaaa1111.json" {
		t.Fatalf("got %q", name)
	}
	tok, err := m.Acquire(ctx, name, time.Second)
	if err != nil || tok == "" {
		t.Fatalf("expected acquire to succeed, got %q, %v", tok, err)
	}
	if _, ok, _ := m.Get(ctx, name); !ok {
		t.Fatalf("expected the lock to be stored under the literal key %q with no extra prefix", name)
	}
}

func TestMemoryReleaseWrongTokenNoop(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tok, _ := m.Acquire(ctx, "x", time.Second)
	if err := m.Release(ctx, "x", "not-the-token"); err != nil {
		t.Fatal(err)
	}
	// Lock must still be held.
	if got, _ := m.Acquire(ctx, "x", time.Second); got != "" {
		t.Fatal("release with wrong token must not have dropped the lock")
	}
	_ = tok
}
