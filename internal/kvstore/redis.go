package kvstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by github.com/redis/go-redis/v9, suitable for the
// multi-instance deployments the spec's concurrency model targets: the lock
// and the credential blobs must be visible to every instance, not just the
// one that wrote them.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing *redis.Client as a Store.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, k string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, k).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, k string, v []byte, ttl time.Duration) error {
	return r.client.Set(ctx, k, v, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, k string) error {
	return r.client.Del(ctx, k).Err()
}

func (r *Redis) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// Acquire implements the CAS-like contract from spec.md: write a fresh
// token with SET NX, then read it back. Using SETNX plus a read-back
// (rather than trusting SETNX's boolean result alone) matches the spec's
// explicit "attempt set, read back, compare" algorithm instead of relying
// on a Lua script the rest of the pack never reaches for.
func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	lockName := name
	token := newToken()
	ok, err := r.client.SetNX(ctx, lockName, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	got, err := r.client.Get(ctx, lockName).Result()
	if err != nil {
		return "", err
	}
	if got != token {
		return "", nil
	}
	return token, nil
}

// Release deletes the lock only if its current value still equals token,
// a read-then-conditional-delete rather than a Lua CAS script.
func (r *Redis) Release(ctx context.Context, name string, token string) error {
	lockName := name
	got, err := r.client.Get(ctx, lockName).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if got != token {
		return nil
	}
	return r.client.Del(ctx, lockName).Err()
}
