// Package registry implements ProviderRegistry: the durable table of known
// account IDs and aliases, self-healing from historical usage rows when
// empty.
package registry

import (
	"context"
	"time"

	gateway "github.com/qwengate/qwengate/internal"
)

// Store is the persistence dependency, satisfied by *sqlstore.Store.
type Store interface {
	UpsertProvider(ctx context.Context, id, alias string, updatedAtUnixSec int64) error
	GetProvider(ctx context.Context, id string) (*gateway.ProviderRecord, error)
	ListProviders(ctx context.Context) ([]*gateway.ProviderRecord, error)
	DeleteProvider(ctx context.Context, id string) error
	SelfHealProviderIDs(ctx context.Context) ([]string, error)
}

// Registry is the durable provider table with alias lookups.
type Registry struct {
	store Store
}

// New wraps store as a Registry.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Enroll records id as known, creating the row if absent.
func (r *Registry) Enroll(ctx context.Context, id string) error {
	existing, err := r.store.GetProvider(ctx, id)
	if err != nil && err != gateway.ErrNotFound {
		return err
	}
	alias := ""
	if existing != nil {
		alias = existing.Alias
	}
	return r.store.UpsertProvider(ctx, id, alias, time.Now().Unix())
}

// SetAlias renames the account's alias (admin action).
func (r *Registry) SetAlias(ctx context.Context, id, alias string) error {
	return r.store.UpsertProvider(ctx, id, alias, time.Now().Unix())
}

// Remove deletes the account's registry row (admin removal).
func (r *Registry) Remove(ctx context.Context, id string) error {
	return r.store.DeleteProvider(ctx, id)
}

// IDs returns every known account ID.
func (r *Registry) IDs(ctx context.Context) ([]string, error) {
	records, err := r.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(records))
	for i, p := range records {
		ids[i] = p.ID
	}
	return ids, nil
}

// Aliases returns the id -> alias map for every known account.
func (r *Registry) Aliases(ctx context.Context) (map[string]string, error) {
	records, err := r.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(records))
	for _, p := range records {
		if p.Alias != "" {
			out[p.ID] = p.Alias
		}
	}
	return out, nil
}

// SelfHealIfEmpty bootstraps registry rows from historical usage_stats
// provider IDs when the registry and the static seed list are both empty,
// converting the first light scan into a migration point rather than an
// empty-pool dispatch failure.
func (r *Registry) SelfHealIfEmpty(ctx context.Context, staticIDs []string) error {
	existing, err := r.store.ListProviders(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 || len(staticIDs) > 0 {
		return nil
	}

	ids, err := r.store.SelfHealProviderIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.Enroll(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
