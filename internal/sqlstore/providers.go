package sqlstore

import (
	"context"
	"database/sql"

	gateway "github.com/qwengate/qwengate/internal"
)

// UpsertProvider inserts a provider row if absent, or updates its alias and
// updated_at if present. Used by enrollment, self-heal, and admin
// alias-rename.
func (s *Store) UpsertProvider(ctx context.Context, id, alias string, updatedAtUnixSec int64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO providers (id, alias, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET alias = excluded.alias, updated_at = excluded.updated_at`,
		id, nullStr(alias), updatedAtUnixSec,
	)
	return err
}

// GetProvider retrieves a single provider row.
func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.ProviderRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, alias, updated_at FROM providers WHERE id = ?`, id,
	)
	return scanProvider(row)
}

// ListProviders returns every known provider row.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.ProviderRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, alias, updated_at FROM providers ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ProviderRecord
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProvider removes a provider row (admin removal).
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// SelfHealProviderIDs returns distinct provider_id values present in
// usage_stats but absent from providers. Called through the registry's
// self-heal (at startup and on each pool refresh) only while the registry
// is empty: this turns the first light scan into a migration
// point instead of an empty-pool 500 against a populated audit store.
func (s *Store) SelfHealProviderIDs(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT DISTINCT provider_id FROM usage_stats
		 WHERE provider_id NOT IN (SELECT id FROM providers)`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanProvider(s scanner) (*gateway.ProviderRecord, error) {
	var p gateway.ProviderRecord
	var alias sql.NullString
	if err := s.Scan(&p.ID, &alias, &p.UpdatedAt); err != nil {
		return nil, notFoundErr(err)
	}
	p.Alias = alias.String
	return &p, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
