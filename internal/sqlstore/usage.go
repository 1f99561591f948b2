package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	gateway "github.com/qwengate/qwengate/internal"
)

// UsageKey partitions the usage_stats table.
type UsageKey struct {
	Date       string
	ProviderID string
	Kind       gateway.Kind
}

// AuditKey partitions the request_audit_minute table.
type AuditKey struct {
	MinuteBucket string
	ProviderID   string
	Kind         gateway.Kind
	Outcome      string
}

// FlushBatch applies three pending-write maps as a single transaction of
// upsert statements, one multi-row INSERT per table. Keys with a zero delta
// are never passed in by callers (QuotaManager only buffers positive
// deltas), so every row here is a real increment.
func (s *Store) FlushBatch(ctx context.Context, usage map[UsageKey]int64, audit map[AuditKey]int64, global map[string]int64) error {
	if len(usage) == 0 && len(audit) == 0 && len(global) == 0 {
		return nil
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	if len(usage) > 0 {
		var placeholders []string
		var args []any
		for k, delta := range usage {
			placeholders = append(placeholders, "(?, ?, ?, ?)")
			args = append(args, k.Date, k.ProviderID, string(k.Kind), delta)
		}
		q := `INSERT INTO usage_stats (date, provider_id, kind, count) VALUES ` +
			strings.Join(placeholders, ", ") +
			` ON CONFLICT(date, provider_id, kind) DO UPDATE SET count = count + excluded.count`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("flush usage_stats: %w", err)
		}
	}

	if len(audit) > 0 {
		var placeholders []string
		var args []any
		for k, delta := range audit {
			placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
			args = append(args, k.MinuteBucket, k.ProviderID, string(k.Kind), k.Outcome, delta)
		}
		q := `INSERT INTO request_audit_minute (minute_bucket, provider_id, kind, outcome, count) VALUES ` +
			strings.Join(placeholders, ", ") +
			` ON CONFLICT(minute_bucket, provider_id, kind, outcome) DO UPDATE SET count = count + excluded.count`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("flush request_audit_minute: %w", err)
		}
	}

	if len(global) > 0 {
		var placeholders []string
		var args []any
		for k, delta := range global {
			placeholders = append(placeholders, "(?, ?)")
			args = append(args, k, delta)
		}
		q := `INSERT INTO global_monitor (key, value) VALUES ` +
			strings.Join(placeholders, ", ") +
			` ON CONFLICT(key) DO UPDATE SET value = value + excluded.value`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("flush global_monitor: %w", err)
		}
	}

	return tx.Commit()
}

// SetGlobal unconditionally overwrites a global_monitor key, used once at
// startup to stamp uptime_start.
func (s *Store) SetGlobal(ctx context.Context, key string, value int64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO global_monitor (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// DailyUsage returns the usage_stats count for (date, providerID, kind), or
// 0 if no row exists yet.
func (s *Store) DailyUsage(ctx context.Context, date, providerID string, kind gateway.Kind) (int64, error) {
	var count int64
	err := s.read.QueryRowContext(ctx,
		`SELECT count FROM usage_stats WHERE date = ? AND provider_id = ? AND kind = ?`,
		date, providerID, string(kind),
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// DailyUsageBatch returns usage_stats counts for many provider IDs at once,
// zero-filled for IDs with no row.
func (s *Store) DailyUsageBatch(ctx context.Context, date string, providerIDs []string, kind gateway.Kind) (map[string]int64, error) {
	out := make(map[string]int64, len(providerIDs))
	for _, id := range providerIDs {
		out[id] = 0
	}
	if len(providerIDs) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(providerIDs))
	args := make([]any, 0, len(providerIDs)+2)
	args = append(args, date, string(kind))
	for i, id := range providerIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	q := fmt.Sprintf(
		`SELECT provider_id, count FROM usage_stats WHERE date = ? AND kind = ? AND provider_id IN (%s)`,
		strings.Join(placeholders, ", "),
	)
	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		out[id] = count
	}
	return out, rows.Err()
}

// MinuteRPM returns the 'success' count in the given minute bucket for
// (providerID, kind) -- the authoritative cross-instance RPM source.
func (s *Store) MinuteRPM(ctx context.Context, minuteBucket, providerID string, kind gateway.Kind) (int64, error) {
	var count int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM request_audit_minute
		 WHERE minute_bucket = ? AND provider_id = ? AND kind = ? AND outcome = ?`,
		minuteBucket, providerID, string(kind), gateway.OutcomeSuccess,
	).Scan(&count)
	return count, err
}

// RecentAudit returns the most recent audit rows in descending minute-bucket
// order, optionally filtering out success rows.
func (s *Store) RecentAudit(ctx context.Context, limit int, includeSuccess bool) ([]gateway.AuditRow, error) {
	q := `SELECT minute_bucket, provider_id, kind, outcome, count FROM request_audit_minute`
	var args []any
	if !includeSuccess {
		q += ` WHERE outcome != ?`
		args = append(args, gateway.OutcomeSuccess)
	}
	q += ` ORDER BY minute_bucket DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.AuditRow
	for rows.Next() {
		var row gateway.AuditRow
		var kind string
		if err := rows.Scan(&row.MinuteBucket, &row.ProviderID, &kind, &row.Outcome, &row.Count); err != nil {
			return nil, err
		}
		row.Kind = gateway.Kind(kind)
		out = append(out, row)
	}
	return out, rows.Err()
}

// DailyTotal returns the sum of usage_stats.count across all providers for
// (date, kind), used by the daily-quota alert.
func (s *Store) DailyTotal(ctx context.Context, date string, kind gateway.Kind) (int64, error) {
	var total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM usage_stats WHERE date = ? AND kind = ?`,
		date, string(kind),
	).Scan(&total)
	return total, err
}

// AuthFailedProviders returns the IDs of accounts with at least one
// "error:auth_expired" audit row and zero "success" rows, for kind, across
// every minute bucket from sinceMinuteBucket onward (inclusive). Used by the
// auth-failed-accounts alert.
func (s *Store) AuthFailedProviders(ctx context.Context, sinceMinuteBucket string, kind gateway.Kind) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider_id,
		        SUM(CASE WHEN outcome = ? THEN count ELSE 0 END) AS auth_failures,
		        SUM(CASE WHEN outcome = ? THEN count ELSE 0 END) AS successes
		 FROM request_audit_minute
		 WHERE minute_bucket >= ? AND kind = ?
		 GROUP BY provider_id`,
		gateway.ErrorOutcome("auth_expired"), gateway.OutcomeSuccess, sinceMinuteBucket, string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		var authFailures, successes int64
		if err := rows.Scan(&id, &authFailures, &successes); err != nil {
			return nil, err
		}
		if authFailures > 0 && successes == 0 {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

// GlobalCounter returns the current value of a global_monitor key, or 0 if absent.
func (s *Store) GlobalCounter(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.read.QueryRowContext(ctx, `SELECT value FROM global_monitor WHERE key = ?`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}
