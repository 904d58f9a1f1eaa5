// ABOUTME: SQLite implementation for auto-response usage tracking
// ABOUTME: Atomic per-tenant per-period counters backing plan quota enforcement

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// IncrementResponseUsage atomically bumps the (tenant, period) counter
// and returns the new total. The UPSERT keeps concurrent increments from
// losing updates.
func (s *SQLiteStore) IncrementResponseUsage(ctx context.Context, tenantID, period string) (int, error) {
	query := `
		INSERT INTO response_usage (tenant_id, period, used)
		VALUES (?, ?, 1)
		ON CONFLICT(tenant_id, period) DO UPDATE SET used = used + 1
		RETURNING used
	`
	var used int
	if err := s.db.QueryRowContext(ctx, query, tenantID, period).Scan(&used); err != nil {
		return 0, fmt.Errorf("incrementing usage: %w", err)
	}

	s.logger.Debug("response usage incremented",
		"tenant_id", tenantID,
		"period", period,
		"used", used)
	return used, nil
}

// GetResponseUsage returns the counter for (tenant, period); zero when no
// responses have been sent in the period.
func (s *SQLiteStore) GetResponseUsage(ctx context.Context, tenantID, period string) (int, error) {
	query := `SELECT used FROM response_usage WHERE tenant_id = ? AND period = ?`
	var used int
	err := s.db.QueryRowContext(ctx, query, tenantID, period).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading usage: %w", err)
	}
	return used, nil
}
