// ABOUTME: SQLite tenant persistence: upsert and lookup by id
// ABOUTME: Tenants are soft-disabled via the disabled flag, never deleted

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UpsertTenant inserts or replaces a tenant row.
func (s *SQLiteStore) UpsertTenant(ctx context.Context, tenant *Tenant) error {
	channels, err := json.Marshal(tenant.Channels)
	if err != nil {
		return fmt.Errorf("encoding channels: %w", err)
	}

	now := time.Now().UTC()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now

	query := `
		INSERT INTO tenants (id, name, plan, channels, disabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			plan = excluded.plan,
			channels = excluded.channels,
			disabled = excluded.disabled,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.Plan,
		string(channels),
		boolToInt(tenant.Disabled),
		tenant.CreatedAt.Format(time.RFC3339Nano),
		tenant.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting tenant: %w", err)
	}

	s.logger.Debug("tenant upserted", "tenant_id", tenant.ID, "plan", tenant.Plan)
	return nil
}

// GetTenant returns a tenant by id, or ErrNotFound.
func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := `
		SELECT id, name, plan, channels, disabled, created_at, updated_at
		FROM tenants WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var t Tenant
	var channels string
	var disabled int
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Name, &t.Plan, &channels, &disabled, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tenant: %w", err)
	}

	if err := json.Unmarshal([]byte(channels), &t.Channels); err != nil {
		return nil, fmt.Errorf("decoding channels for tenant %s: %w", t.ID, err)
	}
	t.Disabled = disabled != 0
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// boolToInt converts a bool to the 0/1 SQLite stores.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTime parses the RFC3339 timestamps the store writes.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

var _ Store = (*SQLiteStore)(nil)
