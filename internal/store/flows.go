// ABOUTME: SQLite flow persistence: versioned upsert, active listing, version snapshots
// ABOUTME: Triggers and steps are stored as JSON blobs and round-trip unchanged

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/flow"
)

// UpsertFlow inserts or updates a flow, bumping its version and
// snapshotting the published definition into flow_versions. Writes to the
// same flow id serialize last-writer-wins inside the transaction.
func (s *SQLiteStore) UpsertFlow(ctx context.Context, f *flow.Flow) (*flow.Flow, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	triggers, err := json.Marshal(f.Triggers)
	if err != nil {
		return nil, fmt.Errorf("encoding triggers: %w", err)
	}
	steps, err := json.Marshal(f.Steps)
	if err != nil {
		return nil, fmt.Errorf("encoding steps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Determine the next version for this flow id.
	var version int
	var createdAt string
	err = tx.QueryRowContext(ctx,
		`SELECT version, created_at FROM flows WHERE id = ?`, f.ID,
	).Scan(&version, &createdAt)
	now := time.Now().UTC()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		version = 1
		createdAt = now.Format(time.RFC3339Nano)
	case err != nil:
		return nil, fmt.Errorf("reading current version: %w", err)
	default:
		version++
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO flows (id, tenant_id, name, industry, version, active, triggers, steps, fallback, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			industry = excluded.industry,
			version = excluded.version,
			active = excluded.active,
			triggers = excluded.triggers,
			steps = excluded.steps,
			fallback = excluded.fallback,
			updated_at = excluded.updated_at
	`,
		f.ID, f.TenantID, f.Name, f.Industry, version, boolToInt(f.Active),
		string(triggers), string(steps), f.Fallback,
		createdAt, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting flow: %w", err)
	}

	// Snapshot the published definition so in-flight conversations can
	// keep reading the version they started on.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO flow_versions (flow_id, version, tenant_id, name, industry, triggers, steps, fallback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID, version, f.TenantID, f.Name, f.Industry,
		string(triggers), string(steps), f.Fallback,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("snapshotting flow version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing flow upsert: %w", err)
	}

	persisted := *f
	persisted.Version = version
	persisted.UpdatedAt = now
	if persisted.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	s.logger.Debug("flow upserted",
		"flow_id", f.ID,
		"tenant_id", f.TenantID,
		"version", version)
	return &persisted, nil
}

// ListActiveFlows returns the tenant's active flows, newest first.
func (s *SQLiteStore) ListActiveFlows(ctx context.Context, tenantID string) ([]*flow.Flow, error) {
	return s.listFlows(ctx, tenantID, "")
}

// ListActiveFlowsByIndustry narrows ListActiveFlows to one industry tag.
func (s *SQLiteStore) ListActiveFlowsByIndustry(ctx context.Context, tenantID, industry string) ([]*flow.Flow, error) {
	return s.listFlows(ctx, tenantID, industry)
}

func (s *SQLiteStore) listFlows(ctx context.Context, tenantID, industry string) ([]*flow.Flow, error) {
	query := `
		SELECT id, tenant_id, name, industry, version, active, triggers, steps, fallback, created_at, updated_at
		FROM flows
		WHERE tenant_id = ? AND active = 1
	`
	args := []any{tenantID}
	if industry != "" {
		query += ` AND industry = ?`
		args = append(args, industry)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying flows: %w", err)
	}
	defer rows.Close()

	var flows []*flow.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// GetFlowVersion reads an immutable published snapshot, or ErrNotFound
// when the flow or that version no longer exists.
func (s *SQLiteStore) GetFlowVersion(ctx context.Context, flowID string, version int) (*flow.Flow, error) {
	query := `
		SELECT flow_id, version, tenant_id, name, industry, triggers, steps, fallback, created_at
		FROM flow_versions
		WHERE flow_id = ? AND version = ?
	`
	row := s.db.QueryRowContext(ctx, query, flowID, version)

	var f flow.Flow
	var triggers, steps, createdAt string
	err := row.Scan(&f.ID, &f.Version, &f.TenantID, &f.Name, &f.Industry, &triggers, &steps, &f.Fallback, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning flow version: %w", err)
	}

	if err := decodeFlowBlobs(&f, triggers, steps); err != nil {
		return nil, err
	}
	f.Active = true
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	f.UpdatedAt = f.CreatedAt
	return &f, nil
}

// scanFlow decodes one row of the flows table.
func scanFlow(rows *sql.Rows) (*flow.Flow, error) {
	var f flow.Flow
	var active int
	var triggers, steps, createdAt, updatedAt string
	err := rows.Scan(&f.ID, &f.TenantID, &f.Name, &f.Industry, &f.Version, &active,
		&triggers, &steps, &f.Fallback, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning flow: %w", err)
	}

	f.Active = active != 0
	if err := decodeFlowBlobs(&f, triggers, steps); err != nil {
		return nil, err
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func decodeFlowBlobs(f *flow.Flow, triggers, steps string) error {
	if err := json.Unmarshal([]byte(triggers), &f.Triggers); err != nil {
		return fmt.Errorf("decoding triggers for flow %s: %w", f.ID, err)
	}
	if err := json.Unmarshal([]byte(steps), &f.Steps); err != nil {
		return fmt.Errorf("decoding steps for flow %s: %w", f.ID, err)
	}
	return nil
}
