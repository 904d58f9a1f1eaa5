// Package store provides SQLite-backed persistence for tenants, versioned
// flow definitions, and per-tenant auto-response usage counters.
//
// # Tenant isolation
//
// Every flow lookup is keyed by tenant id. The store never answers a
// query with another tenant's rows; callers treat a violation as a
// programming error, not a recoverable condition.
//
// # Flow versioning
//
// UpsertFlow is idempotent keyed by flow id. Each write bumps a
// monotonically increasing version and snapshots the published triggers,
// steps, and fallback into flow_versions so conversations in flight keep
// reading the version they started on. Concurrent writes to the same
// flow id serialize last-writer-wins inside a transaction.
//
// # Usage counters
//
// IncrementResponseUsage atomically bumps the (tenant, period) counter
// and returns the new total, letting the feature gate enforce plan
// quotas without a read-modify-write race.
package store
