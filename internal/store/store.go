// ABOUTME: Store interface and data types for universalbot persistence
// ABOUTME: Defines Tenant and the Store interface over flows, tenants, usage

package store

import (
	"context"
	"errors"
	"time"

	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/flow"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Tenant is a business account. Tenants are soft-disabled, never deleted,
// so conversation and usage history stays attributable.
type Tenant struct {
	ID        string
	Name      string
	Plan      string
	Channels  []flow.Channel
	Disabled  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasChannel reports whether the tenant has activated the given channel.
func (t *Tenant) HasChannel(ch flow.Channel) bool {
	for _, c := range t.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Store defines persistence for tenants, flows, and usage counters.
type Store interface {
	// Tenants
	UpsertTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)

	// Flows. List methods return active flows most-recently-created
	// first; GetFlowVersion reads an immutable published snapshot.
	UpsertFlow(ctx context.Context, f *flow.Flow) (*flow.Flow, error)
	ListActiveFlows(ctx context.Context, tenantID string) ([]*flow.Flow, error)
	ListActiveFlowsByIndustry(ctx context.Context, tenantID, industry string) ([]*flow.Flow, error)
	GetFlowVersion(ctx context.Context, flowID string, version int) (*flow.Flow, error)

	// Usage counters for quota-gated capabilities.
	IncrementResponseUsage(ctx context.Context, tenantID, period string) (int, error)
	GetResponseUsage(ctx context.Context, tenantID, period string) (int, error)

	Close() error
}
