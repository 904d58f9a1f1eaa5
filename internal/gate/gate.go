// ABOUTME: Plan-based feature gate: channel enablement and auto-response quotas
// ABOUTME: Capability table is static config; quota consumption is store-backed and atomic

package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/flow"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/store"
)

// ErrChannelDisabled indicates the tenant's plan or channel set does not
// include the inbound channel.
var ErrChannelDisabled = errors.New("channel disabled for tenant")

// ErrQuotaExceeded indicates the tenant has used up its auto-response
// quota for the current period.
var ErrQuotaExceeded = errors.New("auto-response quota exceeded")

// ErrUnknownPlan indicates the tenant references a tier missing from the
// plan table.
var ErrUnknownPlan = errors.New("unknown plan tier")

// PlanLimits is the fixed capability set of one subscription tier.
// MonthlyResponses zero means unlimited.
type PlanLimits struct {
	Channels         []flow.Channel
	MonthlyResponses int
}

// PlanTable maps plan tier names to their capabilities. Read-only at
// runtime.
type PlanTable map[string]PlanLimits

// UsageCounter is the slice of the store the gate needs for quotas.
type UsageCounter interface {
	IncrementResponseUsage(ctx context.Context, tenantID, period string) (int, error)
}

// Gate answers capability questions for tenants.
type Gate struct {
	plans  PlanTable
	usage  UsageCounter
	logger *slog.Logger

	// now is swappable for tests
	now func() time.Time
}

// New creates a Gate over the given plan table. Pass nil logger for the
// default.
func New(plans PlanTable, usage UsageCounter, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		plans:  plans,
		usage:  usage,
		logger: logger.With("component", "gate"),
		now:    time.Now,
	}
}

// ChannelAllowed reports whether the tenant may receive messages on the
// channel: the plan tier must enable it and the tenant must have
// activated it.
func (g *Gate) ChannelAllowed(tenant *store.Tenant, ch flow.Channel) error {
	limits, ok := g.plans[tenant.Plan]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlan, tenant.Plan)
	}
	planEnables := false
	for _, c := range limits.Channels {
		if c == ch {
			planEnables = true
			break
		}
	}
	if !planEnables || !tenant.HasChannel(ch) {
		return fmt.Errorf("%w: %s on plan %s", ErrChannelDisabled, ch, tenant.Plan)
	}
	return nil
}

// ConsumeResponse accounts one auto-response against the tenant's quota
// for the current period. Returns ErrQuotaExceeded when the increment
// pushes usage past the plan limit; the response that hit the limit is
// still counted so retries cannot sneak under it.
func (g *Gate) ConsumeResponse(ctx context.Context, tenant *store.Tenant) error {
	limits, ok := g.plans[tenant.Plan]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlan, tenant.Plan)
	}
	if limits.MonthlyResponses == 0 {
		return nil
	}

	period := Period(g.now())
	used, err := g.usage.IncrementResponseUsage(ctx, tenant.ID, period)
	if err != nil {
		return fmt.Errorf("consuming response quota: %w", err)
	}
	if used > limits.MonthlyResponses {
		g.logger.Info("quota exceeded",
			"tenant_id", tenant.ID,
			"plan", tenant.Plan,
			"period", period,
			"used", used,
			"limit", limits.MonthlyResponses)
		return ErrQuotaExceeded
	}
	return nil
}

// Period formats the UTC calendar-month key used for quota counters.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}
