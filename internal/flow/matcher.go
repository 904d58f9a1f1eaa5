// ABOUTME: Trigger matcher that selects the flow activated by an inbound message
// ABOUTME: Newest flow wins across flows; triggers evaluate in declaration order

package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// GenericFallback is the reply used when a tenant has no active flow to
// supply a fallback of its own.
const GenericFallback = "Gracias por tu mensaje. Un asesor te responderá pronto."

// ErrNoMatch indicates no trigger of any active flow matched the message.
var ErrNoMatch = errors.New("no matching flow")

// Lister is the slice of the flow store the matcher needs: active flows
// for one tenant, most recently created first.
type Lister interface {
	ListActiveFlows(ctx context.Context, tenantID string) ([]*Flow, error)
}

// Match is a successful trigger evaluation: the selected flow and the
// trigger within it that fired.
type Match struct {
	Flow    *Flow
	Trigger Trigger
}

// Matcher selects the flow a message activates for a tenant.
type Matcher struct {
	flows  Lister
	logger *slog.Logger
}

// NewMatcher creates a Matcher. Pass nil logger for the default.
func NewMatcher(flows Lister, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		flows:  flows,
		logger: logger.With("component", "matcher"),
	}
}

// Match evaluates the tenant's active flows against the inbound message.
// Flows are evaluated newest-first so freshly published flows take
// precedence over older overlapping ones; within a flow, triggers fire in
// declaration order. Returns ErrNoMatch when nothing fires.
func (m *Matcher) Match(ctx context.Context, tenantID string, channel Channel, messageText string) (*Match, error) {
	flows, err := m.flows.ListActiveFlows(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing flows: %w", err)
	}

	text := Normalize(messageText)

	for _, f := range flows {
		if f.TenantID != tenantID {
			// Isolation invariant: the store is keyed by tenant, so a
			// foreign flow here is a programming error, not bad input.
			panic(fmt.Sprintf("tenant isolation violated: flow %s belongs to %s, queried for %s",
				f.ID, f.TenantID, tenantID))
		}
		for _, trig := range f.Triggers {
			if trig.Channel != "" && trig.Channel != channel {
				continue
			}
			if strings.Contains(text, Normalize(trig.Pattern)) {
				m.logger.Debug("trigger matched",
					"tenant_id", tenantID,
					"flow_id", f.ID,
					"pattern", trig.Pattern)
				return &Match{Flow: f, Trigger: trig}, nil
			}
		}
	}

	return nil, ErrNoMatch
}

// Fallback returns the tenant's nearest fallback message: the fallback of
// the most recently created active flow, or GenericFallback when the
// tenant has none.
func (m *Matcher) Fallback(ctx context.Context, tenantID string) string {
	flows, err := m.flows.ListActiveFlows(ctx, tenantID)
	if err != nil {
		m.logger.Error("fallback lookup failed", "tenant_id", tenantID, "error", err)
		return GenericFallback
	}
	for _, f := range flows {
		if f.Fallback != "" {
			return f.Fallback
		}
	}
	return GenericFallback
}

// Normalize case-folds and trims a message or pattern for matching.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
