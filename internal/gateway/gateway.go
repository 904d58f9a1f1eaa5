// ABOUTME: Pipeline orchestrator turning webhook payloads into engine replies
// ABOUTME: Maps the error taxonomy to reply, fallback, or silence and publishes events

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/broadcast"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/dedupe"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/engine"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/flow"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/gate"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/metrics"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/store"
)

// ErrTenantNotFound is the only request-fatal condition in the pipeline.
var ErrTenantNotFound = errors.New("tenant not found")

// fallbackLookupTimeout bounds the detached fallback fetch used when the
// request context has already expired.
const fallbackLookupTimeout = 2 * time.Second

// InboundMessage is the webhook payload after the HTTP boundary has
// unwrapped provider framing.
type InboundMessage struct {
	TenantID string
	Channel  flow.Channel
	From     string // external user identifier on the channel
	Text     string
}

// Reply is what goes back to the channel provider. NoReply means the
// provider should be acknowledged without sending anything to the user.
type Reply struct {
	Text    string
	NoReply bool
}

// TenantGetter is the slice of the store the gateway needs directly.
type TenantGetter interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
}

// Gateway coordinates the inbound pipeline components.
type Gateway struct {
	tenants     TenantGetter
	matcher     *flow.Matcher
	engine      *engine.Engine
	gate        *gate.Gate
	broadcaster *broadcast.Broadcaster
	deliveries  *dedupe.Cache
	logger      *slog.Logger
}

// New creates a Gateway. Pass nil logger for the default.
func New(tenants TenantGetter, matcher *flow.Matcher, eng *engine.Engine, g *gate.Gate, b *broadcast.Broadcaster, deliveries *dedupe.Cache, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		tenants:     tenants,
		matcher:     matcher,
		engine:      eng,
		gate:        g,
		broadcaster: b,
		deliveries:  deliveries,
		logger:      logger.With("component", "gateway"),
	}
}

// HandleInbound runs one webhook message through the pipeline.
func (g *Gateway) HandleInbound(ctx context.Context, msg *InboundMessage) (*Reply, error) {
	metrics.InboundMessages.WithLabelValues(string(msg.Channel)).Inc()

	deliveryKey := dedupe.DeliveryKey(msg.TenantID, string(msg.Channel), msg.From, msg.Text)
	if g.deliveries.Seen(deliveryKey) {
		metrics.DuplicateDeliveries.Inc()
		g.logger.Debug("duplicate delivery dropped",
			"tenant_id", msg.TenantID,
			"channel", string(msg.Channel),
			"from", msg.From)
		return &Reply{NoReply: true}, nil
	}

	tenant, err := g.tenants.GetTenant(ctx, msg.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		g.deliveries.Forget(deliveryKey)
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, msg.TenantID)
	}
	if err != nil {
		// The delivery was not handled; forget it so the provider's
		// retry is not swallowed as a duplicate.
		g.deliveries.Forget(deliveryKey)
		return nil, fmt.Errorf("resolving tenant: %w", err)
	}
	if tenant.Disabled {
		g.logger.Info("message for disabled tenant ignored", "tenant_id", tenant.ID)
		metrics.Replies.WithLabelValues("silence").Inc()
		return &Reply{NoReply: true}, nil
	}

	// Channel gating short-circuits before any conversation exists.
	if err := g.gate.ChannelAllowed(tenant, msg.Channel); err != nil {
		g.logger.Info("channel disabled by plan",
			"tenant_id", tenant.ID,
			"channel", string(msg.Channel),
			"error", err)
		metrics.Replies.WithLabelValues("silence").Inc()
		return &Reply{NoReply: true}, nil
	}

	key := engine.Key{TenantID: tenant.ID, Channel: msg.Channel, UserID: msg.From}
	result, err := g.engine.Inbound(ctx, key, msg.Text, func(mctx context.Context) (*flow.Match, error) {
		return g.matcher.Match(mctx, tenant.ID, msg.Channel, msg.Text)
	})
	if err != nil {
		reply, rerr := g.recoverInbound(ctx, tenant, msg, err)
		if rerr != nil {
			g.deliveries.Forget(deliveryKey)
			return nil, rerr
		}
		return reply, nil
	}

	reply := g.applyQuota(ctx, tenant, result)
	g.publishResults(tenant.ID, msg, result)
	metrics.ActiveConversations.Set(float64(g.engine.ActiveConversations()))
	return reply, nil
}

// recoverInbound maps engine and matcher failures to the fallback reply.
// Only storage errors during matching propagate as request errors.
func (g *Gateway) recoverInbound(ctx context.Context, tenant *store.Tenant, msg *InboundMessage, err error) (*Reply, error) {
	switch {
	case errors.Is(err, flow.ErrNoMatch):
		g.publish(tenant.ID, broadcast.EventNotification, map[string]any{
			"reason":  "no_matching_flow",
			"channel": string(msg.Channel),
			"from":    msg.From,
		})
	case errors.Is(err, engine.ErrStaleFlow):
		g.publish(tenant.ID, broadcast.EventConversationEnded, map[string]any{
			"reason": "stale_flow_version",
			"from":   msg.From,
		})
	case errors.Is(err, engine.ErrRaced), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		g.logger.Warn("inbound degraded to fallback",
			"tenant_id", tenant.ID,
			"error", err)
	default:
		return nil, err
	}

	metrics.Replies.WithLabelValues("fallback").Inc()
	return &Reply{Text: g.fallbackText(ctx, tenant.ID)}, nil
}

// applyQuota accounts each emitted message against the tenant's
// auto-response quota. Exceeding the quota degrades the whole reply to
// the tenant fallback instead of failing the request.
func (g *Gateway) applyQuota(ctx context.Context, tenant *store.Tenant, result *engine.Result) *Reply {
	if len(result.Replies) == 0 {
		metrics.Replies.WithLabelValues("silence").Inc()
		return &Reply{NoReply: true}
	}

	for range result.Replies {
		if err := g.gate.ConsumeResponse(ctx, tenant); err != nil {
			if errors.Is(err, gate.ErrQuotaExceeded) {
				g.publish(tenant.ID, broadcast.EventNotification, map[string]any{
					"reason": "quota_exceeded",
					"plan":   tenant.Plan,
				})
				metrics.Replies.WithLabelValues("fallback").Inc()
				return &Reply{Text: g.fallbackText(ctx, tenant.ID)}
			}
			// Counter trouble is not worth dropping the reply over.
			g.logger.Error("quota accounting failed", "tenant_id", tenant.ID, "error", err)
			break
		}
	}

	outcome := "flow"
	if result.FellBack {
		outcome = "fallback"
	}
	metrics.Replies.WithLabelValues(outcome).Inc()
	return &Reply{Text: strings.Join(result.Replies, "\n")}
}

// publishResults turns a transition result into dashboard events.
func (g *Gateway) publishResults(tenantID string, msg *InboundMessage, result *engine.Result) {
	if result.Started {
		g.publish(tenantID, broadcast.EventNewLead, map[string]any{
			"conversationId": result.ConversationID,
			"flowId":         result.FlowID,
			"channel":        string(msg.Channel),
			"from":           msg.From,
		})
	}
	if result.InputStored {
		g.publish(tenantID, broadcast.EventStepDone, map[string]any{
			"conversationId": result.ConversationID,
			"stepIndex":      result.StepIndex,
		})
	}
	if result.Completed {
		g.publish(tenantID, broadcast.EventSale, map[string]any{
			"conversationId": result.ConversationID,
			"flowId":         result.FlowID,
			"inputs":         result.Inputs,
		})
	}
	if result.State == engine.StateEnded {
		g.publish(tenantID, broadcast.EventConversationEnded, map[string]any{
			"conversationId": result.ConversationID,
			"completed":      result.Completed,
		})
	}
}

// publish fans one event out, counting drops. Lost subscribers are not an
// error; dashboards re-fetch on reconnect.
func (g *Gateway) publish(tenantID string, typ broadcast.EventType, payload map[string]any) {
	dropped := g.broadcaster.Publish(tenantID, &broadcast.Event{
		Type:      typ,
		TenantID:  tenantID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if dropped > 0 {
		metrics.EventsDropped.Add(float64(dropped))
	}
}

// fallbackText resolves the tenant's nearest fallback on a detached
// context so an expired request deadline still gets a usable reply.
func (g *Gateway) fallbackText(ctx context.Context, tenantID string) string {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), fallbackLookupTimeout)
		defer cancel()
	}
	return g.matcher.Fallback(ctx, tenantID)
}
