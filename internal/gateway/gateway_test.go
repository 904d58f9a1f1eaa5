// ABOUTME: End-to-end pipeline tests over a real SQLite store
// ABOUTME: Covers the reply/fallback/silence taxonomy, dedupe, gating, and events

package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/broadcast"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/dedupe"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/engine"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/flow"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/gate"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/store"
)

type testEnv struct {
	gw          *Gateway
	store       *store.SQLiteStore
	engine      *engine.Engine
	broadcaster *broadcast.Broadcaster
}

func newTestEnv(t *testing.T, plans gate.PlanTable) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	matcher := flow.NewMatcher(st, nil)
	eng := engine.New(st, engine.Config{InactivityWindow: 30 * time.Minute}, nil)
	t.Cleanup(eng.Close)

	b := broadcast.New(nil)
	t.Cleanup(b.Close)

	deliveries := dedupe.New(time.Minute, 1000)
	t.Cleanup(deliveries.Close)

	gw := New(st, matcher, eng, gate.New(plans, st, nil), b, deliveries, nil)
	return &testEnv{gw: gw, store: st, engine: eng, broadcaster: b}
}

func defaultPlans() gate.PlanTable {
	return gate.PlanTable{
		"basic": {
			Channels:         []flow.Channel{flow.ChannelWhatsApp},
			MonthlyResponses: 0,
		},
	}
}

func seedTenant(t *testing.T, env *testEnv, tenant *store.Tenant) {
	t.Helper()
	require.NoError(t, env.store.UpsertTenant(context.Background(), tenant))
}

func seedFlow(t *testing.T, env *testEnv, f *flow.Flow) {
	t.Helper()
	_, err := env.store.UpsertFlow(context.Background(), f)
	require.NoError(t, err)
}

func salesFlow() *flow.Flow {
	return &flow.Flow{
		ID:       "flow-ventas",
		TenantID: "tenant-1",
		Name:     "ventas",
		Active:   true,
		Triggers: []flow.Trigger{{Pattern: "comprar"}},
		Steps: []flow.Step{
			{Kind: flow.StepSendMessage, Message: "¡Hola! Bienvenido"},
			{Kind: flow.StepCollectInput, Prompt: "¿Qué color?", Variable: "color"},
			{Kind: flow.StepSendMessage, Message: "Pedido de color {color} confirmado"},
		},
		Fallback: "No te entendí, escribe 'comprar'",
	}
}

func inbound(from, text string) *InboundMessage {
	return &InboundMessage{
		TenantID: "tenant-1",
		Channel:  flow.ChannelWhatsApp,
		From:     from,
		Text:     text,
	}
}

func TestHandleInbound_FullSalesScenario(t *testing.T) {
	env := newTestEnv(t, defaultPlans())
	seedTenant(t, env, &store.Tenant{
		ID: "tenant-1", Name: "Luna", Plan: "basic",
		Channels: []flow.Channel{flow.ChannelWhatsApp},
	})
	seedFlow(t, env, salesFlow())
	ctx := context.Background()

	events, _ := env.broadcaster.Subscribe(ctx, "tenant-1", "dash-1")

	reply, err := env.gw.HandleInbound(ctx, inbound("user-1", "quiero comprar zapatos"))
	require.NoError(t, err)
	assert.False(t, reply.NoReply)
	assert.Equal(t, "¡Hola! Bienvenido\n¿Qué color?", reply.Text)
	assert.Equal(t, 1, env.engine.ActiveConversations())

	ev := waitEvent(t, events)
	assert.Equal(t, broadcast.EventNewLead, ev.Type)

	reply2, err := env.gw.HandleInbound(ctx, inbound("user-1", "negro"))
	require.NoError(t, err)
	assert.Equal(t, "Pedido de color negro confirmado", reply2.Text)
	assert.Equal(t, 0, env.engine.ActiveConversations())

	// Completion emits step_done, sale, and conversation_ended in order.
	types := []broadcast.EventType{
		waitEvent(t, events).Type,
		waitEvent(t, events).Type,
		waitEvent(t, events).Type,
	}
	assert.Equal(t, []broadcast.EventType{
		broadcast.EventStepDone,
		broadcast.EventSale,
		broadcast.EventConversationEnded,
	}, types)
}

func waitEvent(t *testing.T, ch <-chan *broadcast.Event) *broadcast.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestHandleInbound_UnknownTenant(t *testing.T) {
	env := newTestEnv(t, defaultPlans())

	_, err := env.gw.HandleInbound(context.Background(), inbound("user-1", "hola"))
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestHandleInbound_DisabledTenantIsSilent(t *testing.T) {
	env := newTestEnv(t, defaultPlans())
	seedTenant(t, env, &store.Tenant{
		ID: "tenant-1", Name: "Luna", Plan: "basic",
		Channels: []flow.Channel{flow.ChannelWhatsApp},
		Disabled: true,
	})
	seedFlow(t, env, salesFlow())

	reply, err := env.gw.HandleInbound(context.Background(), inbound("user-1", "comprar"))
	require.NoError(t, err)
	assert.True(t, reply.NoReply)
	assert.Equal(t, 0, env.engine.ActiveConversations())
}

func TestHandleInbound_ChannelNotInPlanIsSilent(t *testing.T) {
	env := newTestEnv(t, defaultPlans())
	seedTenant(t, env, &store.Tenant{
		ID: "tenant-1", Name: "Luna", Plan: "basic",
		Channels: []flow.Channel{flow.ChannelWhatsApp, flow.ChannelFacebook},
	})
	seedFlow(t, env, salesFlow())

	msg := inbound("user-1", "comprar")
	msg.Channel = flow.ChannelFacebook
	reply, err := env.gw.HandleInbound(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, reply.NoReply, "facebook is not in the basic plan")
	assert.Equal(t, 0, env.engine.ActiveConversations(), "gating must run before conversation creation")
}

func TestHandleInbound_DuplicateDeliveryDropped(t *testing.T) {
	env := newTestEnv(t, defaultPlans())
	seedTenant(t, env, &store.Tenant{
		ID: "tenant-1", Name: "Luna", Plan: "basic",
		Channels: []flow.Channel{flow.ChannelWhatsApp},
	})
	seedFlow(t, env, salesFlow())
	ctx := context.Background()

	first, err := env.gw.HandleInbound(ctx, inbound("user-1", "quiero comprar"))
	require.NoError(t, err)
	assert.False(t, first.NoReply)

	// The provider redelivers the same webhook.
	second, err := env.gw.HandleInbound(ctx, inbound("user-1", "quiero comprar"))
	require.NoError(t, err)
	assert.True(t, second.NoReply)
	assert.Equal(t, 1, env.engine.ActiveConversations(), "duplicate must not touch the conversation")
}

func TestHandleInbound_NoMatchFallsBack(t *testing.T) {
	env := newTestEnv(t, defaultPlans())
	seedTenant(t, env, &store.Tenant{
		ID: "tenant-1", Name: "Luna", Plan: "basic",
		Channels: []flow.Channel{flow.ChannelWhatsApp},
	})
	seedFlow(t, env, salesFlow())
	ctx := context.Background()

	events, _ := env.broadcaster.Subscribe(ctx, "tenant-1", "dash-1")

	reply, err := env.gw.HandleInbound(ctx, inbound("user-1", "buenas tardes"))
	require.NoError(t, err)
	assert.Equal(t, "No te entendí, escribe 'comprar'", reply.Text)
	assert.Equal(t, 0, env.engine.ActiveConversations())

	ev := waitEvent(t, events)
	assert.Equal(t, broadcast.EventNotification, ev.Type)
	assert.Equal(t, "no_matching_flow", ev.Payload["reason"])
}

func TestHandleInbound_NoMatchNoFlowsGenericFallback(t *testing.T) {
	env := newTestEnv(t, defaultPlans())
	seedTenant(t, env, &store.Tenant{
		ID: "tenant-1", Name: "Luna", Plan: "basic",
		Channels: []flow.Channel{flow.ChannelWhatsApp},
	})

	reply, err := env.gw.HandleInbound(context.Background(), inbound("user-1", "hola"))
	require.NoError(t, err)
	assert.Equal(t, flow.GenericFallback, reply.Text)
}

func TestHandleInbound_QuotaExceededDegradesToFallback(t *testing.T) {
	plans := gate.PlanTable{
		"basic": {
			Channels:         []flow.Channel{flow.ChannelWhatsApp},
			MonthlyResponses: 1,
		},
	}
	env := newTestEnv(t, plans)
	seedTenant(t, env, &store.Tenant{
		ID: "tenant-1", Name: "Luna", Plan: "basic",
		Channels: []flow.Channel{flow.ChannelWhatsApp},
	})
	seedFlow(t, env, salesFlow())
	ctx := context.Background()

	events, _ := env.broadcaster.Subscribe(ctx, "tenant-1", "dash-1")

	// The first inbound emits two messages against a quota of one, so the
	// reply collapses to the tenant fallback and the owner is notified.
	reply, err := env.gw.HandleInbound(ctx, inbound("user-1", "quiero comprar"))
	require.NoError(t, err)
	assert.Equal(t, "No te entendí, escribe 'comprar'", reply.Text)

	ev := waitEvent(t, events)
	assert.Equal(t, broadcast.EventNotification, ev.Type)
	assert.Equal(t, "quota_exceeded", ev.Payload["reason"])
}

func TestHandleInbound_TwoUsersIndependentConversations(t *testing.T) {
	env := newTestEnv(t, defaultPlans())
	seedTenant(t, env, &store.Tenant{
		ID: "tenant-1", Name: "Luna", Plan: "basic",
		Channels: []flow.Channel{flow.ChannelWhatsApp},
	})
	seedFlow(t, env, salesFlow())
	ctx := context.Background()

	_, err := env.gw.HandleInbound(ctx, inbound("user-a", "quiero comprar"))
	require.NoError(t, err)
	_, err = env.gw.HandleInbound(ctx, inbound("user-b", "quiero comprar"))
	require.NoError(t, err)
	require.Equal(t, 2, env.engine.ActiveConversations())

	// user-a answers; user-b's conversation is untouched.
	reply, err := env.gw.HandleInbound(ctx, inbound("user-a", "rojo"))
	require.NoError(t, err)
	assert.Equal(t, "Pedido de color rojo confirmado", reply.Text)
	assert.Equal(t, 1, env.engine.ActiveConversations())
}

// flakyTenants fails lookups a set number of times before delegating.
type flakyTenants struct {
	inner    TenantGetter
	failures int
}

func (f *flakyTenants) GetTenant(ctx context.Context, id string) (*store.Tenant, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("store unavailable")
	}
	return f.inner.GetTenant(ctx, id)
}

func TestHandleInbound_RetryAfterStoreErrorIsNotDuplicate(t *testing.T) {
	env := newTestEnv(t, defaultPlans())
	seedTenant(t, env, &store.Tenant{
		ID: "tenant-1", Name: "Luna", Plan: "basic",
		Channels: []flow.Channel{flow.ChannelWhatsApp},
	})
	seedFlow(t, env, salesFlow())
	ctx := context.Background()

	matcher := flow.NewMatcher(env.store, nil)
	deliveries := dedupe.New(time.Minute, 1000)
	t.Cleanup(deliveries.Close)
	gw := New(&flakyTenants{inner: env.store, failures: 1}, matcher, env.engine,
		gate.New(defaultPlans(), env.store, nil), env.broadcaster, deliveries, nil)

	_, err := gw.HandleInbound(ctx, inbound("user-1", "quiero comprar"))
	require.Error(t, err)

	// The provider retries the identical delivery after the 500; the
	// failed attempt must not have marked it as seen.
	reply, err := gw.HandleInbound(ctx, inbound("user-1", "quiero comprar"))
	require.NoError(t, err)
	assert.False(t, reply.NoReply, "retry after a failed attempt was swallowed as duplicate")
	assert.Equal(t, "¡Hola! Bienvenido\n¿Qué color?", reply.Text)
}

func TestHandleInbound_NewerFlowWins(t *testing.T) {
	env := newTestEnv(t, defaultPlans())
	seedTenant(t, env, &store.Tenant{
		ID: "tenant-1", Name: "Luna", Plan: "basic",
		Channels: []flow.Channel{flow.ChannelWhatsApp},
	})
	seedFlow(t, env, salesFlow())

	newer := salesFlow()
	newer.ID = "flow-promo"
	newer.Name = "promo"
	newer.Steps = []flow.Step{{Kind: flow.StepSendMessage, Message: "¡Promo del día!"}}
	seedFlow(t, env, newer)

	reply, err := env.gw.HandleInbound(context.Background(), inbound("user-1", "comprar"))
	require.NoError(t, err)
	assert.Equal(t, "¡Promo del día!", reply.Text)
}
