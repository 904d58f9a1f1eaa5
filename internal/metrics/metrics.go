// ABOUTME: Prometheus metrics for the flow engine pipeline
// ABOUTME: Counters and gauges labelled by channel and outcome

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_inbound_messages_total",
			Help: "Total inbound webhook messages received",
		},
		[]string{"channel"},
	)

	Replies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_replies_total",
			Help: "Total engine replies by outcome (flow, fallback, silence)",
		},
		[]string{"outcome"},
	)

	DuplicateDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_duplicate_deliveries_total",
			Help: "Webhook deliveries dropped by the dedupe cache",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_dashboard_events_dropped_total",
			Help: "Dashboard events dropped for slow subscribers",
		},
	)

	ActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_active_conversations",
			Help: "Live conversations currently held in the arena",
		},
	)

	DashboardSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_dashboard_subscribers",
			Help: "Currently connected dashboard event subscribers",
		},
	)
)
