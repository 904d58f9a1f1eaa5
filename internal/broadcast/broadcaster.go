// ABOUTME: In-memory fan-out broadcaster pushing dashboard events per tenant
// ABOUTME: Publish iterates a snapshot of subscribers; slow subscribers drop events

package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// EventType tags a dashboard event.
type EventType string

// Dashboard event types.
const (
	EventNewLead           EventType = "new_lead"
	EventStepDone          EventType = "step_done"
	EventSale              EventType = "sale"
	EventNotification      EventType = "notification"
	EventConversationEnded EventType = "conversation_ended"
)

// Event is the server-to-dashboard message shape.
type Event struct {
	Type      EventType      `json:"type"`
	TenantID  string         `json:"tenantId"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// subscriber is one live dashboard connection.
type subscriber struct {
	id       string
	clientID string
	ch       chan *Event
}

// Broadcaster fans events out to every live subscription of a tenant.
type Broadcaster struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*subscriber // tenantID -> subID -> subscriber
	done    chan struct{}
	closed  bool
	logger  *slog.Logger
}

// New creates a Broadcaster. Pass nil logger for the default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		tenants: make(map[string]map[string]*subscriber),
		done:    make(chan struct{}),
		logger:  logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a dashboard connection for a tenant's events.
// clientID identifies the logical client (one per dashboard tab); a
// previous subscription with the same clientID is fully released before
// the new one registers, so reconnect cycles cannot leak handles.
// The subscription is cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, tenantID, clientID string) (<-chan *Event, string) {
	sub := &subscriber{
		id:       uuid.New().String(),
		clientID: clientID,
		ch:       make(chan *Event, subscriberBufferSize),
	}

	b.mu.Lock()
	subs, ok := b.tenants[tenantID]
	if !ok {
		subs = make(map[string]*subscriber)
		b.tenants[tenantID] = subs
	}
	if clientID != "" {
		for id, existing := range subs {
			if existing.clientID == clientID {
				delete(subs, id)
				close(existing.ch)
			}
		}
	}
	subs[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"tenant_id", tenantID,
		"client_id", clientID,
		"sub_id", sub.id)

	// The watcher also exits on Close, so long-lived subscriber contexts
	// cannot pin goroutines past shutdown.
	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(tenantID, sub.id)
		case <-b.done:
		}
	}()

	return sub.ch, sub.id
}

// Publish sends an event to every subscriber of the tenant. Non-blocking:
// the event is dropped for subscribers whose channels are full. Dropped
// indicates how many subscribers missed it.
func (b *Broadcaster) Publish(tenantID string, event *Event) (dropped int) {
	b.mu.RLock()
	subs, ok := b.tenants[tenantID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return 0
	}

	// Copy channels under the read lock so sends happen against a
	// consistent snapshot without holding the lock.
	targets := make([]chan *Event, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub.ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			dropped++
			b.logger.Debug("dropped event for slow subscriber",
				"tenant_id", tenantID,
				"type", string(event.Type))
		}
	}
	return dropped
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// for an already-released handle.
func (b *Broadcaster) Unsubscribe(tenantID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.tenants[tenantID]
	if !ok {
		return
	}
	sub, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(sub.ch)

	if len(subs) == 0 {
		delete(b.tenants, tenantID)
	}

	b.logger.Debug("subscriber removed",
		"tenant_id", tenantID,
		"sub_id", subID)
}

// SubscriberCount reports live subscriptions for a tenant (for metrics).
func (b *Broadcaster) SubscriberCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tenants[tenantID])
}

// Close shuts down the broadcaster, closing all subscriber channels and
// releasing the per-subscription context watchers. Safe to call
// repeatedly.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		close(b.done)
		b.closed = true
	}

	for tenantID, subs := range b.tenants {
		for subID, sub := range subs {
			close(sub.ch)
			delete(subs, subID)
		}
		delete(b.tenants, tenantID)
	}

	b.logger.Debug("broadcaster closed")
}
