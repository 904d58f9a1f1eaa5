// ABOUTME: Tests for the tenant event broadcaster
// ABOUTME: Covers fan-out, tenant isolation, reconnects, slow subscribers, shutdown

package broadcast

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(tenantID string, typ EventType) *Event {
	return &Event{
		Type:      typ,
		TenantID:  tenantID,
		Payload:   map[string]any{"conversationId": "conv-1"},
		Timestamp: time.Now().UTC(),
	}
}

func recvEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed while waiting for event")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublish_SingleSubscriber(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "tenant-1", "client-1")

	dropped := b.Publish("tenant-1", testEvent("tenant-1", EventNewLead))
	assert.Zero(t, dropped)

	ev := recvEvent(t, ch)
	assert.Equal(t, EventNewLead, ev.Type)
	assert.Equal(t, "tenant-1", ev.TenantID)
}

func TestPublish_MultipleSubscribersAllReceive(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var chans []<-chan *Event
	for i := 0; i < 3; i++ {
		ch, _ := b.Subscribe(context.Background(), "tenant-1", fmt.Sprintf("client-%d", i))
		chans = append(chans, ch)
	}

	b.Publish("tenant-1", testEvent("tenant-1", EventSale))

	for i, ch := range chans {
		ev := recvEvent(t, ch)
		assert.Equal(t, EventSale, ev.Type, "subscriber %d", i)
	}
}

func TestPublish_TenantIsolation(t *testing.T) {
	b := New(nil)
	defer b.Close()

	chA, _ := b.Subscribe(context.Background(), "tenant-a", "client-1")
	chB, _ := b.Subscribe(context.Background(), "tenant-b", "client-1")

	b.Publish("tenant-a", testEvent("tenant-a", EventNewLead))

	ev := recvEvent(t, chA)
	assert.Equal(t, "tenant-a", ev.TenantID)

	select {
	case ev := <-chB:
		t.Errorf("tenant-b received tenant-a's event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_NoSubscribers(t *testing.T) {
	b := New(nil)
	defer b.Close()

	dropped := b.Publish("tenant-1", testEvent("tenant-1", EventNotification))
	assert.Zero(t, dropped, "publishing into the void is not an error")
}

func TestPublish_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "tenant-1", "client-1")

	// Fill the buffer without draining, then publish one more.
	for i := 0; i < subscriberBufferSize; i++ {
		require.Zero(t, b.Publish("tenant-1", testEvent("tenant-1", EventStepDone)))
	}

	done := make(chan int, 1)
	go func() {
		done <- b.Publish("tenant-1", testEvent("tenant-1", EventStepDone))
	}()

	select {
	case dropped := <-done:
		assert.Equal(t, 1, dropped, "overflow event must be dropped, not queued")
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The buffered events are still intact.
	ev := recvEvent(t, ch)
	assert.Equal(t, EventStepDone, ev.Type)
}

func TestSubscribe_ReconnectReplacesClient(t *testing.T) {
	b := New(nil)
	defer b.Close()

	oldCh, _ := b.Subscribe(context.Background(), "tenant-1", "client-1")
	newCh, _ := b.Subscribe(context.Background(), "tenant-1", "client-1")

	// The stale handle is closed, and only the new one receives.
	select {
	case _, ok := <-oldCh:
		assert.False(t, ok, "old subscription channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("old subscription was not released")
	}

	assert.Equal(t, 1, b.SubscriberCount("tenant-1"))

	b.Publish("tenant-1", testEvent("tenant-1", EventNewLead))
	ev := recvEvent(t, newCh)
	assert.Equal(t, EventNewLead, ev.Type)
}

func TestSubscribe_EmptyClientIDNeverReplaces(t *testing.T) {
	b := New(nil)
	defer b.Close()

	b.Subscribe(context.Background(), "tenant-1", "")
	b.Subscribe(context.Background(), "tenant-1", "")

	assert.Equal(t, 2, b.SubscriberCount("tenant-1"))
}

func TestSubscribe_ContextCancelUnsubscribes(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "tenant-1", "client-1")
	require.Equal(t, 1, b.SubscriberCount("tenant-1"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close after ctx cancellation")
	case <-time.After(time.Second):
		t.Fatal("subscription survived ctx cancellation")
	}
	assert.Eventually(t, func() bool {
		return b.SubscriberCount("tenant-1") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New(nil)
	defer b.Close()

	_, subID := b.Subscribe(context.Background(), "tenant-1", "client-1")

	b.Unsubscribe("tenant-1", subID)
	b.Unsubscribe("tenant-1", subID) // second call is a no-op
	b.Unsubscribe("tenant-9", "nope")

	assert.Zero(t, b.SubscriberCount("tenant-1"))
}

func TestClose_ReleasesEverything(t *testing.T) {
	b := New(nil)

	ch1, _ := b.Subscribe(context.Background(), "tenant-1", "client-1")
	ch2, _ := b.Subscribe(context.Background(), "tenant-2", "client-1")

	b.Close()

	for _, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("channel not closed on Close")
		}
	}
	assert.Zero(t, b.SubscriberCount("tenant-1"))
	assert.Zero(t, b.SubscriberCount("tenant-2"))
}

func TestClose_ReleasesContextWatchers(t *testing.T) {
	baseline := runtime.NumGoroutine()

	b := New(nil)
	// Subscriber contexts stay alive well past Close.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 10; i++ {
		b.Subscribe(ctx, "tenant-1", fmt.Sprintf("client-%d", i))
	}

	b.Close()
	b.Close() // idempotent

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, time.Second, 10*time.Millisecond, "watcher goroutines must exit on Close")
}

func TestPublish_ConcurrentWithSubscribeUnsubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish("tenant-1", testEvent("tenant-1", EventStepDone))
			}
		}
	}()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			ch, subID := b.Subscribe(ctx, "tenant-1", fmt.Sprintf("client-%d", i))
			// Drain a little, then leave either via ctx or explicit call.
			select {
			case <-ch:
			case <-time.After(10 * time.Millisecond):
			}
			if i%2 == 0 {
				b.Unsubscribe("tenant-1", subID)
				cancel()
			} else {
				cancel()
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}
