// ABOUTME: Context-aware per-key locks serializing conversation transitions
// ABOUTME: Acquisition respects ctx cancellation so a deadline never strands a key

package engine

import (
	"context"
	"sync"
)

// keyLock is one key's lock slot plus a count of goroutines holding or
// waiting on it. refs keeps the sweep from deleting an entry some
// acquirer already has in hand.
type keyLock struct {
	ch   chan struct{}
	refs int
}

// keyedLocks hands out one lock per conversation key. Locks are
// channel-based so acquisition can be abandoned when the request context
// expires; a sync.Mutex would hold the caller hostage.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[Key]*keyLock
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[Key]*keyLock)}
}

// acquire blocks until the key's lock is held or ctx is done. On success
// the caller must release with the returned function, which is safe on
// every exit path.
func (k *keyedLocks) acquire(ctx context.Context, key Key) (release func(), err error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.unref(l)
		}, nil
	case <-ctx.Done():
		k.unref(l)
		return nil, ctx.Err()
	}
}

func (k *keyedLocks) unref(l *keyLock) {
	k.mu.Lock()
	l.refs--
	k.mu.Unlock()
}

// drop removes the lock entry for a key when no goroutine holds or
// awaits it. Called by the sweep after evicting a conversation so the
// map does not grow with dead keys. A referenced entry stays; the next
// sweep retries.
func (k *keyedLocks) drop(key Key) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if l, ok := k.locks[key]; ok && l.refs == 0 {
		delete(k.locks, key)
	}
}
