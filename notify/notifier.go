// Package notify wakes WAL tailers when new markers are appended.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/waltail/tick"
)

// defaultSignalBufferSize is the buffer size for head-advance channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send);
// a tailer only needs to know that the head moved, not by how much.
const defaultSignalBufferSize = 16

// Signal reports that markers up to Head were appended for DatabaseID
type Signal struct {
	DatabaseID uint64
	Head       tick.Tick
}

// Filter specifies which signals a subscriber wants
type Filter struct {
	DatabaseIDs []uint64 // nil or empty = all databases
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

// matches checks if the database matches this subscription's filter.
func (s *subscription) matches(databaseID uint64) bool {
	if len(s.filter.DatabaseIDs) == 0 {
		return true
	}

	for _, id := range s.filter.DatabaseIDs {
		if id == databaseID {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans head-advance signals out to subscribers. Thread-safe.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	head          atomic.Uint64
	closed        atomic.Bool
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a head-advance signal to all matching subscribers (non-blocking).
func (h *Hub) Signal(databaseID uint64, head tick.Tick) {
	for {
		cur := h.head.Load()
		if uint64(head) <= cur || h.head.CompareAndSwap(cur, uint64(head)) {
			break
		}
	}

	signal := Signal{DatabaseID: databaseID, Head: head}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(databaseID) {
			continue
		}

		select {
		case sub.ch <- signal:
		default:
			// Buffer full, the subscriber already has a pending wakeup
		}
	}
}

// Head returns the largest tick ever signalled
func (h *Hub) Head() tick.Tick {
	return tick.Tick(h.head.Load())
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// The cancel function is idempotent. After Close, Subscribe returns a closed channel.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Close closes every subscription channel
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed.Store(true)
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
