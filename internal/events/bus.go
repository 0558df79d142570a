package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// Type identifies an engine notification.
type Type string

const (
	SyncStarted         Type = "sync-started"
	SyncFinished        Type = "sync-finished"
	SyncItemSucceeded   Type = "sync-item-succeeded"
	SyncItemRetrying    Type = "sync-item-retrying"
	SyncItemFailed      Type = "sync-item-failed"
	ConflictDetected    Type = "conflict-detected"
	ConflictResolved    Type = "conflict-resolved"
	ConflictEscalated   Type = "conflict-escalated"
	ConflictFailed      Type = "conflict-failed"
	StorageUnavailable  Type = "storage-unavailable"
	ConnectivityChanged Type = "connectivity-changed"
)

// Event is a fire-and-forget notification for UI collaborators.
// Only the fields relevant to Type are set.
type Event struct {
	Type Type      `json:"type"`
	At   time.Time `json:"at"`

	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	QueueID    int64  `json:"queue_id,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`

	ConflictID string         `json:"conflict_id,omitempty"`
	Severity   model.Severity `json:"severity,omitempty"`
	Strategy   model.Strategy `json:"strategy,omitempty"`

	Online *bool  `json:"online,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DefaultBuffer is the per-subscriber channel capacity used when none is given.
const DefaultBuffer = 64

// Subscription receives events published after it was created.
type Subscription struct {
	id int
	ch chan Event
}

// C returns the delivery channel. It is closed by Unsubscribe or Bus.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Bus is a typed broadcast channel.
//
// Publish never blocks: each subscriber owns a buffered channel and an
// event that does not fit is dropped for that subscriber only and counted.
// Delivery order per subscriber matches publish order.
//
// Thread-safety: all methods are safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool

	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size.
// A non-positive size uses DefaultBuffer. Subscribing to a closed bus
// returns a subscription whose channel is already closed.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return &Subscription{id: -1, ch: ch}
	}
	b.nextID++
	b.subs[b.nextID] = ch
	return &Subscription{id: b.nextID, ch: ch}
}

// Unsubscribe removes the subscription and closes its channel.
// Safe to call more than once.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(ch)
	}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were discarded because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
