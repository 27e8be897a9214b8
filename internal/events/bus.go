// Package events implements the coordinator's in-memory event bus. UI
// clients subscribe for a consistent snapshot plus a live feed; the bus never
// blocks publishers, and slow subscribers are disconnected rather than
// allowed to exert backpressure on the job lifecycle.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

// Type identifies an event on the bus.
type Type string

// Event types.
const (
	TypeFileDiscovered Type = "file.discovered"
	TypeFileAssigned   Type = "file.assigned"
	TypeFileProgress   Type = "file.progress"
	TypeFileCompleted  Type = "file.completed"
	TypeFileFailed     Type = "file.failed"
	TypeFileSkipped    Type = "file.skipped"
	TypeFileRequeued   Type = "file.requeued"

	TypeWorkerRegistered Type = "worker.registered"
	TypeWorkerOffline    Type = "worker.offline"
	TypeWorkerFadeOut    Type = "worker.fade_out"

	TypeClusterPaused  Type = "cluster.paused"
	TypeClusterResumed Type = "cluster.resumed"
)

// isTerminalFileEvent reports whether the event ends a file's assignment, at
// which point its progress limiter can be dropped.
func (t Type) isTerminalFileEvent() bool {
	switch t {
	case TypeFileCompleted, TypeFileFailed, TypeFileSkipped, TypeFileRequeued:
		return true
	}
	return false
}

// Event is one bus message. FileID and WorkerID are set when relevant.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	FileID    uint64    `json:"file_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// SnapshotProvider produces the current cluster state for a new subscriber.
type SnapshotProvider func(ctx context.Context) (any, error)

// Subscription is one client's view of the bus. Events is closed when the
// subscriber is disconnected or the bus shuts down.
type Subscription struct {
	ID     string
	Events chan Event
}

const (
	// subscriberBacklog is the per-subscriber buffer. A subscriber that
	// falls this far behind is disconnected.
	subscriberBacklog = 1000

	// progressEventsPerSecond caps progress ticks per file on the bus.
	progressEventsPerSecond = 5
)

// Bus is a bounded in-memory pub/sub hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	limiters    map[uint64]*rate.Limiter
	snapshot    SnapshotProvider
	closed      bool
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*Subscription),
		limiters:    make(map[uint64]*rate.Limiter),
		logger:      logger.With("component", "event_bus"),
	}
}

// SetSnapshotProvider installs the snapshot source used by Snapshot. Wired
// once at startup, before any subscriber connects.
func (b *Bus) SetSnapshotProvider(p SnapshotProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = p
}

// Snapshot returns the current cluster state for a freshly connected
// subscriber. Clients consume this first, then switch to the live feed.
func (b *Bus) Snapshot(ctx context.Context) (any, error) {
	b.mu.RLock()
	p := b.snapshot
	b.mu.RUnlock()
	if p == nil {
		return nil, nil
	}
	return p(ctx)
}

// Subscribe registers a new subscriber and returns its live channel.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:     ulid.Make().String(),
		Events: make(chan Event, subscriberBacklog),
	}
	if b.closed {
		close(sub.Events)
		return sub
	}
	b.subscribers[sub.ID] = sub
	b.logger.Debug("subscriber added", "subscriber_id", sub.ID)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(subscriberID)
}

func (b *Bus) removeLocked(subscriberID string) {
	if sub, ok := b.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(b.subscribers, subscriberID)
		b.logger.Debug("subscriber removed", "subscriber_id", subscriberID)
	}
}

// Publish delivers an event to all subscribers. Progress ticks are
// rate-limited per file; excess ticks are dropped. State changes and worker
// events always go through. Never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if ev.Type == TypeFileProgress {
		if !b.limiterLocked(ev.FileID).Allow() {
			return
		}
	} else if ev.Type.isTerminalFileEvent() {
		delete(b.limiters, ev.FileID)
	}

	var evicted []string
	for id, sub := range b.subscribers {
		select {
		case sub.Events <- ev:
		default:
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		b.logger.Warn("subscriber too slow, disconnecting", "subscriber_id", id)
		b.removeLocked(id)
	}
}

func (b *Bus) limiterLocked(fileID uint64) *rate.Limiter {
	lim, ok := b.limiters[fileID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(progressEventsPerSecond), progressEventsPerSecond)
		b.limiters[fileID] = lim
	}
	return lim
}

// Close disconnects all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id := range b.subscribers {
		b.removeLocked(id)
	}
	b.limiters = nil
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
