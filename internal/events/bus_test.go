package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID)

	bus.Publish(Event{Type: TypeFileAssigned, FileID: 1, WorkerID: "w1"})

	ev := <-sub.Events
	assert.Equal(t, TypeFileAssigned, ev.Type)
	assert.Equal(t, uint64(1), ev.FileID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe()
	bus.Unsubscribe(sub.ID)

	_, open := <-sub.Events
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount())
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	slow := bus.Subscribe()
	// Never drained: fill the backlog, then one more
	for i := 0; i <= subscriberBacklog; i++ {
		bus.Publish(Event{Type: TypeFileAssigned, FileID: uint64(i)})
	}

	assert.Zero(t, bus.SubscriberCount())
	// Channel was closed after the buffered events
	n := 0
	for range slow.Events {
		n++
	}
	assert.Equal(t, subscriberBacklog, n)
}

func TestProgressThrottledPerFile(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID)

	// Burst of progress ticks for one file collapses to the limiter burst
	for i := 0; i < 100; i++ {
		bus.Publish(Event{Type: TypeFileProgress, FileID: 7})
	}
	assert.Len(t, sub.Events, progressEventsPerSecond)

	// A different file has its own budget
	bus.Publish(Event{Type: TypeFileProgress, FileID: 8})
	assert.Len(t, sub.Events, progressEventsPerSecond+1)

	// State changes are never throttled
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: TypeFileCompleted, FileID: 7})
	}
	assert.Len(t, sub.Events, progressEventsPerSecond+11)
}

func TestSnapshotProvider(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	snap, err := bus.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)

	bus.SetSnapshotProvider(func(ctx context.Context) (any, error) {
		return map[string]int{"pending": 3}, nil
	})
	snap, err = bus.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"pending": 3}, snap)
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe()
	bus.Close()

	bus.Publish(Event{Type: TypeFileAssigned, FileID: 1})

	_, open := <-sub.Events
	assert.False(t, open)

	// Subscribing after close yields an already-closed channel
	late := bus.Subscribe()
	_, open = <-late.Events
	assert.False(t, open)
}
