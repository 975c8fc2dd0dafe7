package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsdeck/reprocessor/internal/events"
	"github.com/opsdeck/reprocessor/internal/pubsub"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	received []events.Event
	failNext bool
}

func (f *fakeSubscriber) Write(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("write failed")
	}
	f.received = append(f.received, v.(events.Event))
	return nil
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestHub_Broadcast_DeliversToAllSubscribers(t *testing.T) {
	hub := NewHub()
	a, b := &fakeSubscriber{}, &fakeSubscriber{}
	hub.Add("a", a)
	hub.Add("b", b)

	hub.broadcast(context.Background(), events.Event{Kind: events.TaskStarted, TaskID: 1})

	require.Equal(t, 1, a.count())
	require.Equal(t, 1, b.count())
}

func TestHub_Broadcast_DropsSubscriberOnWriteFailure(t *testing.T) {
	hub := NewHub()
	bad := &fakeSubscriber{failNext: true}
	hub.Add("bad", bad)
	require.Equal(t, 1, hub.Count())

	hub.broadcast(context.Background(), events.Event{Kind: events.TaskStarted})

	require.Equal(t, 0, hub.Count(), "a subscriber whose write fails must be dropped")
}

func TestHub_Run_RelaysBusEventsUntilCanceled(t *testing.T) {
	bus := pubsub.NewBus[events.Event](nil, "")
	hub := NewHub()
	sub := &fakeSubscriber{}
	hub.Add("a", sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx, bus)
		close(done)
	}()

	bus.Publish(ctx, pubsub.CreatedEvent, events.Event{Kind: events.WorkerHeartbeat})

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Hub.Run did not stop after ctx cancellation")
	}
}
