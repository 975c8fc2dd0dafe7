// Package observer implements the live event fan-out described in §4.7:
// a mutex-guarded set of websocket subscriber sessions that relay every
// bus message to every connected observer, dropping any subscriber whose
// send fails.
package observer

import (
	"context"
	"sync"

	"github.com/opsdeck/reprocessor/internal/events"
	"github.com/opsdeck/reprocessor/internal/log"
	"github.com/opsdeck/reprocessor/internal/pubsub"
)

// Subscriber is the subset of *websocket.Conn the Hub needs, so tests can
// substitute a fake without a real connection.
type Subscriber interface {
	Write(ctx context.Context, v any) error
}

// Bus is the subset of pubsub.Bus[events.Event] the Hub consumes.
type Bus interface {
	Subscribe(ctx context.Context) <-chan pubsub.Event[events.Event]
}

// Hub maintains the live subscriber set and relays every event published
// on Bus to each of them. A send failure removes that subscriber. Sends
// run one subscriber after another with no per-send timeout, so a slow
// connection delays the subscribers after it and the next event (§5
// "observer set is guarded by a local mutex; bus publication is lock-free").
type Hub struct {
	mu   sync.Mutex
	subs map[string]Subscriber
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]Subscriber)}
}

// Add registers a subscriber under id, replacing any prior session with
// the same id.
func (h *Hub) Add(id string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[id] = sub
}

// Remove drops a subscriber session, if still present.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Run relays Bus events to every subscriber until ctx is canceled.
func (h *Hub) Run(ctx context.Context, bus Bus) {
	ch := bus.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(ctx, evt.Payload)
		}
	}
}

// broadcast sends payload to every subscriber in turn, dropping (removing)
// any whose Write fails. The hub lock is not held while writing, but each
// Write waits for the previous one to return.
func (h *Hub) broadcast(ctx context.Context, payload events.Event) {
	h.mu.Lock()
	targets := make(map[string]Subscriber, len(h.subs))
	for id, sub := range h.subs {
		targets[id] = sub
	}
	h.mu.Unlock()

	for id, sub := range targets {
		if err := sub.Write(ctx, payload); err != nil {
			log.Debug(log.CatObs, "dropping subscriber after write failure", "subscriber_id", id, "error", err.Error())
			h.Remove(id)
		}
	}
}

// Count reports the number of live subscriber sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
