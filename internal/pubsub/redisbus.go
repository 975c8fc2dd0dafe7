package pubsub

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/opsdeck/reprocessor/internal/log"
)

// Bus fans events out to every process subscribed to a Redis channel, with
// a local Broker as the in-process delivery mechanism: Publish writes to
// both the local broker (so same-process observers see it immediately) and
// Redis (so every other worker/serve process's Bus relays it to its own
// local broker). When redisClient is nil, Bus degrades to a bare local
// broker (§4.7: single-process deployments don't need Redis).
type Bus[T any] struct {
	local   *Broker[T]
	redis   *redis.Client
	channel string
}

// NewBus creates a Bus backed by the given Redis client and channel. Pass
// a nil client to run local-broker-only.
func NewBus[T any](redisClient *redis.Client, channel string) *Bus[T] {
	b := &Bus[T]{
		local:   NewBroker[T](),
		redis:   redisClient,
		channel: channel,
	}
	return b
}

// Run subscribes to the Redis channel and relays incoming messages to the
// local broker until ctx is canceled. It is a no-op when Bus has no Redis
// client. Callers should run it in its own goroutine.
func (b *Bus[T]) Run(ctx context.Context) error {
	if b.redis == nil {
		return nil
	}
	sub := b.redis.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var wire wireEvent[T]
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				log.Warn(log.CatWorker, "dropping malformed redis event", "channel", b.channel, "error", err.Error())
				continue
			}
			b.local.Publish(wire.Type, wire.Payload)
		}
	}
}

// Publish delivers eventType/payload to local subscribers immediately and,
// when Redis is configured, publishes it for every other process's Bus to
// relay into its own local broker.
func (b *Bus[T]) Publish(ctx context.Context, eventType EventType, payload T) {
	b.local.Publish(eventType, payload)
	if b.redis == nil {
		return
	}
	wire := wireEvent[T]{Type: eventType, Payload: payload}
	data, err := json.Marshal(wire)
	if err != nil {
		log.Warn(log.CatWorker, "failed to marshal event for redis publish", "error", err.Error())
		return
	}
	if err := b.redis.Publish(ctx, b.channel, data).Err(); err != nil {
		log.Warn(log.CatWorker, "redis publish failed", "channel", b.channel, "error", err.Error())
	}
}

// Subscribe exposes the local broker's subscription surface, so Bus can be
// used anywhere a Subscriber[T] is expected (e.g. the observer hub).
func (b *Bus[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	return b.local.Subscribe(ctx)
}

// Close shuts down the local broker. The Redis client's lifecycle is owned
// by the caller.
func (b *Bus[T]) Close() {
	b.local.Close()
}

type wireEvent[T any] struct {
	Type    EventType `json:"type"`
	Payload T         `json:"payload"`
}
