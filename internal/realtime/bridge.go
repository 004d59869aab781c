package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/casafind/marketplace/internal/platform/observability"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Bridge connects the local bus to a Redis pub/sub channel so mutation
// events made by one service instance reach the refresh coordinators of
// every other instance. Delivery is best-effort with no ordering
// guarantee, same as the local bus.
type Bridge struct {
	client  *redis.Client
	bus     *Bus
	channel string
	origin  string
	logger  *observability.Logger
	sub     *redis.PubSub
}

// wireEvent is the JSON payload on the Redis channel.
type wireEvent struct {
	Name      string `json:"name"`
	RelatedID string `json:"related_id,omitempty"`
	Origin    string `json:"origin"`
}

// NewBridge creates a bridge over the given Redis client and channel.
func NewBridge(client *redis.Client, bus *Bus, channel string, logger *observability.Logger) *Bridge {
	return &Bridge{
		client:  client,
		bus:     bus,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Start subscribes to the Redis channel and republishes received mutation
// events on the local bus. Events broadcast by this instance are skipped
// so local mutations are not applied twice.
func (b *Bridge) Start(ctx context.Context) error {
	b.sub = b.client.Subscribe(ctx, b.channel)

	// Force the subscription to be established before returning.
	if _, err := b.sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	go func() {
		for msg := range b.sub.Channel() {
			var ev wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				if b.logger != nil {
					b.logger.LogWarn(ctx, "dropping malformed bridge event", "error", err)
				}
				continue
			}
			if ev.Origin == b.origin {
				continue
			}
			b.bus.Publish(Event{
				Topic:     TopicMutation,
				Name:      ev.Name,
				RelatedID: ev.RelatedID,
			})
		}
	}()

	return nil
}

// Broadcast publishes a mutation event to the Redis channel for other
// instances. The local bus is not touched; the caller publishes locally
// itself.
func (b *Bridge) Broadcast(ctx context.Context, name, relatedID string) error {
	payload, err := json.Marshal(wireEvent{
		Name:      name,
		RelatedID: relatedID,
		Origin:    b.origin,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal bridge event: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to broadcast on %s: %w", b.channel, err)
	}
	return nil
}

// Close tears down the Redis subscription.
func (b *Bridge) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Close()
}
