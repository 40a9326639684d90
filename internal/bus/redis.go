package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel shared by gateway instances.
const DefaultRedisChannel = "cloudserve:events"

type envelope struct {
	Origin  string          `json:"origin"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RedisBridge relays bus events between gateway instances over Redis pub/sub,
// so a browser connected to one instance sees runs executed on another.
type RedisBridge struct {
	client  *redis.Client
	channel string
	bus     *MessageBus
	origin  string
}

// NewRedisBridge connects to redisURL (redis://...) and verifies the connection.
func NewRedisBridge(ctx context.Context, redisURL, channel string, mb *MessageBus) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		bus:     mb,
		origin:  uuid.NewString(),
	}, nil
}

// Publish sends a locally originated event to the other instances.
func (b *RedisBridge) Publish(ctx context.Context, ev Event) error {
	data, err := encodeEnvelope(b.origin, ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Run installs the bus relay and forwards remote events to local subscribers
// until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	b.bus.SetRelay(func(ev Event) {
		pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.Publish(pubCtx, ev); err != nil {
			slog.Warn("redis bridge: publish failed", "event", ev.Name, "error", err)
		}
	})
	defer b.bus.SetRelay(nil)

	slog.Info("redis event bridge started", "channel", b.channel, "origin", b.origin)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, origin, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				slog.Warn("redis bridge: bad envelope", "error", err)
				continue
			}
			if origin == b.origin {
				continue
			}
			b.bus.BroadcastLocal(ev)
		}
	}
}

// Close releases the Redis connection.
func (b *RedisBridge) Close() error { return b.client.Close() }

func encodeEnvelope(origin string, ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return json.Marshal(envelope{Origin: origin, Name: ev.Name, Payload: payload})
}

func decodeEnvelope(data []byte) (Event, string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, "", err
	}
	if env.Name == "" {
		return Event{}, "", fmt.Errorf("envelope without event name")
	}
	return Event{Name: env.Name, Payload: env.Payload}, env.Origin, nil
}
