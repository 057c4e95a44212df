package channelhub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Envelope carries a hub message between server instances.
type Envelope struct {
	Origin      string  `json:"origin"`
	WorkspaceID string  `json:"workspaceId"`
	Message     Message `json:"message"`
}

// Broker relays envelopes between hubs. Subscribe blocks until ctx ends.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handle func(Envelope)) error
	Close() error
}

const DefaultRedisChannel = "relaystate:hub"

type RedisBroker struct {
	client  *redis.Client
	channel string
}

// NewRedisBroker connects to rawURL (redis://…) and verifies the server
// answers a PING.
func NewRedisBroker(ctx context.Context, rawURL, channel string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBrokerWithClient(client, channel), nil
}

func NewRedisBrokerWithClient(client *redis.Client, channel string) *RedisBroker {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBroker{client: client, channel: channel}
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, handle func(Envelope)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			handle(env)
		}
	}
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
