// ABOUTME: Redis pub/sub transport for the event bus
// ABOUTME: A supervisor re-subscribes every channel after any receive error before forwarding again

package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes with PUBLISH and subscribes with SUBSCRIBE on one client
type RedisBus struct {
	client         *redis.Client
	reconnectDelay time.Duration
	logger         *slog.Logger

	subscribe func(ctx context.Context, names ...string) pubSub
}

// pubSub is the part of *redis.PubSub a subscription session reads from
type pubSub interface {
	Receive(ctx context.Context) (any, error)
	Close() error
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus connects to the Redis server at url and verifies it responds
func NewRedisBus(ctx context.Context, url string, reconnectDelay time.Duration, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	b := &RedisBus{
		client:         client,
		reconnectDelay: reconnectDelay,
		logger:         logger.With("component", "redis-bus"),
	}
	b.subscribe = func(ctx context.Context, names ...string) pubSub {
		return b.client.Subscribe(ctx, names...)
	}
	return b, nil
}

// Publish sends the event with PUBLISH on the channel name
func (b *RedisBus) Publish(ctx context.Context, channel Channel, ev *Event) error {
	payload, err := Encode(channel, ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel.String(), payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts a supervised subscription to channels
func (b *RedisBus) Subscribe(ctx context.Context, channels ...Channel) (<-chan Delivery, error) {
	if err := validateChannels(channels); err != nil {
		return nil, err
	}
	out := make(chan Delivery, subscriberBufferSize)
	go b.supervise(ctx, channels, out)
	return out, nil
}

func (b *RedisBus) supervise(ctx context.Context, channels []Channel, out chan<- Delivery) {
	defer close(out)

	names := make([]string, len(channels))
	for i, c := range channels {
		names[i] = c.String()
	}

	bo := newBackoff(b.reconnectDelay)
	for ctx.Err() == nil {
		err := b.runSubscription(ctx, names, out, bo)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("subscription lost, resubscribing", "error", err, "channels", names)
		if !bo.wait(ctx) {
			return
		}
	}
}

// runSubscription subscribes, waits for every confirmation and forwards
// messages until a receive error. Messages that arrive before the last
// confirmation are held back and forwarded once the subscription is complete.
func (b *RedisBus) runSubscription(ctx context.Context, names []string, out chan<- Delivery, bo *backoff) error {
	ps := b.subscribe(ctx, names...)
	defer ps.Close()

	confirmed := make(map[string]bool, len(names))
	var early []*redis.Message
	for len(confirmed) < len(names) {
		msg, err := ps.Receive(ctx)
		if err != nil {
			return fmt.Errorf("awaiting subscription confirmation: %w", err)
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				confirmed[m.Channel] = true
			}
		case *redis.Message:
			early = append(early, m)
		}
	}

	bo.reset()
	b.logger.Info("subscribed", "channels", names)

	for _, m := range early {
		if !b.forward(ctx, m, out) {
			return ctx.Err()
		}
	}

	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			return err
		}
		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		if !b.forward(ctx, m, out) {
			return ctx.Err()
		}
	}
}

func (b *RedisBus) forward(ctx context.Context, m *redis.Message, out chan<- Delivery) bool {
	d := Delivery{Channel: Channel(m.Channel), Payload: []byte(m.Payload)}
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close releases the client and its connections
func (b *RedisBus) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}
