// ABOUTME: In-process fan-out bus used by tests and the single-process "all" mode
// ABOUTME: Delivery is non-blocking; a full subscriber buffer drops the event for that subscriber

package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscription.
	subscriberBufferSize = 256
)

type memorySubscription struct {
	channels map[Channel]bool
	ch       chan Delivery
}

// MemoryBus implements Bus without any external broker
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]*memorySubscription
	closed bool
	logger *slog.Logger
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-process bus. Pass nil logger for default.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subs:   make(map[string]*memorySubscription),
		logger: logger.With("component", "memory-bus"),
	}
}

// Publish fans the event out to every subscription on channel
func (b *MemoryBus) Publish(ctx context.Context, channel Channel, ev *Event) error {
	payload, err := Encode(channel, ev)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send
	for id, sub := range b.subs {
		if !sub.channels[channel] {
			continue
		}
		select {
		case sub.ch <- Delivery{Channel: channel, Payload: payload}:
		default:
			b.logger.Warn("dropped event for slow subscriber",
				"sub_id", id,
				"channel", channel,
				"type", ev.Type)
		}
	}
	return nil
}

// Subscribe registers for the given channels. The subscription is removed and
// its channel closed when ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, channels ...Channel) (<-chan Delivery, error) {
	if err := validateChannels(channels); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		channels: make(map[Channel]bool, len(channels)),
		ch:       make(chan Delivery, subscriberBufferSize),
	}
	for _, c := range channels {
		sub.channels[c] = true
	}
	id := uuid.New().String()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", id, "channels", channels)

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()

	return sub.ch, nil
}

func (b *MemoryBus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
	b.logger.Debug("subscriber removed", "sub_id", id)
}

// Close closes every subscription. Further publishes return ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.closed = true
	return nil
}
