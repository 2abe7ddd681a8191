// ABOUTME: AMQP transport for the event bus over a durable topic exchange
// ABOUTME: Each subscriber owns an exclusive queue that is redeclared and rebound after every reconnect

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus routes events through a topic exchange using the channel name as routing key
type AMQPBus struct {
	url            string
	exchange       string
	reconnectDelay time.Duration
	logger         *slog.Logger

	// single publishing connection keeps per-process publish order
	mu      sync.Mutex
	pubConn *amqp.Connection
	pubCh   *amqp.Channel
	closed  bool

	dialConsumer func() (consumerConn, consumerChannel, error)
}

// consumerConn is the part of *amqp.Connection a consumer session watches
type consumerConn interface {
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// consumerChannel is the part of *amqp.Channel a consumer session declares and binds on
type consumerChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

var _ Bus = (*AMQPBus)(nil)

// NewAMQPBus dials the broker and declares the exchange
func NewAMQPBus(url, exchange string, reconnectDelay time.Duration, logger *slog.Logger) (*AMQPBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &AMQPBus{
		url:            url,
		exchange:       exchange,
		reconnectDelay: reconnectDelay,
		logger:         logger.With("component", "amqp-bus"),
	}
	b.dialConsumer = func() (consumerConn, consumerChannel, error) {
		conn, ch, err := b.dial()
		if err != nil {
			return nil, nil, err
		}
		return conn, ch, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectPublisherLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBus) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declaring exchange %s: %w", b.exchange, err)
	}
	return conn, ch, nil
}

func (b *AMQPBus) connectPublisherLocked() error {
	conn, ch, err := b.dial()
	if err != nil {
		return err
	}
	b.pubConn = conn
	b.pubCh = ch
	return nil
}

func (b *AMQPBus) resetPublisherLocked() {
	if b.pubConn != nil {
		b.pubConn.Close()
	}
	b.pubConn = nil
	b.pubCh = nil
}

// Publish sends the event to the exchange. A broken publishing connection is
// redialed once before giving up.
func (b *AMQPBus) Publish(ctx context.Context, channel Channel, ev *Event) error {
	payload, err := Encode(channel, ev)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Type:         ev.Type,
		Body:         payload,
	}

	for attempt := 0; attempt < 2; attempt++ {
		if b.pubConn == nil || b.pubConn.IsClosed() {
			b.resetPublisherLocked()
			if err = b.connectPublisherLocked(); err != nil {
				continue
			}
		}
		err = b.pubCh.PublishWithContext(ctx, b.exchange, channel.String(), false, false, msg)
		if err == nil {
			return nil
		}
		b.logger.Warn("publish failed, redialing", "channel", channel, "error", err)
		b.resetPublisherLocked()
	}
	return fmt.Errorf("publishing to %s: %w", channel, err)
}

// Subscribe starts a supervised consumer bound to channels
func (b *AMQPBus) Subscribe(ctx context.Context, channels ...Channel) (<-chan Delivery, error) {
	if err := validateChannels(channels); err != nil {
		return nil, err
	}
	out := make(chan Delivery, subscriberBufferSize)
	go b.supervise(ctx, channels, out)
	return out, nil
}

func (b *AMQPBus) supervise(ctx context.Context, channels []Channel, out chan<- Delivery) {
	defer close(out)

	bo := newBackoff(b.reconnectDelay)
	for ctx.Err() == nil {
		err := b.consume(ctx, channels, out, bo)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("consumer lost, reconnecting", "error", err)
		if !bo.wait(ctx) {
			return
		}
	}
}

// consume declares a fresh exclusive queue, binds every channel and forwards
// deliveries until the connection drops
func (b *AMQPBus) consume(ctx context.Context, channels []Channel, out chan<- Delivery, bo *backoff) error {
	conn, ch, err := b.dialConsumer()
	if err != nil {
		return err
	}
	defer conn.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}
	for _, c := range channels {
		if err := ch.QueueBind(q.Name, c.String(), b.exchange, false, nil); err != nil {
			return fmt.Errorf("binding %s: %w", c, err)
		}
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	bo.reset()
	b.logger.Info("subscribed", "queue", q.Name, "channels", channels)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			select {
			case out <- Delivery{Channel: Channel(d.RoutingKey), Payload: d.Body}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Close shuts down the publishing connection. Subscriptions end with their contexts.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.pubConn == nil {
		return nil
	}
	err := b.pubConn.Close()
	b.pubConn = nil
	b.pubCh = nil
	return err
}
