// ABOUTME: Tests for the broker transports recovering from a dropped connection
// ABOUTME: Scripted sessions cover resubscribe and rebind ordering; real brokers run when their URL is set

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encoded(t *testing.T, channel Channel, id string) string {
	t.Helper()
	payload, err := Encode(channel, &Event{Type: TypeMessageCreated, MessageID: id})
	require.NoError(t, err)
	return string(payload)
}

func receiveID(t *testing.T, ch <-chan Delivery) (Channel, string) {
	t.Helper()
	d := receive(t, ch)
	ev, err := d.Decode()
	require.NoError(t, err)
	return d.Channel, ev.MessageID
}

func assertNoDelivery(t *testing.T, ch <-chan Delivery) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery on %s before every channel was confirmed", d.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reconnect")
		var zero T
		return zero
	}
}

// scriptedPubSub hands the supervisor whatever the test pushes, one item per Receive
type scriptedPubSub struct {
	items chan any
}

func newScriptedPubSub() *scriptedPubSub {
	return &scriptedPubSub{items: make(chan any)}
}

func (p *scriptedPubSub) Receive(ctx context.Context) (any, error) {
	select {
	case it := <-p.items:
		if err, ok := it.(error); ok {
			return nil, err
		}
		return it, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *scriptedPubSub) Close() error { return nil }

func TestRedisBus_ResubscribesEveryChannelBeforeForwarding(t *testing.T) {
	sessions := []*scriptedPubSub{newScriptedPubSub(), newScriptedPubSub()}
	subscribed := make(chan []string, len(sessions))
	var mu sync.Mutex
	next := 0

	bus := &RedisBus{reconnectDelay: time.Millisecond, logger: slog.Default()}
	bus.subscribe = func(_ context.Context, names ...string) pubSub {
		mu.Lock()
		defer mu.Unlock()
		s := sessions[next]
		next++
		subscribed <- names
		return s
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	out, err := bus.Subscribe(ctx, ChannelChat, ChannelMessage)
	require.NoError(t, err)

	first := sessions[0]
	assert.ElementsMatch(t, []string{"chat", "message"}, waitFor(t, subscribed))
	first.items <- &redis.Subscription{Kind: "subscribe", Channel: "chat"}
	first.items <- &redis.Subscription{Kind: "subscribe", Channel: "message"}
	first.items <- &redis.Message{Channel: "chat", Payload: encoded(t, ChannelChat, "m1")}
	_, id := receiveID(t, out)
	assert.Equal(t, "m1", id)

	first.items <- errors.New("read: connection reset by peer")

	second := sessions[1]
	assert.ElementsMatch(t, []string{"chat", "message"}, waitFor(t, subscribed), "every channel is subscribed again")
	second.items <- &redis.Subscription{Kind: "subscribe", Channel: "chat"}
	second.items <- &redis.Message{Channel: "chat", Payload: encoded(t, ChannelChat, "m2")}
	assertNoDelivery(t, out)

	second.items <- &redis.Subscription{Kind: "subscribe", Channel: "message"}
	second.items <- &redis.Message{Channel: "message", Payload: encoded(t, ChannelMessage, "m3")}

	channel, id := receiveID(t, out)
	assert.Equal(t, ChannelChat, channel)
	assert.Equal(t, "m2", id, "a message that arrived during resubscribe is held, not dropped")
	channel, id = receiveID(t, out)
	assert.Equal(t, ChannelMessage, channel)
	assert.Equal(t, "m3", id)
}

// scriptedAMQPSession stands in for one dialed connection and its channel
type scriptedAMQPSession struct {
	mu         sync.Mutex
	ops        []string
	closeCh    chan *amqp.Error
	watching   chan struct{}
	deliveries chan amqp.Delivery
}

func newScriptedAMQPSession() *scriptedAMQPSession {
	return &scriptedAMQPSession{watching: make(chan struct{}), deliveries: make(chan amqp.Delivery)}
}

func (s *scriptedAMQPSession) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

func (s *scriptedAMQPSession) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *scriptedAMQPSession) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	s.mu.Lock()
	s.closeCh = receiver
	s.mu.Unlock()
	close(s.watching)
	return receiver
}

func (s *scriptedAMQPSession) Close() error {
	s.record("close")
	return nil
}

func (s *scriptedAMQPSession) QueueDeclare(string, bool, bool, bool, bool, amqp.Table) (amqp.Queue, error) {
	s.record("declare")
	return amqp.Queue{Name: "amq.gen-test"}, nil
}

func (s *scriptedAMQPSession) QueueBind(_, key, _ string, _ bool, _ amqp.Table) error {
	s.record("bind:" + key)
	return nil
}

func (s *scriptedAMQPSession) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	s.record("consume")
	return s.deliveries, nil
}

func (s *scriptedAMQPSession) drop(err *amqp.Error) {
	s.mu.Lock()
	ch := s.closeCh
	s.mu.Unlock()
	ch <- err
}

func TestAMQPBus_RedialRebindsEveryChannel(t *testing.T) {
	sessions := []*scriptedAMQPSession{newScriptedAMQPSession(), newScriptedAMQPSession()}
	var mu sync.Mutex
	next := 0

	bus := &AMQPBus{exchange: "switchboard", reconnectDelay: time.Millisecond, logger: slog.Default()}
	bus.dialConsumer = func() (consumerConn, consumerChannel, error) {
		mu.Lock()
		defer mu.Unlock()
		s := sessions[next]
		next++
		return s, s, nil
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	out, err := bus.Subscribe(ctx, ChannelChat, ChannelMessage)
	require.NoError(t, err)

	first := sessions[0]
	waitFor(t, first.watching)
	first.deliveries <- amqp.Delivery{RoutingKey: "chat", Body: []byte(encoded(t, ChannelChat, "m1"))}
	_, id := receiveID(t, out)
	assert.Equal(t, "m1", id)

	first.drop(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})

	second := sessions[1]
	waitFor(t, second.watching)
	assert.Equal(t, []string{"declare", "bind:chat", "bind:message", "consume"}, second.recorded(),
		"a fresh queue is bound to every channel before consuming")
	assert.Contains(t, first.recorded(), "close")

	second.deliveries <- amqp.Delivery{RoutingKey: "message", Body: []byte(encoded(t, ChannelMessage, "m2"))}
	second.deliveries <- amqp.Delivery{RoutingKey: "chat", Body: []byte(encoded(t, ChannelChat, "m3"))}
	channel, id := receiveID(t, out)
	assert.Equal(t, ChannelMessage, channel)
	assert.Equal(t, "m2", id)
	channel, id = receiveID(t, out)
	assert.Equal(t, ChannelChat, channel)
	assert.Equal(t, "m3", id)
}

// publishBurst publishes n events per channel and requires every one to arrive in order.
// Deliveries with the marker id are leftovers from awaitFlow and are skipped.
func publishBurst(t *testing.T, bus Bus, out <-chan Delivery, n int, channels ...Channel) {
	t.Helper()
	ctx := t.Context()
	for _, c := range channels {
		for i := range n {
			require.NoError(t, bus.Publish(ctx, c, &Event{Type: TypeMessageCreated, MessageID: fmt.Sprintf("%s-%d", c, i)}))
		}
	}

	got := make(map[Channel][]string)
	for total := 0; total < n*len(channels); {
		channel, id := receiveID(t, out)
		if id == "marker" {
			continue
		}
		got[channel] = append(got[channel], id)
		total++
	}
	for _, c := range channels {
		want := make([]string, n)
		for i := range n {
			want[i] = fmt.Sprintf("%s-%d", c, i)
		}
		assert.Equal(t, want, got[c], "channel %s", c)
	}
}

// awaitFlow publishes markers on c until one comes back, proving the route is bound
func awaitFlow(t *testing.T, bus Bus, out <-chan Delivery, c Channel) {
	t.Helper()
	require.Eventually(t, func() bool {
		if err := bus.Publish(t.Context(), c, &Event{Type: TypeMessageCreated, MessageID: "marker"}); err != nil {
			return false
		}
		select {
		case d := <-out:
			return d.Channel == c
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)
}

func TestRedisBus_ResubscribeAgainstServer(t *testing.T) {
	url := os.Getenv("SWITCHBOARD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SWITCHBOARD_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	bus, err := NewRedisBus(ctx, url, 10*time.Millisecond, nil)
	require.NoError(t, err)
	defer bus.Close()

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	admin := redis.NewClient(opts)
	defer admin.Close()

	out, err := bus.Subscribe(ctx, ChannelChat, ChannelMessage)
	require.NoError(t, err)
	awaitFlow(t, bus, out, ChannelChat)
	awaitFlow(t, bus, out, ChannelMessage)
	publishBurst(t, bus, out, 5, ChannelChat, ChannelMessage)

	require.NoError(t, admin.ClientKillByFilter(ctx, "TYPE", "pubsub").Err())
	awaitFlow(t, bus, out, ChannelChat)
	awaitFlow(t, bus, out, ChannelMessage)
	publishBurst(t, bus, out, 20, ChannelChat, ChannelMessage)
}

func TestAMQPBus_RedialAgainstBroker(t *testing.T) {
	url := os.Getenv("SWITCHBOARD_TEST_AMQP_URL")
	if url == "" {
		t.Skip("SWITCHBOARD_TEST_AMQP_URL not set")
	}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	bus, err := NewAMQPBus(url, fmt.Sprintf("switchboard-test-%d", time.Now().UnixNano()), 10*time.Millisecond, nil)
	require.NoError(t, err)
	defer bus.Close()

	conns := make(chan *amqp.Connection, 4)
	bus.dialConsumer = func() (consumerConn, consumerChannel, error) {
		conn, ch, err := bus.dial()
		if err != nil {
			return nil, nil, err
		}
		conns <- conn
		return conn, ch, nil
	}

	out, err := bus.Subscribe(ctx, ChannelChat, ChannelMessage)
	require.NoError(t, err)
	first := waitFor(t, conns)
	awaitFlow(t, bus, out, ChannelChat)
	awaitFlow(t, bus, out, ChannelMessage)
	publishBurst(t, bus, out, 5, ChannelChat, ChannelMessage)

	require.NoError(t, first.Close())
	waitFor(t, conns)
	awaitFlow(t, bus, out, ChannelChat)
	awaitFlow(t, bus, out, ChannelMessage)
	publishBurst(t, bus, out, 20, ChannelChat, ChannelMessage)
}
