// ABOUTME: Event envelope, channel set and transport contracts for the event bus
// ABOUTME: Events are JSON with a type discriminator plus enough routing data for the gateway

package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Bus errors
var (
	ErrUnknownChannel = errors.New("unknown bus channel")
	ErrMalformedEvent = errors.New("malformed bus event")
	ErrClosed         = errors.New("bus closed")
)

// Channel is one of the fixed bus channel names
type Channel string

const (
	ChannelProvisioning Channel = "provisioning"
	ChannelSync         Channel = "channel-sync"
	ChannelChat         Channel = "chat"
	ChannelMessage      Channel = "message"
	ChannelTyping       Channel = "typing"
)

// Channels lists every channel a subscriber may listen on
var Channels = []Channel{
	ChannelProvisioning,
	ChannelSync,
	ChannelChat,
	ChannelMessage,
	ChannelTyping,
}

// Valid reports whether c is one of the fixed channels
func (c Channel) Valid() bool {
	switch c {
	case ChannelProvisioning, ChannelSync, ChannelChat, ChannelMessage, ChannelTyping:
		return true
	}
	return false
}

func (c Channel) String() string { return string(c) }

// Event types carried in Event.Type
const (
	// provisioning
	TypeProgress = "progress"
	TypeComplete = "complete"
	TypeError    = "error"

	// channel-sync
	TypeStatus         = "status"
	TypeConnected      = "connected"
	TypeQRCode         = "qrcode"
	TypeSyncStarted    = "sync:started"
	TypeSyncCompleted  = "sync:completed"
	TypeSyncFailed     = "sync:failed"
	TypeProfileUpdated = "profile-updated"

	// chat
	TypeChatCreated = "chat:created"
	TypeChatUpdated = "chat:updated"
	TypeChatRead    = "chat:read"

	// message
	TypeMessageCreated = "message:created"
	TypeMessageUpdated = "message:updated"
	TypeMessageDeleted = "message:deleted"

	// typing
	TypeTypingStart = "typing:start"
	TypeTypingStop  = "typing:stop"
)

// Event is the envelope published on every channel. Routing fields are
// optional per channel; Data is the type-specific payload.
type Event struct {
	Type           string          `json:"type"`
	OrganizationID string          `json:"organizationId,omitempty"`
	TargetAgentID  string          `json:"targetAgentId,omitempty"`
	ChatID         string          `json:"chatId,omitempty"`
	ChannelID      string          `json:"channelId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event of the given type with data marshalled as JSON.
// A nil data leaves Data empty.
func NewEvent(eventType string, data any) (*Event, error) {
	ev := &Event{Type: eventType}
	if data == nil {
		return ev, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s data: %w", eventType, err)
	}
	ev.Data = raw
	return ev, nil
}

// DecodeData unmarshals the event payload into v
func (e *Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedEvent, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, e.Type, err)
	}
	return nil
}

// Encode validates the channel and serialises the event for transport
func Encode(channel Channel, ev *Event) ([]byte, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	if ev == nil || ev.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return json.Marshal(ev)
}

// Delivery is one raw event received on a channel. The bus does not inspect
// payloads; decoding is up to the consumer.
type Delivery struct {
	Channel Channel
	Payload []byte
}

// Decode parses the payload into an Event
func (d Delivery) Decode() (*Event, error) {
	var ev Event
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return &ev, nil
}

// Publisher sends events. Publish is fire-and-forget from the caller's view:
// it returns once the transport accepted the event.
type Publisher interface {
	Publish(ctx context.Context, channel Channel, ev *Event) error
}

// Subscriber streams raw deliveries for the requested channels until ctx is
// cancelled, at which point the returned channel is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...Channel) (<-chan Delivery, error)
}

// Bus is a transport that both publishes and subscribes
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

func validateChannels(channels []Channel) error {
	if len(channels) == 0 {
		return fmt.Errorf("%w: no channels requested", ErrUnknownChannel)
	}
	for _, c := range channels {
		if !c.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownChannel, c)
		}
	}
	return nil
}
