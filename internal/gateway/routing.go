// ABOUTME: Maps bus events to the room that should receive them
// ABOUTME: Targeted events go to one agent; everything else stays inside its tenant

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/2389/switchboard/internal/eventbus"
)

// RoomFor picks the single room an event fans out to.
//
// chat and message events with a target agent are private to that agent;
// without one they are broadcast to the organization. Sync and provisioning
// events always go to the organization. Typing events prefer the agent, then
// the organization, then the conversation room.
func RoomFor(channel eventbus.Channel, ev *eventbus.Event) (string, error) {
	switch channel {
	case eventbus.ChannelChat, eventbus.ChannelMessage:
		if ev.TargetAgentID != "" {
			return AgentRoom(ev.TargetAgentID), nil
		}
		if ev.OrganizationID != "" {
			return OrgRoom(ev.OrganizationID), nil
		}
	case eventbus.ChannelSync, eventbus.ChannelProvisioning:
		if ev.OrganizationID != "" {
			return OrgRoom(ev.OrganizationID), nil
		}
	case eventbus.ChannelTyping:
		switch {
		case ev.TargetAgentID != "":
			return AgentRoom(ev.TargetAgentID), nil
		case ev.OrganizationID != "":
			return OrgRoom(ev.OrganizationID), nil
		case ev.ChatID != "":
			return ChatRoom(ev.ChatID), nil
		}
	default:
		return "", fmt.Errorf("%w: %q", eventbus.ErrUnknownChannel, channel)
	}
	return "", fmt.Errorf("%w: %s on %s has no routing target", eventbus.ErrMalformedEvent, ev.Type, channel)
}

func encodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s frame: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
