// ABOUTME: Tests for bus event routing to rooms
// ABOUTME: Covers the private vs broadcast split and malformed event handling

package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/eventbus"
)

func TestRoomFor(t *testing.T) {
	tests := []struct {
		name    string
		channel eventbus.Channel
		ev      eventbus.Event
		want    string
	}{
		{"message with target agent", eventbus.ChannelMessage, eventbus.Event{Type: eventbus.TypeMessageCreated, OrganizationID: "org-acme", TargetAgentID: "agent-1"}, "agent:agent-1"},
		{"message without target", eventbus.ChannelMessage, eventbus.Event{Type: eventbus.TypeMessageCreated, OrganizationID: "org-acme"}, "org:org-acme"},
		{"chat with target agent", eventbus.ChannelChat, eventbus.Event{Type: eventbus.TypeChatUpdated, OrganizationID: "org-acme", TargetAgentID: "agent-2"}, "agent:agent-2"},
		{"chat without target", eventbus.ChannelChat, eventbus.Event{Type: eventbus.TypeChatCreated, OrganizationID: "org-acme"}, "org:org-acme"},
		{"sync", eventbus.ChannelSync, eventbus.Event{Type: eventbus.TypeStatus, OrganizationID: "org-acme", TargetAgentID: "ignored"}, "org:org-acme"},
		{"provisioning", eventbus.ChannelProvisioning, eventbus.Event{Type: eventbus.TypeProgress, OrganizationID: "org-acme"}, "org:org-acme"},
		{"typing to agent", eventbus.ChannelTyping, eventbus.Event{Type: eventbus.TypeTypingStart, OrganizationID: "org-acme", TargetAgentID: "agent-3", ChatID: "c1"}, "agent:agent-3"},
		{"typing to org", eventbus.ChannelTyping, eventbus.Event{Type: eventbus.TypeTypingStart, OrganizationID: "org-acme", ChatID: "c1"}, "org:org-acme"},
		{"typing to chat", eventbus.ChannelTyping, eventbus.Event{Type: eventbus.TypeTypingStop, ChatID: "c1"}, "chat:c1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room, err := RoomFor(tt.channel, &tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, room)
		})
	}
}

func TestRoomFor_Unroutable(t *testing.T) {
	_, err := RoomFor(eventbus.ChannelMessage, &eventbus.Event{Type: eventbus.TypeMessageCreated})
	assert.ErrorIs(t, err, eventbus.ErrMalformedEvent)

	_, err = RoomFor(eventbus.ChannelTyping, &eventbus.Event{Type: eventbus.TypeTypingStart})
	assert.ErrorIs(t, err, eventbus.ErrMalformedEvent)

	_, err = RoomFor(eventbus.Channel("bogus"), &eventbus.Event{Type: "x", OrganizationID: "org-acme"})
	assert.ErrorIs(t, err, eventbus.ErrUnknownChannel)
}

func TestEncodeFrame(t *testing.T) {
	frame, err := encodeFrame("joined", roomReply{Room: "org:org-acme"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"joined","data":{"room":"org:org-acme"}}`, string(frame))

	frame, err = encodeFrame("message:created", []byte(`{"type":"message:created"}`))
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(frame, &f))
	assert.Equal(t, "message:created", f.Event)
	assert.JSONEq(t, `{"type":"message:created"}`, string(f.Data))

	frame, err = encodeFrame("ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping"}`, string(frame))
}
