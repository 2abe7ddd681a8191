// ABOUTME: Client-facing payload shapes for chat and message events
// ABOUTME: Builders fill the routing fields so every publisher emits the same envelope

package eventbus

import (
	"time"

	"github.com/2389/switchboard/internal/store"
)

// Change values carried by message:updated
const (
	ChangeContent = "content"
	ChangeStatus  = "status"
)

// MessageData is the payload of message:* events
type MessageData struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversationId"`
	SenderKind        string     `json:"senderKind"`
	SenderID          string     `json:"senderId,omitempty"`
	Content           string     `json:"content"`
	Status            string     `json:"status"`
	Timestamp         time.Time  `json:"timestamp"`
	OriginalMessageID string     `json:"originalMessageId,omitempty"`
	EditedAt          *time.Time `json:"editedAt,omitempty"`
	DeletedAt         *time.Time `json:"deletedAt,omitempty"`
	Change            string     `json:"change,omitempty"`
}

// ChatData is the payload of chat:* events
type ChatData struct {
	ID                    string     `json:"id"`
	ContactID             string     `json:"contactId,omitempty"`
	ChannelID             string     `json:"channelId,omitempty"`
	MessageSource         string     `json:"messageSource"`
	Status                string     `json:"status"`
	AssignedAgentID       string     `json:"assignedAgentId,omitempty"`
	LastMessageContent    string     `json:"lastMessageContent,omitempty"`
	LastMessageSenderKind string     `json:"lastMessageSenderKind,omitempty"`
	LastMessageStatus     string     `json:"lastMessageStatus,omitempty"`
	LastMessageAt         *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount           int        `json:"unreadCount"`
	TotalCount            int        `json:"totalCount"`
}

// MessageEvent builds a message:* event for msg in orgID. targetAgentID may be
// empty for org-wide delivery.
func MessageEvent(eventType, orgID, targetAgentID string, msg *store.Message, change string) (*Event, error) {
	ev, err := NewEvent(eventType, MessageData{
		ID:                msg.ID,
		ConversationID:    msg.ConversationID,
		SenderKind:        string(msg.SenderKind),
		SenderID:          msg.SenderID,
		Content:           msg.Content,
		Status:            string(msg.Status),
		Timestamp:         msg.Timestamp,
		OriginalMessageID: msg.OriginalMessageID,
		EditedAt:          msg.EditedAt,
		DeletedAt:         msg.DeletedAt,
		Change:            change,
	})
	if err != nil {
		return nil, err
	}
	ev.OrganizationID = orgID
	ev.TargetAgentID = targetAgentID
	ev.ChatID = msg.ConversationID
	ev.MessageID = msg.ID
	return ev, nil
}

// ChatEvent builds a chat:* event for conv
func ChatEvent(eventType, targetAgentID string, conv *store.Conversation) (*Event, error) {
	ev, err := NewEvent(eventType, ChatData{
		ID:                    conv.ID,
		ContactID:             conv.ContactID,
		ChannelID:             conv.ChannelID,
		MessageSource:         string(conv.MessageSource),
		Status:                string(conv.Status),
		AssignedAgentID:       conv.AssignedAgentID,
		LastMessageContent:    conv.LastMessageContent,
		LastMessageSenderKind: string(conv.LastMessageSenderKind),
		LastMessageStatus:     string(conv.LastMessageStatus),
		LastMessageAt:         conv.LastMessageAt,
		UnreadCount:           conv.UnreadCount,
		TotalCount:            conv.TotalCount,
	})
	if err != nil {
		return nil, err
	}
	ev.OrganizationID = conv.OrganizationID
	ev.TargetAgentID = targetAgentID
	ev.ChatID = conv.ID
	return ev, nil
}
