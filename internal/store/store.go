// ABOUTME: Store interfaces and data types for per-tenant inbox persistence
// ABOUTME: Defines Channel, Contact, Conversation, Message, Agent and the TenantStore interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when a message with the same external id
// already exists, or the conversation already holds a mirror of the same original
var ErrDuplicateMessage = errors.New("message already exists")

// ErrDuplicateContact is returned when a contact with the same remote jid or
// counterpart organization already exists
var ErrDuplicateContact = errors.New("contact already exists")

// ErrActiveConversationExists is returned when creating a conversation for a
// contact that already has one in pending or open status
var ErrActiveConversationExists = errors.New("active conversation already exists")

// ErrDuplicateChannel is returned when the tenant already has a channel of that kind
// or the instance name is taken
var ErrDuplicateChannel = errors.New("channel already exists")

// ChannelKind is the type of external network connection
type ChannelKind string

const (
	ChannelKindQRSession   ChannelKind = "qr_session"
	ChannelKindOfficialAPI ChannelKind = "official_api"
)

// ChannelStatus is the derived connection status shown to users
type ChannelStatus string

const (
	ChannelStatusPending      ChannelStatus = "pending"
	ChannelStatusConnected    ChannelStatus = "connected"
	ChannelStatusDisconnected ChannelStatus = "disconnected"
	ChannelStatusError        ChannelStatus = "error"
)

// ConnectionState is the raw upstream state reported by the bridge
type ConnectionState string

const (
	ConnectionStateOpen       ConnectionState = "open"
	ConnectionStateClose      ConnectionState = "close"
	ConnectionStateConnecting ConnectionState = "connecting"
)

// Valid reports whether s is one of the known upstream states
func (s ConnectionState) Valid() bool {
	switch s {
	case ConnectionStateOpen, ConnectionStateClose, ConnectionStateConnecting:
		return true
	}
	return false
}

// Status maps an upstream state onto the channel status it implies
func (s ConnectionState) Status() ChannelStatus {
	switch s {
	case ConnectionStateOpen:
		return ChannelStatusConnected
	case ConnectionStateClose:
		return ChannelStatusDisconnected
	case ConnectionStateConnecting:
		return ChannelStatusPending
	}
	return ChannelStatusError
}

// SyncStatus tracks message history backfill progress for a channel
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// Channel is one physical external-network connection owned by a tenant
type Channel struct {
	ID              string
	OrganizationID  string
	Kind            ChannelKind
	InstanceName    string
	Status          ChannelStatus
	ConnectionState ConnectionState
	SyncStatus      SyncStatus
	DisplayName     string
	AvatarURL       string
	PhoneNumber     string
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OriginKind discriminates where a contact comes from
type OriginKind string

const (
	OriginExternal OriginKind = "external"
	OriginCrossOrg OriginKind = "cross_org"
)

// ContactOrigin is a closed tagged variant: either an external network
// contact, or the synthetic counterpart standing in for another organization.
// TargetOrganizationID is only set for OriginCrossOrg.
type ContactOrigin struct {
	Kind                 OriginKind
	TargetOrganizationID string
}

// ExternalOrigin returns the origin for a contact on the external network
func ExternalOrigin() ContactOrigin {
	return ContactOrigin{Kind: OriginExternal}
}

// CrossOrgOrigin returns the origin for a counterpart contact representing targetOrgID
func CrossOrgOrigin(targetOrgID string) ContactOrigin {
	return ContactOrigin{Kind: OriginCrossOrg, TargetOrganizationID: targetOrgID}
}

// IsCrossOrg reports whether the contact is a counterpart organization
func (o ContactOrigin) IsCrossOrg() bool {
	return o.Kind == OriginCrossOrg && o.TargetOrganizationID != ""
}

// Contact is a counterpart in a conversation
type Contact struct {
	ID             string
	OrganizationID string
	Name           string
	PhoneNumber    string
	RemoteJID      string
	AvatarURL      string
	Origin         ContactOrigin
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MessageSource tells whether a conversation runs over the external network
// or stays inside the platform
type MessageSource string

const (
	MessageSourceExternal MessageSource = "external"
	MessageSourceInternal MessageSource = "internal"
)

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationStatusOpen    ConversationStatus = "open"
	ConversationStatusPending ConversationStatus = "pending"
	ConversationStatusClosed  ConversationStatus = "closed"
	ConversationStatusSnoozed ConversationStatus = "snoozed"
)

// Active reports whether the status counts toward the one-active-conversation rule
func (s ConversationStatus) Active() bool {
	return s == ConversationStatusOpen || s == ConversationStatusPending
}

// SenderKind identifies who authored a message
type SenderKind string

const (
	SenderContact SenderKind = "contact"
	SenderAgent   SenderKind = "agent"
	SenderSystem  SenderKind = "system"
)

// DeliveryStatus is the delivery state of a message
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// rank orders statuses along the delivery path. failed sits outside it.
func (s DeliveryStatus) rank() int {
	switch s {
	case DeliveryPending:
		return 0
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return -1
}

// Advances reports whether moving from s to next is forward progress.
// A message never moves back along the delivery path, and only a message
// that has not reached the recipient can fail.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	if next == DeliveryFailed {
		return s == DeliveryPending || s == DeliverySent
	}
	if s == DeliveryFailed {
		return next.rank() >= 0
	}
	return next.rank() > s.rank()
}

// Conversation is one thread between a tenant and a contact or another organization.
// Identity is (ID, CreatedAt).
type Conversation struct {
	ID              string
	CreatedAt       time.Time
	OrganizationID  string
	ChannelID       string
	MessageSource   MessageSource
	ContactID       string
	AssignedAgentID string
	Status          ConversationStatus

	// Denormalized summary of the latest non-deleted message
	LastMessageID         string
	LastMessageContent    string
	LastMessageSenderKind SenderKind
	LastMessageStatus     DeliveryStatus
	LastMessageAt         *time.Time

	UnreadCount int
	TotalCount  int
	UpdatedAt   time.Time
}

// ApplyLastMessage copies msg into the denormalized summary fields
func (c *Conversation) ApplyLastMessage(msg *Message) {
	if msg == nil {
		c.LastMessageID = ""
		c.LastMessageContent = ""
		c.LastMessageSenderKind = ""
		c.LastMessageStatus = ""
		c.LastMessageAt = nil
		return
	}
	ts := msg.Timestamp
	c.LastMessageID = msg.ID
	c.LastMessageContent = msg.Content
	c.LastMessageSenderKind = msg.SenderKind
	c.LastMessageStatus = msg.Status
	c.LastMessageAt = &ts
}

// Participant is an agent taking part in a conversation, with read tracking
type Participant struct {
	ConversationID string
	AgentID        string
	UnreadCount    int
	LastReadAt     *time.Time
}

// Message belongs to a conversation
type Message struct {
	ID                    string
	ConversationID        string
	ConversationCreatedAt time.Time
	ExternalID            string // optional, unique when present
	SenderKind            SenderKind
	SenderID              string // empty means no sender (inbound or mirrored)
	Content               string
	Status                DeliveryStatus
	Timestamp             time.Time
	OriginalMessageID     string // set on mirrored copies, points at the source tenant's message
	Metadata              map[string]string
	EditedAt              *time.Time
	DeletedAt             *time.Time
	CreatedAt             time.Time
}

// Deleted reports whether the message has been soft-deleted
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// CountsUnread reports whether the message is inbound and not yet read, so it
// is part of its conversation's unread counter
func (m *Message) CountsUnread() bool {
	return m.SenderKind == SenderContact && m.Status != DeliveryRead
}

// Agent is a platform user acting inside a tenant
type Agent struct {
	ID             string
	OrganizationID string
	UserID         string
	Name           string
	CreatedAt      time.Time
}

// ChannelStore persists channels
type ChannelStore interface {
	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	GetChannelByInstance(ctx context.Context, instanceName string) (*Channel, error)
	ListActiveChannels(ctx context.Context) ([]*Channel, error)
	UpdateChannel(ctx context.Context, ch *Channel) error
	UpdateChannelSyncStatus(ctx context.Context, id string, status SyncStatus) error
	UpdateChannelConnection(ctx context.Context, ch *Channel) error
	UpdateChannelStatus(ctx context.Context, id string, status ChannelStatus) error
	UpdateChannelAvatar(ctx context.Context, id, avatarURL string) error
}

// ContactStore persists contacts
type ContactStore interface {
	CreateContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, id string) (*Contact, error)
	GetContactByRemoteJID(ctx context.Context, remoteJID string) (*Contact, error)
	GetCounterpartContact(ctx context.Context, targetOrgID string) (*Contact, error)
}

// ConversationStore persists conversations and their participants
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetActiveConversation(ctx context.Context, contactID string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	AddConversationMessage(ctx context.Context, conv *Conversation, msg *Message) error
	RemoveConversationMessage(ctx context.Context, conv *Conversation, msg *Message) error
	ClearConversationUnread(ctx context.Context, conv *Conversation) error

	AddParticipant(ctx context.Context, p *Participant) error
	ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error)
	IncrementParticipantUnread(ctx context.Context, conversationID string) error
	DecrementParticipantUnread(ctx context.Context, conversationID string, sentAt time.Time) (int64, error)
	MarkParticipantRead(ctx context.Context, conversationID, agentID string, at time.Time) error
}

// MessageStore persists messages
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*Message, error)
	GetMessageByOriginalID(ctx context.Context, conversationID, originalID string) (*Message, error)
	GetLatestMessage(ctx context.Context, conversationID string) (*Message, error)
	UpdateMessage(ctx context.Context, msg *Message) error
	SoftDeleteMessage(ctx context.Context, msg *Message, at time.Time) (bool, error)
	MarkSentMessagesRead(ctx context.Context, conversationID string) ([]*Message, error)
}

// AgentStore persists agents
type AgentStore interface {
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByUserID(ctx context.Context, userID string) (*Agent, error)
}

// TenantStore is the full data handle for one tenant's isolated database.
// Implementations must be safe for concurrent use.
type TenantStore interface {
	ChannelStore
	ContactStore
	ConversationStore
	MessageStore
	AgentStore

	Close() error
}
