// ABOUTME: Turns bridge message webhooks and history pages into tenant conversations and messages
// ABOUTME: Deduplicates by external id and keeps conversation summaries and counters current

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/bridge"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tenant"
)

// Outcome of handling one inbound message notification
type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUpdated   Outcome = "updated"
	OutcomeIgnored   Outcome = "ignored"
)

// StatusUpdate is a delivery status change reported by the bridge
type StatusUpdate struct {
	KeyID     string
	RemoteJID string
	FromMe    bool
	Status    string
}

// Service ingests messages for every tenant
type Service struct {
	router tenant.Router
	bus    eventbus.Publisher
	prefix string
	logger *slog.Logger
}

// New creates an ingest service. Pass nil logger for default.
func New(router tenant.Router, bus eventbus.Publisher, instancePrefix string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		router: router,
		bus:    bus,
		prefix: instancePrefix,
		logger: logger.With("component", "ingest"),
	}
}

// resolve finds the tenant and channel for an instance
func (s *Service) resolve(ctx context.Context, instance string) (*store.Organization, store.TenantStore, *store.Channel, error) {
	org, ts, err := tenant.ResolveInstance(ctx, s.router, s.prefix, instance)
	if err != nil {
		return nil, nil, nil, err
	}
	ch, err := ts.GetChannelByInstance(ctx, instance)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading channel %s: %w", instance, err)
	}
	return org, ts, ch, nil
}

// HandleUpsert stores a new inbound or outbound message
func (s *Service) HandleUpsert(ctx context.Context, instance string, rec bridge.MessageRecord) (Outcome, error) {
	if rec.Key.RemoteJID == bridge.StatusBroadcastJID {
		return OutcomeIgnored, nil
	}
	org, ts, ch, err := s.resolve(ctx, instance)
	if err != nil {
		return OutcomeIgnored, err
	}
	return s.storeRecord(ctx, org, ts, ch, rec, true)
}

// StoreHistory imports a page of history without publishing per-message
// events. Returns how many messages were new.
func (s *Service) StoreHistory(ctx context.Context, org *store.Organization, ts store.TenantStore, ch *store.Channel, records []bridge.MessageRecord) (int, error) {
	imported := 0
	for _, rec := range records {
		if rec.Key.ID == "" || rec.Key.RemoteJID == "" || rec.Key.RemoteJID == bridge.StatusBroadcastJID {
			continue
		}
		outcome, err := s.storeRecord(ctx, org, ts, ch, rec, false)
		if err != nil {
			return imported, fmt.Errorf("importing %s: %w", rec.Key.ID, err)
		}
		if outcome == OutcomeStored {
			imported++
		}
	}
	return imported, nil
}

func (s *Service) storeRecord(ctx context.Context, org *store.Organization, ts store.TenantStore, ch *store.Channel, rec bridge.MessageRecord, publish bool) (Outcome, error) {
	if _, err := ts.GetMessageByExternalID(ctx, rec.Key.ID); err == nil {
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return OutcomeIgnored, err
	}

	contact, err := s.findOrCreateContact(ctx, org, ts, rec)
	if err != nil {
		return OutcomeIgnored, err
	}
	conv, created, err := s.findOrCreateConversation(ctx, org, ts, ch, contact)
	if err != nil {
		return OutcomeIgnored, err
	}

	msg := &store.Message{
		ID:                    uuid.New().String(),
		ConversationID:        conv.ID,
		ConversationCreatedAt: conv.CreatedAt,
		ExternalID:            rec.Key.ID,
		SenderKind:            store.SenderContact,
		Content:               rec.Message.Text(),
		Status:                store.DeliveryDelivered,
		Timestamp:             rec.Timestamp(),
		Metadata:              map[string]string{"remoteJid": rec.Key.RemoteJID},
	}
	if rec.MessageType != "" {
		msg.Metadata["messageType"] = rec.MessageType
	}
	if rec.Key.FromMe {
		msg.SenderKind = store.SenderAgent
		msg.Status = store.DeliverySent
	}
	if status, ok := MapStatus(rec.Status); ok && msg.Status.Advances(status) {
		msg.Status = status
	}

	if err := ts.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			return OutcomeDuplicate, nil
		}
		return OutcomeIgnored, err
	}

	if msg.CountsUnread() {
		if err := ts.IncrementParticipantUnread(ctx, conv.ID); err != nil {
			return OutcomeIgnored, err
		}
	}
	if err := ts.AddConversationMessage(ctx, conv, msg); err != nil {
		return OutcomeIgnored, fmt.Errorf("updating conversation summary: %w", err)
	}

	if publish {
		if created {
			s.publishChat(ctx, eventbus.TypeChatCreated, conv)
		}
		s.publishMessage(ctx, eventbus.TypeMessageCreated, org.ID, msg, "")
	}

	s.logger.Debug("stored message", "org_id", org.ID, "conversation_id", conv.ID, "external_id", rec.Key.ID)
	return OutcomeStored, nil
}

func (s *Service) findOrCreateContact(ctx context.Context, org *store.Organization, ts store.TenantStore, rec bridge.MessageRecord) (*store.Contact, error) {
	contact, err := ts.GetContactByRemoteJID(ctx, rec.Key.RemoteJID)
	if err == nil {
		return contact, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	phone := bridge.PhoneFromJID(rec.Key.RemoteJID)
	name := phone
	if !rec.Key.FromMe && strings.TrimSpace(rec.PushName) != "" {
		name = strings.TrimSpace(rec.PushName)
	}
	if name == "" {
		name = rec.Key.RemoteJID
	}

	contact = &store.Contact{
		ID:             uuid.New().String(),
		OrganizationID: org.ID,
		Name:           name,
		PhoneNumber:    phone,
		RemoteJID:      rec.Key.RemoteJID,
		Origin:         store.ExternalOrigin(),
	}
	if err := ts.CreateContact(ctx, contact); err != nil {
		// A concurrent webhook created it first
		if errors.Is(err, store.ErrDuplicateContact) {
			return ts.GetContactByRemoteJID(ctx, rec.Key.RemoteJID)
		}
		return nil, err
	}
	return contact, nil
}

func (s *Service) findOrCreateConversation(ctx context.Context, org *store.Organization, ts store.TenantStore, ch *store.Channel, contact *store.Contact) (*store.Conversation, bool, error) {
	conv, err := ts.GetActiveConversation(ctx, contact.ID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	conv = &store.Conversation{
		ID:             uuid.New().String(),
		OrganizationID: org.ID,
		ChannelID:      ch.ID,
		MessageSource:  store.MessageSourceExternal,
		ContactID:      contact.ID,
		Status:         store.ConversationStatusPending,
	}
	if err := ts.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrActiveConversationExists) {
			conv, err = ts.GetActiveConversation(ctx, contact.ID)
			return conv, false, err
		}
		return nil, false, err
	}
	return conv, true, nil
}

// HandleStatusUpdate moves a message forward along the delivery path. Updates
// that would move it backwards are ignored.
func (s *Service) HandleStatusUpdate(ctx context.Context, instance string, u StatusUpdate) (Outcome, error) {
	next, ok := MapStatus(u.Status)
	if !ok {
		s.logger.Debug("unmapped bridge status", "status", u.Status)
		return OutcomeIgnored, nil
	}
	org, ts, _, err := s.resolve(ctx, instance)
	if err != nil {
		return OutcomeIgnored, err
	}

	msg, err := ts.GetMessageByExternalID(ctx, u.KeyID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeIgnored, err
	}
	if !msg.Status.Advances(next) {
		return OutcomeIgnored, nil
	}

	msg.Status = next
	if err := ts.UpdateMessage(ctx, msg); err != nil {
		return OutcomeIgnored, err
	}

	conv, err := ts.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return OutcomeIgnored, err
	}
	if conv.LastMessageID == msg.ID {
		conv.LastMessageStatus = msg.Status
		if err := ts.UpdateConversation(ctx, conv); err != nil {
			return OutcomeIgnored, err
		}
		s.publishChat(ctx, eventbus.TypeChatUpdated, conv)
	}

	s.publishMessage(ctx, eventbus.TypeMessageUpdated, org.ID, msg, eventbus.ChangeStatus)
	return OutcomeUpdated, nil
}

// HandleDelete soft-deletes a message by external id and takes it out of the
// conversation counters the same way a mirrored delete does
func (s *Service) HandleDelete(ctx context.Context, instance string, key bridge.MessageKey) (Outcome, error) {
	org, ts, _, err := s.resolve(ctx, instance)
	if err != nil {
		return OutcomeIgnored, err
	}

	msg, err := ts.GetMessageByExternalID(ctx, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeIgnored, err
	}
	if msg.Deleted() {
		return OutcomeDuplicate, nil
	}

	deleted, err := ts.SoftDeleteMessage(ctx, msg, time.Now().UTC())
	if err != nil {
		return OutcomeIgnored, err
	}
	if !deleted {
		return OutcomeDuplicate, nil
	}

	conv, err := ts.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return OutcomeIgnored, err
	}
	if msg.CountsUnread() {
		if _, err := ts.DecrementParticipantUnread(ctx, conv.ID, msg.Timestamp); err != nil {
			return OutcomeIgnored, err
		}
	}
	wasLast := conv.LastMessageID == msg.ID
	if err := ts.RemoveConversationMessage(ctx, conv, msg); err != nil {
		return OutcomeIgnored, err
	}
	if wasLast {
		s.publishChat(ctx, eventbus.TypeChatUpdated, conv)
	}

	s.publishMessage(ctx, eventbus.TypeMessageDeleted, org.ID, msg, "")
	return OutcomeUpdated, nil
}

func (s *Service) publishMessage(ctx context.Context, eventType, orgID string, msg *store.Message, change string) {
	ev, err := eventbus.MessageEvent(eventType, orgID, "", msg, change)
	if err != nil {
		s.logger.Error("building message event", "type", eventType, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, eventbus.ChannelMessage, ev); err != nil {
		s.logger.Error("publishing message event", "type", eventType, "message_id", msg.ID, "error", err)
	}
}

func (s *Service) publishChat(ctx context.Context, eventType string, conv *store.Conversation) {
	ev, err := eventbus.ChatEvent(eventType, "", conv)
	if err != nil {
		s.logger.Error("building chat event", "type", eventType, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, eventbus.ChannelChat, ev); err != nil {
		s.logger.Error("publishing chat event", "type", eventType, "chat_id", conv.ID, "error", err)
	}
}
