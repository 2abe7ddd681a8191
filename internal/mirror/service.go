// ABOUTME: Cross-organization conversation mirror between two isolated tenants
// ABOUTME: Copies messages, edits, deletes and read marks into the counterpart tenant's single active conversation

package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tenant"
)

// ErrNotCrossOrg is returned when the conversation's contact is not a counterpart organization
var ErrNotCrossOrg = errors.New("conversation is not cross-org")

// MirrorResult describes what MirrorMessage did in the target tenant
type MirrorResult struct {
	TargetOrganizationID string
	Conversation         *store.Conversation
	Message              *store.Message
	CreatedContact       bool
	CreatedConversation  bool
	Duplicate            bool
}

// Service replicates conversation activity across tenants
type Service struct {
	router tenant.Router
	bus    eventbus.Publisher
	now    func() time.Time
	logger *slog.Logger
}

// New creates a mirror service. Pass nil logger for default.
func New(router tenant.Router, bus eventbus.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		router: router,
		bus:    bus,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "mirror"),
	}
}

// side is one tenant's view: its store and the counterpart contact representing the other org
type side struct {
	org     *store.Organization
	ts      store.TenantStore
	contact *store.Contact
}

// Counterpart returns the organization on the other side of a cross-org
// conversation. Returns ErrNotCrossOrg for any other conversation.
func (s *Service) Counterpart(ctx context.Context, orgID, conversationID string) (string, error) {
	ts, err := s.router.GetConnection(ctx, orgID)
	if err != nil {
		return "", err
	}
	conv, err := ts.GetConversation(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}
	if conv.ContactID == "" {
		return "", ErrNotCrossOrg
	}
	contact, err := ts.GetContact(ctx, conv.ContactID)
	if err != nil {
		return "", fmt.Errorf("loading contact %s: %w", conv.ContactID, err)
	}
	if !contact.Origin.IsCrossOrg() {
		return "", ErrNotCrossOrg
	}
	return contact.Origin.TargetOrganizationID, nil
}

// openTarget opens the target tenant and looks up the contact representing sourceOrgID there
func (s *Service) openTarget(ctx context.Context, targetOrgID, sourceOrgID string) (*side, error) {
	org, err := s.router.Organization(ctx, targetOrgID)
	if err != nil {
		return nil, err
	}
	if org.Status != store.OrganizationActive {
		return nil, fmt.Errorf("%w: %s", tenant.ErrTenantNotActive, targetOrgID)
	}
	ts, err := s.router.GetConnection(ctx, targetOrgID)
	if err != nil {
		return nil, err
	}
	contact, err := ts.GetCounterpartContact(ctx, sourceOrgID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &side{org: org, ts: ts, contact: contact}, nil
}

// activeConversation returns the target's active mirrored conversation, or ErrNotFound
func (t *side) activeConversation(ctx context.Context) (*store.Conversation, error) {
	if t.contact == nil {
		return nil, store.ErrNotFound
	}
	return t.ts.GetActiveConversation(ctx, t.contact.ID)
}

// MirrorMessage copies a new message from sourceOrgID into the counterpart
// tenant. Re-delivery of the same source message is detected by its id and
// leaves the target untouched.
func (s *Service) MirrorMessage(ctx context.Context, sourceOrgID string, msg *store.Message) (*MirrorResult, error) {
	if msg.OriginalMessageID != "" {
		return nil, fmt.Errorf("message %s is itself a mirror", msg.ID)
	}
	targetOrgID, err := s.Counterpart(ctx, sourceOrgID, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	target, err := s.openTarget(ctx, targetOrgID, sourceOrgID)
	if err != nil {
		return nil, err
	}

	result := &MirrorResult{TargetOrganizationID: targetOrgID}

	if target.contact == nil {
		if err := s.createCounterpart(ctx, target, sourceOrgID); err != nil {
			return nil, err
		}
		result.CreatedContact = true
	}

	conv, created, err := s.resolveConversation(ctx, target)
	if err != nil {
		return nil, err
	}
	result.Conversation = conv
	result.CreatedConversation = created

	if existing, err := target.ts.GetMessageByOriginalID(ctx, conv.ID, msg.ID); err == nil {
		return duplicate(result, existing), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	mirrored := &store.Message{
		ID:                    uuid.New().String(),
		ConversationID:        conv.ID,
		ConversationCreatedAt: conv.CreatedAt,
		SenderKind:            store.SenderContact,
		Content:               msg.Content,
		Status:                store.DeliveryDelivered,
		Timestamp:             msg.Timestamp,
		OriginalMessageID:     msg.ID,
	}
	if err := target.ts.CreateMessage(ctx, mirrored); err != nil {
		if !errors.Is(err, store.ErrDuplicateMessage) {
			return nil, fmt.Errorf("inserting mirrored message: %w", err)
		}
		// A concurrent delivery of the same source message inserted first
		existing, err := target.ts.GetMessageByOriginalID(ctx, conv.ID, msg.ID)
		if err != nil {
			return nil, err
		}
		return duplicate(result, existing), nil
	}
	result.Message = mirrored

	if err := target.ts.IncrementParticipantUnread(ctx, conv.ID); err != nil {
		return nil, err
	}
	if err := target.ts.AddConversationMessage(ctx, conv, mirrored); err != nil {
		return nil, fmt.Errorf("updating mirrored conversation: %w", err)
	}

	if created {
		s.publishChat(ctx, eventbus.TypeChatCreated, conv)
	}
	s.publishMessage(ctx, eventbus.TypeMessageCreated, conv, mirrored, "")

	s.logger.Info("mirrored message",
		"source_org", sourceOrgID,
		"target_org", targetOrgID,
		"conversation_id", conv.ID,
		"new_conversation", created)
	return result, nil
}

func duplicate(result *MirrorResult, existing *store.Message) *MirrorResult {
	result.Message = existing
	result.Duplicate = true
	return result
}

func (s *Service) createCounterpart(ctx context.Context, target *side, sourceOrgID string) error {
	source, err := s.router.Organization(ctx, sourceOrgID)
	if err != nil {
		return err
	}
	contact := &store.Contact{
		ID:             uuid.New().String(),
		OrganizationID: target.org.ID,
		Name:           source.Name,
		Origin:         store.CrossOrgOrigin(sourceOrgID),
		Metadata:       map[string]string{"source": "internal", "targetOrganizationId": sourceOrgID},
	}
	if err := target.ts.CreateContact(ctx, contact); err != nil {
		if !errors.Is(err, store.ErrDuplicateContact) {
			return fmt.Errorf("creating counterpart contact: %w", err)
		}
		// Another worker created it first
		contact, err = target.ts.GetCounterpartContact(ctx, sourceOrgID)
		if err != nil {
			return err
		}
	}
	target.contact = contact
	return nil
}

// resolveConversation returns the single active mirrored conversation,
// creating it when none is active. A concurrent creator wins the unique
// index and its conversation is reused.
func (s *Service) resolveConversation(ctx context.Context, target *side) (*store.Conversation, bool, error) {
	conv, err := target.activeConversation(ctx)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	conv = &store.Conversation{
		ID:             uuid.New().String(),
		OrganizationID: target.org.ID,
		MessageSource:  store.MessageSourceInternal,
		ContactID:      target.contact.ID,
		Status:         store.ConversationStatusPending,
	}
	if err := target.ts.CreateConversation(ctx, conv); err != nil {
		if !errors.Is(err, store.ErrActiveConversationExists) {
			return nil, false, fmt.Errorf("creating mirrored conversation: %w", err)
		}
		s.logger.Debug("lost mirrored conversation race, reusing winner", "org_id", target.org.ID)
		conv, err = target.activeConversation(ctx)
		return conv, false, err
	}
	return conv, true, nil
}

// PropagateRead runs when readerOrgID has read conversationID. The
// counterpart's copy of the conversation gets every sent, not-yet-read
// message flipped to read. Returns the number of messages changed.
func (s *Service) PropagateRead(ctx context.Context, readerOrgID, conversationID string) (int, error) {
	targetOrgID, err := s.Counterpart(ctx, readerOrgID, conversationID)
	if err != nil {
		return 0, err
	}
	target, err := s.openTarget(ctx, targetOrgID, readerOrgID)
	if err != nil {
		return 0, err
	}
	conv, err := target.activeConversation(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	changed, err := target.ts.MarkSentMessagesRead(ctx, conv.ID)
	if err != nil {
		return 0, err
	}
	if len(changed) == 0 {
		return 0, nil
	}

	lastChanged := false
	for _, msg := range changed {
		if msg.ID == conv.LastMessageID {
			lastChanged = true
		}
		s.publishMessage(ctx, eventbus.TypeMessageUpdated, conv, msg, eventbus.ChangeStatus)
	}
	if lastChanged {
		conv.LastMessageStatus = store.DeliveryRead
		if err := target.ts.UpdateConversation(ctx, conv); err != nil {
			return len(changed), err
		}
		s.publishChat(ctx, eventbus.TypeChatUpdated, conv)
	}

	s.logger.Debug("propagated read", "reader_org", readerOrgID, "target_org", targetOrgID, "messages", len(changed))
	return len(changed), nil
}

// locateMirror finds the mirrored copy of msg in the counterpart tenant.
// Returns nil with no error when there is nothing to update.
func (s *Service) locateMirror(ctx context.Context, sourceOrgID string, msg *store.Message) (*side, *store.Conversation, *store.Message, error) {
	targetOrgID, err := s.Counterpart(ctx, sourceOrgID, msg.ConversationID)
	if err != nil {
		return nil, nil, nil, err
	}
	target, err := s.openTarget(ctx, targetOrgID, sourceOrgID)
	if err != nil {
		return nil, nil, nil, err
	}
	conv, err := target.activeConversation(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	mirrored, err := target.ts.GetMessageByOriginalID(ctx, conv.ID, msg.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return target, conv, mirrored, nil
}

// PropagateEdit copies msg's content onto its mirror. A missing mirror is a
// no-op and reports false.
func (s *Service) PropagateEdit(ctx context.Context, sourceOrgID string, msg *store.Message) (bool, error) {
	target, conv, mirrored, err := s.locateMirror(ctx, sourceOrgID, msg)
	if err != nil || mirrored == nil {
		return false, err
	}
	if mirrored.Deleted() || mirrored.Content == msg.Content {
		return false, nil
	}

	editedAt := s.now()
	if msg.EditedAt != nil {
		editedAt = *msg.EditedAt
	}
	mirrored.Content = msg.Content
	mirrored.EditedAt = &editedAt
	if err := target.ts.UpdateMessage(ctx, mirrored); err != nil {
		return false, err
	}
	s.publishMessage(ctx, eventbus.TypeMessageUpdated, conv, mirrored, eventbus.ChangeContent)

	if conv.LastMessageID == mirrored.ID {
		conv.ApplyLastMessage(mirrored)
		if err := target.ts.UpdateConversation(ctx, conv); err != nil {
			return true, err
		}
		s.publishChat(ctx, eventbus.TypeChatUpdated, conv)
	}
	return true, nil
}

// PropagateDelete soft-deletes msg's mirror and takes it out of the
// conversation counters, and out of the unread counters of participants who
// had not read it. A missing or already deleted mirror is a no-op.
func (s *Service) PropagateDelete(ctx context.Context, sourceOrgID string, msg *store.Message) (bool, error) {
	target, conv, mirrored, err := s.locateMirror(ctx, sourceOrgID, msg)
	if err != nil || mirrored == nil {
		return false, err
	}
	if mirrored.Deleted() {
		return false, nil
	}

	deletedAt := s.now()
	if msg.DeletedAt != nil {
		deletedAt = *msg.DeletedAt
	}
	deleted, err := target.ts.SoftDeleteMessage(ctx, mirrored, deletedAt)
	if err != nil || !deleted {
		return false, err
	}

	if mirrored.CountsUnread() {
		if _, err := target.ts.DecrementParticipantUnread(ctx, conv.ID, mirrored.Timestamp); err != nil {
			return true, err
		}
	}
	wasLast := conv.LastMessageID == mirrored.ID
	if err := target.ts.RemoveConversationMessage(ctx, conv, mirrored); err != nil {
		return true, err
	}

	s.publishMessage(ctx, eventbus.TypeMessageDeleted, conv, mirrored, "")
	if wasLast {
		s.publishChat(ctx, eventbus.TypeChatUpdated, conv)
	}
	return true, nil
}

func (s *Service) publishMessage(ctx context.Context, eventType string, conv *store.Conversation, msg *store.Message, change string) {
	ev, err := eventbus.MessageEvent(eventType, conv.OrganizationID, conv.AssignedAgentID, msg, change)
	if err != nil {
		s.logger.Error("building message event", "type", eventType, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, eventbus.ChannelMessage, ev); err != nil {
		s.logger.Error("publishing message event", "type", eventType, "message_id", msg.ID, "error", err)
	}
}

func (s *Service) publishChat(ctx context.Context, eventType string, conv *store.Conversation) {
	ev, err := eventbus.ChatEvent(eventType, conv.AssignedAgentID, conv)
	if err != nil {
		s.logger.Error("building chat event", "type", eventType, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, eventbus.ChannelChat, ev); err != nil {
		s.logger.Error("publishing chat event", "type", eventType, "conversation_id", conv.ID, "error", err)
	}
}
