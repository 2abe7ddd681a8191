// ABOUTME: Conversation and participant persistence for SQLiteStore
// ABOUTME: A partial unique index allows one pending/open conversation per contact

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const conversationColumns = `id, created_at, organization_id, channel_id, message_source, contact_id,
	assigned_agent_id, status, last_message_id, last_message_content, last_message_sender_kind,
	last_message_status, last_message_at, unread_count, total_count, updated_at`

// CreateConversation inserts a new conversation.
// Returns ErrActiveConversationExists if the contact already has a pending or
// open conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	if conv.Status == "" {
		conv.Status = ConversationStatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		formatTime(conv.CreatedAt),
		conv.OrganizationID,
		nullString(conv.ChannelID),
		string(conv.MessageSource),
		nullString(conv.ContactID),
		nullString(conv.AssignedAgentID),
		string(conv.Status),
		nullString(conv.LastMessageID),
		nullString(conv.LastMessageContent),
		nullString(string(conv.LastMessageSenderKind)),
		nullString(string(conv.LastMessageStatus)),
		nullTime(conv.LastMessageAt),
		conv.UnreadCount,
		conv.TotalCount,
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrActiveConversationExists
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "contact_id", conv.ContactID, "status", conv.Status)
	return nil
}

func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var createdAt, updatedAt, source, status string
	var channelID, contactID, agentID sql.NullString
	var lastID, lastContent, lastSender, lastStatus, lastAt sql.NullString

	err := row.Scan(
		&conv.ID,
		&createdAt,
		&conv.OrganizationID,
		&channelID,
		&source,
		&contactID,
		&agentID,
		&status,
		&lastID,
		&lastContent,
		&lastSender,
		&lastStatus,
		&lastAt,
		&conv.UnreadCount,
		&conv.TotalCount,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	conv.ChannelID = fromNull(channelID)
	conv.MessageSource = MessageSource(source)
	conv.ContactID = fromNull(contactID)
	conv.AssignedAgentID = fromNull(agentID)
	conv.Status = ConversationStatus(status)
	conv.LastMessageID = fromNull(lastID)
	conv.LastMessageContent = fromNull(lastContent)
	conv.LastMessageSenderKind = SenderKind(fromNull(lastSender))
	conv.LastMessageStatus = DeliveryStatus(fromNull(lastStatus))

	if conv.LastMessageAt, err = parseNullTime(lastAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetActiveConversation returns the pending or open conversation for a contact.
// Returns ErrNotFound if every conversation with the contact is closed or snoozed.
func (s *SQLiteStore) GetActiveConversation(ctx context.Context, contactID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE contact_id = ? AND status IN ('pending', 'open')
		ORDER BY created_at DESC
		LIMIT 1
	`, contactID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active conversation: %w", err)
	}
	return conv, nil
}

// UpdateConversation writes status, assignment and the last-message summary.
// Counters are only changed through AddConversationMessage,
// RemoveConversationMessage and ClearConversationUnread.
// Returns ErrActiveConversationExists if reopening would break the one-active rule.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	conv.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET assigned_agent_id = ?, status = ?, last_message_id = ?, last_message_content = ?,
			last_message_sender_kind = ?, last_message_status = ?, last_message_at = ?, updated_at = ?
		WHERE id = ? AND created_at = ?
	`,
		nullString(conv.AssignedAgentID),
		string(conv.Status),
		nullString(conv.LastMessageID),
		nullString(conv.LastMessageContent),
		nullString(string(conv.LastMessageSenderKind)),
		nullString(string(conv.LastMessageStatus)),
		nullTime(conv.LastMessageAt),
		formatTime(conv.UpdatedAt),
		conv.ID,
		formatTime(conv.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrActiveConversationExists
		}
		return fmt.Errorf("updating conversation: %w", err)
	}
	return requireRow(result)
}

// AddConversationMessage counts msg into the conversation. The counters move in
// SQL so concurrent writers never lose an increment, and the summary follows
// msg only when it is not older than the current last message. conv is
// refreshed from the stored row.
func (s *SQLiteStore) AddConversationMessage(ctx context.Context, conv *Conversation, msg *Message) error {
	unread := 0
	if msg.CountsUnread() {
		unread = 1
	}
	at := formatTime(msg.Timestamp)
	newer := `last_message_at IS NULL OR last_message_at <= ?`

	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET total_count = total_count + 1,
			unread_count = unread_count + ?,
			last_message_id = CASE WHEN `+newer+` THEN ? ELSE last_message_id END,
			last_message_content = CASE WHEN `+newer+` THEN ? ELSE last_message_content END,
			last_message_sender_kind = CASE WHEN `+newer+` THEN ? ELSE last_message_sender_kind END,
			last_message_status = CASE WHEN `+newer+` THEN ? ELSE last_message_status END,
			last_message_at = CASE WHEN `+newer+` THEN ? ELSE last_message_at END,
			updated_at = ?
		WHERE id = ?
	`,
		unread,
		at, msg.ID,
		at, msg.Content,
		at, string(msg.SenderKind),
		at, string(msg.Status),
		at, at,
		formatTime(time.Now().UTC()),
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("counting conversation message: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	return s.refreshConversation(ctx, conv)
}

// RemoveConversationMessage takes a deleted msg out of the counters, flooring
// at zero, and moves the summary to the newest visible message if msg was the
// last one. conv is refreshed from the stored row.
func (s *SQLiteStore) RemoveConversationMessage(ctx context.Context, conv *Conversation, msg *Message) error {
	unread := 0
	if msg.CountsUnread() {
		unread = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Write first so the transaction holds the write lock before reading
	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET total_count = MAX(total_count - 1, 0),
			unread_count = MAX(unread_count - ?, 0),
			updated_at = ?
		WHERE id = ?
	`, unread, formatTime(time.Now().UTC()), conv.ID)
	if err != nil {
		return fmt.Errorf("uncounting conversation message: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}

	latest, err := scanMessage(tx.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND deleted_at IS NULL
		ORDER BY timestamp DESC, created_at DESC LIMIT 1
	`, conv.ID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("querying latest message: %w", err)
	}

	var summary Conversation
	if latest != nil {
		summary.ApplyLastMessage(latest)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = ?, last_message_content = ?, last_message_sender_kind = ?,
			last_message_status = ?, last_message_at = ?
		WHERE id = ? AND last_message_id = ?
	`,
		nullString(summary.LastMessageID),
		nullString(summary.LastMessageContent),
		nullString(string(summary.LastMessageSenderKind)),
		nullString(string(summary.LastMessageStatus)),
		nullTime(summary.LastMessageAt),
		conv.ID,
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message removal: %w", err)
	}
	return s.refreshConversation(ctx, conv)
}

// ClearConversationUnread zeroes the unread counter. conv is refreshed from the
// stored row.
func (s *SQLiteStore) ClearConversationUnread(ctx context.Context, conv *Conversation) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), conv.ID,
	)
	if err != nil {
		return fmt.Errorf("clearing conversation unread: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	return s.refreshConversation(ctx, conv)
}

func (s *SQLiteStore) refreshConversation(ctx context.Context, conv *Conversation) error {
	fresh, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		return err
	}
	*conv = *fresh
	return nil
}

// requireRow maps an update that touched nothing to ErrNotFound
func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddParticipant adds an agent to a conversation. Adding an existing
// participant is a no-op.
func (s *SQLiteStore) AddParticipant(ctx context.Context, p *Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (conversation_id, agent_id, unread_count, last_read_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, agent_id) DO NOTHING
	`, p.ConversationID, p.AgentID, p.UnreadCount, nullTime(p.LastReadAt))
	if err != nil {
		return fmt.Errorf("inserting participant: %w", err)
	}
	return nil
}

// ListParticipants returns the agents taking part in a conversation
func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, agent_id, unread_count, last_read_at
		FROM participants
		WHERE conversation_id = ?
		ORDER BY agent_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		var p Participant
		var lastRead sql.NullString
		if err := rows.Scan(&p.ConversationID, &p.AgentID, &p.UnreadCount, &lastRead); err != nil {
			return nil, fmt.Errorf("scanning participant row: %w", err)
		}
		if p.LastReadAt, err = parseNullTime(lastRead); err != nil {
			return nil, fmt.Errorf("parsing last_read_at: %w", err)
		}
		participants = append(participants, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participant rows: %w", err)
	}
	return participants, nil
}

// IncrementParticipantUnread bumps the unread counter of every participant
func (s *SQLiteStore) IncrementParticipantUnread(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET unread_count = unread_count + 1 WHERE conversation_id = ?`,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("incrementing participant unread: %w", err)
	}
	return nil
}

// DecrementParticipantUnread lowers the unread counter of every participant
// who had not read up to sentAt. Returns the number of participants changed.
func (s *SQLiteStore) DecrementParticipantUnread(ctx context.Context, conversationID string, sentAt time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE participants
		SET unread_count = unread_count - 1
		WHERE conversation_id = ?
			AND unread_count > 0
			AND (last_read_at IS NULL OR last_read_at < ?)
	`, conversationID, formatTime(sentAt))
	if err != nil {
		return 0, fmt.Errorf("decrementing participant unread: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// MarkParticipantRead clears the unread counter of one participant
func (s *SQLiteStore) MarkParticipantRead(ctx context.Context, conversationID, agentID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE participants SET unread_count = 0, last_read_at = ?
		WHERE conversation_id = ? AND agent_id = ?
	`, formatTime(at), conversationID, agentID)
	if err != nil {
		return fmt.Errorf("marking participant read: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
