// ABOUTME: Message persistence for SQLiteStore
// ABOUTME: External ids de-duplicate inbound messages, original ids correlate mirrored copies

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, conversation_id, conversation_created_at, external_id, sender_kind, sender_id,
	content, status, timestamp, original_message_id, metadata_json, edited_at, deleted_at, created_at`

// CreateMessage inserts a new message.
// Returns ErrDuplicateMessage if a message with the same external id exists.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = msg.CreatedAt
	}
	if msg.Status == "" {
		msg.Status = DeliveryPending
	}

	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		formatTime(msg.ConversationCreatedAt),
		nullString(msg.ExternalID),
		string(msg.SenderKind),
		nullString(msg.SenderID),
		msg.Content,
		string(msg.Status),
		formatTime(msg.Timestamp),
		nullString(msg.OriginalMessageID),
		metadata,
		nullTime(msg.EditedAt),
		nullTime(msg.DeletedAt),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("created message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

func scanMessage(row scanner) (*Message, error) {
	var msg Message
	var convCreatedAt, senderKind, status, timestamp, createdAt string
	var externalID, senderID, originalID, metadata, editedAt, deletedAt sql.NullString

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&convCreatedAt,
		&externalID,
		&senderKind,
		&senderID,
		&msg.Content,
		&status,
		&timestamp,
		&originalID,
		&metadata,
		&editedAt,
		&deletedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	msg.ExternalID = fromNull(externalID)
	msg.SenderKind = SenderKind(senderKind)
	msg.SenderID = fromNull(senderID)
	msg.Status = DeliveryStatus(status)
	msg.OriginalMessageID = fromNull(originalID)

	if msg.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if msg.ConversationCreatedAt, err = parseTime(convCreatedAt); err != nil {
		return nil, fmt.Errorf("parsing conversation_created_at: %w", err)
	}
	if msg.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if msg.EditedAt, err = parseNullTime(editedAt); err != nil {
		return nil, fmt.Errorf("parsing edited_at: %w", err)
	}
	if msg.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, fmt.Errorf("parsing deleted_at: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteStore) getMessageWhere(ctx context.Context, where string, args ...any) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, args...)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.getMessageWhere(ctx, "id = ?", id)
}

// GetMessageByExternalID retrieves a message by its external network id
func (s *SQLiteStore) GetMessageByExternalID(ctx context.Context, externalID string) (*Message, error) {
	return s.getMessageWhere(ctx, "external_id = ?", externalID)
}

// GetMessageByOriginalID retrieves the mirrored copy of a source-tenant message
// within one conversation
func (s *SQLiteStore) GetMessageByOriginalID(ctx context.Context, conversationID, originalID string) (*Message, error) {
	return s.getMessageWhere(ctx, "conversation_id = ? AND original_message_id = ?", conversationID, originalID)
}

// GetLatestMessage returns the newest non-deleted message of a conversation.
// Returns ErrNotFound if the conversation has no visible messages.
func (s *SQLiteStore) GetLatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	return s.getMessageWhere(ctx, `conversation_id = ? AND deleted_at IS NULL
		ORDER BY timestamp DESC, created_at DESC LIMIT 1`, conversationID)
}

// UpdateMessage writes content, status, metadata and edit/delete markers.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *Message) error {
	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET content = ?, status = ?, metadata_json = ?, edited_at = ?, deleted_at = ?
		WHERE id = ?
	`,
		msg.Content,
		string(msg.Status),
		metadata,
		nullTime(msg.EditedAt),
		nullTime(msg.DeletedAt),
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
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

// SoftDeleteMessage marks a message deleted at the given time. It reports
// false when the message was already deleted, so only one caller of a
// concurrent pair goes on to adjust counters.
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, msg *Message, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		formatTime(at), msg.ID,
	)
	if err != nil {
		return false, fmt.Errorf("deleting message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	msg.DeletedAt = &at
	return true, nil
}

// MarkSentMessagesRead flips every message with a sender that is not yet read
// to read, and returns the messages that changed.
func (s *SQLiteStore) MarkSentMessagesRead(ctx context.Context, conversationID string) ([]*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
			AND sender_id IS NOT NULL
			AND status <> 'read'
			AND deleted_at IS NULL
		ORDER BY timestamp ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying unread messages: %w", err)
	}

	var changed []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		changed = append(changed, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	rows.Close()

	for _, msg := range changed {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = 'read' WHERE id = ?`, msg.ID); err != nil {
			return nil, fmt.Errorf("marking message read: %w", err)
		}
		msg.Status = DeliveryRead
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing read marks: %w", err)
	}
	return changed, nil
}
