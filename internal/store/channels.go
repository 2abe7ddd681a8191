// ABOUTME: Channel persistence for SQLiteStore
// ABOUTME: Channels are looked up by instance name and soft-deactivated, never deleted

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const channelColumns = `id, organization_id, kind, instance_name, status, connection_state, sync_status,
	display_name, avatar_url, phone_number, active, created_at, updated_at`

// CreateChannel inserts a new channel.
// Returns ErrDuplicateChannel if the instance name or the (org, kind) pair is taken.
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *Channel) error {
	now := time.Now().UTC()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	if ch.UpdatedAt.IsZero() {
		ch.UpdatedAt = ch.CreatedAt
	}
	if ch.Status == "" {
		ch.Status = ChannelStatusPending
	}
	if ch.ConnectionState == "" {
		ch.ConnectionState = ConnectionStateConnecting
	}
	if ch.SyncStatus == "" {
		ch.SyncStatus = SyncStatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (`+channelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ch.ID,
		ch.OrganizationID,
		string(ch.Kind),
		ch.InstanceName,
		string(ch.Status),
		string(ch.ConnectionState),
		string(ch.SyncStatus),
		nullString(ch.DisplayName),
		nullString(ch.AvatarURL),
		nullString(ch.PhoneNumber),
		ch.Active,
		formatTime(ch.CreatedAt),
		formatTime(ch.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateChannel
		}
		return fmt.Errorf("inserting channel: %w", err)
	}

	s.logger.Debug("created channel", "id", ch.ID, "instance", ch.InstanceName)
	return nil
}

func scanChannel(row scanner) (*Channel, error) {
	var ch Channel
	var kind, status, state, syncStatus string
	var displayName, avatarURL, phone sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&ch.ID,
		&ch.OrganizationID,
		&kind,
		&ch.InstanceName,
		&status,
		&state,
		&syncStatus,
		&displayName,
		&avatarURL,
		&phone,
		&ch.Active,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	ch.Kind = ChannelKind(kind)
	ch.Status = ChannelStatus(status)
	ch.ConnectionState = ConnectionState(state)
	ch.SyncStatus = SyncStatus(syncStatus)
	ch.DisplayName = fromNull(displayName)
	ch.AvatarURL = fromNull(avatarURL)
	ch.PhoneNumber = fromNull(phone)

	if ch.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if ch.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &ch, nil
}

// GetChannel retrieves a channel by ID.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel: %w", err)
	}
	return ch, nil
}

// GetChannelByInstance retrieves a channel by its bridge instance name.
// Returns ErrNotFound if no channel uses that instance.
func (s *SQLiteStore) GetChannelByInstance(ctx context.Context, instanceName string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE instance_name = ?`, instanceName)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel by instance: %w", err)
	}
	return ch, nil
}

// ListActiveChannels returns every channel that has not been deactivated
func (s *SQLiteStore) ListActiveChannels(ctx context.Context) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+channelColumns+`
		FROM channels
		WHERE active = 1
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel rows: %w", err)
	}
	return channels, nil
}

// UpdateChannel writes the mutable channel fields.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) UpdateChannel(ctx context.Context, ch *Channel) error {
	ch.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE channels
		SET status = ?, connection_state = ?, sync_status = ?, display_name = ?,
			avatar_url = ?, phone_number = ?, active = ?, updated_at = ?
		WHERE id = ?
	`,
		string(ch.Status),
		string(ch.ConnectionState),
		string(ch.SyncStatus),
		nullString(ch.DisplayName),
		nullString(ch.AvatarURL),
		nullString(ch.PhoneNumber),
		ch.Active,
		formatTime(ch.UpdatedAt),
		ch.ID,
	)
	if err != nil {
		return fmt.Errorf("updating channel: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated channel", "id", ch.ID, "status", ch.Status, "state", ch.ConnectionState)
	return nil
}

// UpdateChannelConnection writes the connection fields of a channel: status,
// state and the profile learned on connect. Empty profile fields keep the
// stored value. The sync status and active flag are left alone.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) UpdateChannelConnection(ctx context.Context, ch *Channel) error {
	ch.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE channels
		SET status = ?, connection_state = ?,
			display_name = COALESCE(?, display_name),
			avatar_url = COALESCE(?, avatar_url),
			phone_number = COALESCE(?, phone_number),
			updated_at = ?
		WHERE id = ?
	`,
		string(ch.Status),
		string(ch.ConnectionState),
		nullString(ch.DisplayName),
		nullString(ch.AvatarURL),
		nullString(ch.PhoneNumber),
		formatTime(ch.UpdatedAt),
		ch.ID,
	)
	if err != nil {
		return fmt.Errorf("updating channel connection: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}

	s.logger.Debug("updated channel connection", "id", ch.ID, "status", ch.Status, "state", ch.ConnectionState)
	return nil
}

// UpdateChannelStatus sets only the status of a channel
func (s *SQLiteStore) UpdateChannelStatus(ctx context.Context, id string, status ChannelStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE channels SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("updating channel status: %w", err)
	}
	return requireRow(result)
}

// UpdateChannelAvatar sets only the avatar URL of a channel
func (s *SQLiteStore) UpdateChannelAvatar(ctx context.Context, id, avatarURL string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE channels SET avatar_url = ?, updated_at = ? WHERE id = ?`,
		nullString(avatarURL), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("updating channel avatar: %w", err)
	}
	return requireRow(result)
}

// UpdateChannelSyncStatus sets only the backfill status of a channel
func (s *SQLiteStore) UpdateChannelSyncStatus(ctx context.Context, id string, status SyncStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE channels SET sync_status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating channel sync status: %w", err)
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
