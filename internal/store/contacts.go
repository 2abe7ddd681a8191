// ABOUTME: Contact persistence for SQLiteStore
// ABOUTME: Stores the contact origin variant as structured columns with a one-counterpart-per-org index

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const contactColumns = `id, organization_id, name, phone_number, remote_jid, avatar_url,
	origin, target_organization_id, metadata_json, created_at, updated_at`

// CreateContact inserts a new contact.
// Returns ErrDuplicateContact if the remote jid is taken, or if a counterpart
// contact for the same target organization already exists.
func (s *SQLiteStore) CreateContact(ctx context.Context, c *Contact) error {
	if c.Origin.Kind == "" {
		c.Origin = ExternalOrigin()
	}
	if c.Origin.Kind == OriginCrossOrg && c.Origin.TargetOrganizationID == "" {
		return fmt.Errorf("cross-org contact requires a target organization")
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contacts (`+contactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.OrganizationID,
		c.Name,
		nullString(c.PhoneNumber),
		nullString(c.RemoteJID),
		nullString(c.AvatarURL),
		string(c.Origin.Kind),
		nullString(c.Origin.TargetOrganizationID),
		metadata,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateContact
		}
		return fmt.Errorf("inserting contact: %w", err)
	}

	s.logger.Debug("created contact", "id", c.ID, "origin", c.Origin.Kind)
	return nil
}

func scanContact(row scanner) (*Contact, error) {
	var c Contact
	var phone, jid, avatar, target, metadata sql.NullString
	var origin, createdAt, updatedAt string

	err := row.Scan(
		&c.ID,
		&c.OrganizationID,
		&c.Name,
		&phone,
		&jid,
		&avatar,
		&origin,
		&target,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.PhoneNumber = fromNull(phone)
	c.RemoteJID = fromNull(jid)
	c.AvatarURL = fromNull(avatar)
	c.Origin = ContactOrigin{Kind: OriginKind(origin), TargetOrganizationID: fromNull(target)}

	if c.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) getContactWhere(ctx context.Context, where string, args ...any) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE `+where, args...)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact: %w", err)
	}
	return c, nil
}

// GetContact retrieves a contact by ID.
// Returns ErrNotFound if the contact doesn't exist.
func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	return s.getContactWhere(ctx, "id = ?", id)
}

// GetContactByRemoteJID retrieves an external contact by its network address
func (s *SQLiteStore) GetContactByRemoteJID(ctx context.Context, remoteJID string) (*Contact, error) {
	return s.getContactWhere(ctx, "remote_jid = ?", remoteJID)
}

// GetCounterpartContact retrieves the synthetic contact standing in for targetOrgID.
// Returns ErrNotFound if the relationship has never been used from this tenant.
func (s *SQLiteStore) GetCounterpartContact(ctx context.Context, targetOrgID string) (*Contact, error) {
	return s.getContactWhere(ctx, "origin = 'cross_org' AND target_organization_id = ?", targetOrgID)
}
