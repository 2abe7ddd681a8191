// ABOUTME: Agent persistence for SQLiteStore
// ABOUTME: Agents map an authenticated user to their private room inside a tenant

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateAgent inserts a new agent
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, organization_id, user_id, name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.OrganizationID, a.UserID, a.Name, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getAgentWhere(ctx context.Context, where string, arg string) (*Agent, error) {
	var a Agent
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, user_id, name, created_at FROM agents WHERE `+where, arg,
	).Scan(&a.ID, &a.OrganizationID, &a.UserID, &a.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.getAgentWhere(ctx, "id = ?", id)
}

// GetAgentByUserID retrieves the agent record for an authenticated user
func (s *SQLiteStore) GetAgentByUserID(ctx context.Context, userID string) (*Agent, error) {
	return s.getAgentWhere(ctx, "user_id = ?", userID)
}
