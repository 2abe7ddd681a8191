// ABOUTME: Resolves where a client's typing indicator should be delivered
// ABOUTME: Handles external, internal private and cross-organization conversations

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tenant"
)

// ErrUnroutable means a typing signal has nobody to go to
var ErrUnroutable = errors.New("typing signal has no target")

// TypingTarget is the routing half of a typing event
type TypingTarget struct {
	OrganizationID string
	TargetAgentID  string
	ChatID         string
}

// TypingData is the payload carried on the typing channel
type TypingData struct {
	ChatID               string `json:"chatId"`
	AgentID              string `json:"agentId"`
	SenderOrganizationID string `json:"senderOrganizationId"`
}

// TypingResolver looks conversations up in the tenant stores
type TypingResolver struct {
	router tenant.Router
}

// NewTypingResolver creates a resolver over router
func NewTypingResolver(router tenant.Router) *TypingResolver {
	return &TypingResolver{router: router}
}

// Resolve finds the target for agentID typing in chatID of orgID
func (r *TypingResolver) Resolve(ctx context.Context, orgID, agentID, chatID string) (*TypingTarget, error) {
	ts, err := r.router.GetConnection(ctx, orgID)
	if err != nil {
		return nil, err
	}
	conv, err := ts.GetConversation(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", chatID, err)
	}

	if conv.MessageSource == store.MessageSourceExternal {
		return &TypingTarget{OrganizationID: orgID, ChatID: chatID}, nil
	}

	if conv.ContactID != "" {
		contact, err := ts.GetContact(ctx, conv.ContactID)
		if err != nil {
			return nil, fmt.Errorf("loading contact %s: %w", conv.ContactID, err)
		}
		if contact.Origin.IsCrossOrg() {
			return r.resolveCrossOrg(ctx, orgID, contact.Origin.TargetOrganizationID)
		}
	}
	return r.resolvePrivate(ctx, ts, orgID, agentID, conv)
}

func (r *TypingResolver) resolvePrivate(ctx context.Context, ts store.TenantStore, orgID, agentID string, conv *store.Conversation) (*TypingTarget, error) {
	participants, err := ts.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("listing participants of %s: %w", conv.ID, err)
	}
	for _, p := range participants {
		if p.AgentID != agentID {
			return &TypingTarget{OrganizationID: orgID, TargetAgentID: p.AgentID, ChatID: conv.ID}, nil
		}
	}
	return nil, fmt.Errorf("%w: no other participant in %s", ErrUnroutable, conv.ID)
}

// resolveCrossOrg points at the counterpart's mirrored conversation. The
// counterpart sees our organization as a contact of its own.
func (r *TypingResolver) resolveCrossOrg(ctx context.Context, orgID, targetOrgID string) (*TypingTarget, error) {
	org, err := r.router.Organization(ctx, targetOrgID)
	if err != nil {
		return nil, err
	}
	if org.Status != store.OrganizationActive {
		return nil, fmt.Errorf("%w: %s", tenant.ErrTenantNotActive, targetOrgID)
	}
	target, err := r.router.GetConnection(ctx, targetOrgID)
	if err != nil {
		return nil, err
	}
	contact, err := target.GetCounterpartContact(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has no counterpart for %s", ErrUnroutable, targetOrgID, orgID)
	}
	if err != nil {
		return nil, err
	}
	mirrored, err := target.GetActiveConversation(ctx, contact.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no active conversation in %s", ErrUnroutable, targetOrgID)
	}
	if err != nil {
		return nil, err
	}
	return &TypingTarget{OrganizationID: targetOrgID, ChatID: mirrored.ID}, nil
}
