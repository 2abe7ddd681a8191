// ABOUTME: Forwards "available" presence for external conversations to the bridge
// ABOUTME: Suppresses repeats for the same conversation inside the configured window

package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/switchboard/internal/bridge"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tenant"
)

const presenceAvailable = "available"

// PresenceSender is the part of the bridge client used for presence
type PresenceSender interface {
	SendPresence(ctx context.Context, instance, number, presence string) error
}

// Presence relays presence signals upstream at most once per window per conversation
type Presence struct {
	router tenant.Router
	sender PresenceSender
	seen   *dedupe.Cache
	logger *slog.Logger
}

// NewPresence creates a relay. Pass nil logger for default.
func NewPresence(router tenant.Router, sender PresenceSender, seen *dedupe.Cache, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{
		router: router,
		sender: sender,
		seen:   seen,
		logger: logger.With("component", "presence"),
	}
}

// Available sends an "available" presence for chatID unless one was accepted
// recently. Returns whether a call went upstream. Internal conversations have
// no upstream and return false.
func (p *Presence) Available(ctx context.Context, orgID, chatID string) (bool, error) {
	ts, err := p.router.GetConnection(ctx, orgID)
	if err != nil {
		return false, err
	}
	conv, err := ts.GetConversation(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("loading conversation %s: %w", chatID, err)
	}
	if conv.MessageSource != store.MessageSourceExternal || conv.ChannelID == "" {
		return false, nil
	}

	key := orgID + ":" + chatID
	if !p.seen.Allow(key) {
		p.logger.Debug("presence suppressed", "org_id", orgID, "chat_id", chatID)
		return false, nil
	}

	if err := p.send(ctx, ts, conv); err != nil {
		// Let the next viewer try again
		p.seen.Forget(key)
		return false, err
	}
	return true, nil
}

func (p *Presence) send(ctx context.Context, ts store.TenantStore, conv *store.Conversation) error {
	ch, err := ts.GetChannel(ctx, conv.ChannelID)
	if err != nil {
		return fmt.Errorf("loading channel %s: %w", conv.ChannelID, err)
	}
	contact, err := ts.GetContact(ctx, conv.ContactID)
	if err != nil {
		return fmt.Errorf("loading contact %s: %w", conv.ContactID, err)
	}

	number := contact.PhoneNumber
	if number == "" {
		number = bridge.PhoneFromJID(contact.RemoteJID)
	}
	if number == "" {
		number = contact.RemoteJID
	}
	if number == "" {
		return fmt.Errorf("contact %s has no address", contact.ID)
	}
	return p.sender.SendPresence(ctx, ch.InstanceName, number, presenceAvailable)
}
