// ABOUTME: Event bus consumer that feeds message and chat events into the mirror service
// ABOUTME: Ignores events about mirrored copies so replication never loops back

package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tenant"
)

// Consumer subscribes to the message and chat channels
type Consumer struct {
	service *Service
	sub     eventbus.Subscriber
	logger  *slog.Logger
}

// NewConsumer creates a consumer. Pass nil logger for default.
func NewConsumer(service *Service, sub eventbus.Subscriber, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		service: service,
		sub:     sub,
		logger:  logger.With("component", "mirror-consumer"),
	}
}

// Run consumes until ctx is cancelled or the subscription ends
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.sub.Subscribe(ctx, eventbus.ChannelMessage, eventbus.ChannelChat)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	c.logger.Info("mirror consumer started")

	for d := range deliveries {
		c.handleDelivery(ctx, d)
	}
	return nil
}

func (c *Consumer) handleDelivery(ctx context.Context, d eventbus.Delivery) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("mirror handler panic", "channel", d.Channel, "panic", p)
		}
	}()

	ev, err := d.Decode()
	if err != nil {
		c.logger.Warn("dropping malformed event", "channel", d.Channel, "error", err)
		return
	}
	if err := c.Handle(ctx, ev); err != nil {
		if isSkippable(err) {
			c.logger.Debug("mirror skipped", "type", ev.Type, "org_id", ev.OrganizationID, "reason", err)
			return
		}
		c.logger.Error("mirroring event", "type", ev.Type, "org_id", ev.OrganizationID, "chat_id", ev.ChatID, "error", err)
	}
}

func isSkippable(err error) bool {
	return errors.Is(err, ErrNotCrossOrg) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, tenant.ErrUnknownTenant) ||
		errors.Is(err, tenant.ErrTenantNotActive)
}

// Handle applies one decoded event
func (c *Consumer) Handle(ctx context.Context, ev *eventbus.Event) error {
	switch ev.Type {
	case eventbus.TypeMessageCreated, eventbus.TypeMessageUpdated, eventbus.TypeMessageDeleted:
		return c.handleMessage(ctx, ev)
	case eventbus.TypeChatRead:
		if ev.ChatID == "" {
			return fmt.Errorf("%w: chat:read without chatId", eventbus.ErrMalformedEvent)
		}
		_, err := c.service.PropagateRead(ctx, ev.OrganizationID, ev.ChatID)
		return err
	}
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, ev *eventbus.Event) error {
	var data eventbus.MessageData
	if err := ev.DecodeData(&data); err != nil {
		return err
	}
	if data.OriginalMessageID != "" {
		return nil
	}
	if ev.Type == eventbus.TypeMessageUpdated && data.Change != eventbus.ChangeContent {
		return nil
	}

	messageID := ev.MessageID
	if messageID == "" {
		messageID = data.ID
	}
	ts, err := c.service.router.GetConnection(ctx, ev.OrganizationID)
	if err != nil {
		return err
	}
	// The store is authoritative; the event may be stale by the time it arrives
	msg, err := ts.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("loading message %s: %w", messageID, err)
	}
	if msg.OriginalMessageID != "" {
		return nil
	}

	switch ev.Type {
	case eventbus.TypeMessageCreated:
		if msg.Deleted() {
			return nil
		}
		_, err = c.service.MirrorMessage(ctx, ev.OrganizationID, msg)
	case eventbus.TypeMessageUpdated:
		_, err = c.service.PropagateEdit(ctx, ev.OrganizationID, msg)
	case eventbus.TypeMessageDeleted:
		_, err = c.service.PropagateDelete(ctx, ev.OrganizationID, msg)
	}
	return err
}
