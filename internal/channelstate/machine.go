// ABOUTME: Channel connection state machine driven by bridge connection.update webhooks
// ABOUTME: Filters duplicates and stale downgrades, persists status and fires one-shot jobs on connect

package channelstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/switchboard/internal/bridge"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/jobs"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tenant"
)

// Bridge is the subset of the bridge API the state machine calls
type Bridge interface {
	ConnectionState(ctx context.Context, instance string) (store.ConnectionState, error)
	FetchProfile(ctx context.Context, instance, number string) (*bridge.Profile, error)
}

// ConnectionUpdate is one connection.update notification
type ConnectionUpdate struct {
	Instance          string
	State             store.ConnectionState
	StatusReason      int
	Wuid              string
	ProfileName       string
	ProfilePictureURL string
}

// Outcome says what happened to an update
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeDiscarded Outcome = "discarded"
)

// Result reports the outcome and, when applied, the updated channel
type Result struct {
	Outcome Outcome
	Reason  string
	Channel *store.Channel
}

// StatusData is the payload of the channel-sync status event
type StatusData struct {
	Status          store.ChannelStatus   `json:"status"`
	PreviousStatus  store.ChannelStatus   `json:"previousStatus"`
	ConnectionState store.ConnectionState `json:"connectionState"`
	StatusReason    int                   `json:"statusReason,omitempty"`
	Message         string                `json:"message,omitempty"`
}

// ConnectedData is the payload of the channel-sync connected event
type ConnectedData struct {
	PhoneNumber string `json:"phoneNumber,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// QRCodeData is the payload of the channel-sync qrcode event
type QRCodeData struct {
	Code   string `json:"code"`
	Base64 string `json:"base64,omitempty"`
}

// BackfillPayload is the channel.backfill job payload
type BackfillPayload struct {
	OrganizationID string `json:"organizationId"`
	ChannelID      string `json:"channelId"`
}

// AvatarSyncPayload is the channel.avatar-sync job payload
type AvatarSyncPayload struct {
	OrganizationID string `json:"organizationId"`
	ChannelID      string `json:"channelId"`
	AvatarURL      string `json:"avatarUrl"`
}

// BackfillKey is the idempotency key for a channel's backfill job
func BackfillKey(orgID, channelID string) string {
	return fmt.Sprintf("backfill:%s:%s", orgID, channelID)
}

// AvatarSyncKey is the idempotency key for a channel's avatar sync job
func AvatarSyncKey(orgID, channelID string) string {
	return fmt.Sprintf("avatar-sync:%s:%s", orgID, channelID)
}

// Machine applies connection updates for every tenant
type Machine struct {
	router tenant.Router
	bridge Bridge
	queue  jobs.Queue
	bus    eventbus.Publisher
	prefix string
	logger *slog.Logger
}

// NewMachine creates a state machine. Pass nil logger for default.
func NewMachine(router tenant.Router, b Bridge, queue jobs.Queue, bus eventbus.Publisher, instancePrefix string, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		router: router,
		bridge: b,
		queue:  queue,
		bus:    bus,
		prefix: instancePrefix,
		logger: logger.With("component", "channel-state"),
	}
}

func isRoutingError(err error) bool {
	return errors.Is(err, tenant.ErrUnknownTenant) ||
		errors.Is(err, tenant.ErrTenantNotActive) ||
		errors.Is(err, tenant.ErrMalformedInstance) ||
		errors.Is(err, tenant.ErrUnexpectedPrefix) ||
		errors.Is(err, store.ErrNotFound)
}

// isDowngrade reports whether moving from the stored state to next leaves an open session
func isDowngrade(stored, next store.ConnectionState) bool {
	return stored == store.ConnectionStateOpen &&
		(next == store.ConnectionStateConnecting || next == store.ConnectionStateClose)
}

func (m *Machine) resolve(ctx context.Context, instance string) (*store.Organization, store.TenantStore, *store.Channel, error) {
	org, ts, err := tenant.ResolveInstance(ctx, m.router, m.prefix, instance)
	if err != nil {
		return nil, nil, nil, err
	}
	ch, err := ts.GetChannelByInstance(ctx, instance)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading channel %s: %w", instance, err)
	}
	return org, ts, ch, nil
}

// HandleConnectionUpdate processes one connection.update webhook. Routing
// failures are reported as a discarded result, not as an error.
func (m *Machine) HandleConnectionUpdate(ctx context.Context, u ConnectionUpdate) (*Result, error) {
	logger := m.logger.With("instance", u.Instance, "state", u.State)

	if !u.State.Valid() {
		return nil, fmt.Errorf("invalid connection state %q", u.State)
	}

	org, ts, ch, err := m.resolve(ctx, u.Instance)
	if err != nil {
		if isRoutingError(err) {
			logger.Warn("discarding connection update", "reason", err)
			return &Result{Outcome: OutcomeDiscarded, Reason: err.Error()}, nil
		}
		return nil, err
	}

	if ch.ConnectionState == u.State {
		logger.Debug("connection state unchanged")
		return &Result{Outcome: OutcomeNoop, Channel: ch}, nil
	}

	if isDowngrade(ch.ConnectionState, u.State) {
		confirmed, err := m.bridge.ConnectionState(ctx, u.Instance)
		switch {
		case err != nil:
			// Confirmation unavailable; accept the webhook rather than block
			logger.Warn("downgrade confirmation failed, accepting webhook", "error", err)
		case confirmed != u.State:
			logger.Info("discarding stale downgrade", "stored", ch.ConnectionState, "confirmed", confirmed)
			return &Result{Outcome: OutcomeDiscarded, Reason: "stale downgrade", Channel: ch}, nil
		}
	}

	if err := m.apply(ctx, org, ts, ch, u); err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeApplied, Channel: ch}, nil
}

// apply persists the transition to u.State and runs its side effects
func (m *Machine) apply(ctx context.Context, org *store.Organization, ts store.TenantStore, ch *store.Channel, u ConnectionUpdate) error {
	previous := ch.Status
	ch.ConnectionState = u.State
	ch.Status = u.State.Status()
	if phone := bridge.PhoneFromJID(u.Wuid); phone != "" {
		ch.PhoneNumber = phone
	}

	entering := ch.Status == store.ChannelStatusConnected && previous != store.ChannelStatusConnected
	if entering {
		m.enrichProfile(ctx, ch, u)
	}

	if err := ts.UpdateChannelConnection(ctx, ch); err != nil {
		return fmt.Errorf("persisting channel %s: %w", ch.ID, err)
	}

	m.logger.Info("channel state changed",
		"org_id", org.ID,
		"channel_id", ch.ID,
		"from", previous,
		"to", ch.Status,
		"state", ch.ConnectionState)

	var enqueueErr error
	if entering {
		enqueueErr = m.enqueueConnectJobs(ctx, org, ch)
	}

	m.publish(ctx, org.ID, ch.ID, eventbus.TypeStatus, StatusData{
		Status:          ch.Status,
		PreviousStatus:  previous,
		ConnectionState: ch.ConnectionState,
		StatusReason:    u.StatusReason,
	})
	if entering {
		m.publish(ctx, org.ID, ch.ID, eventbus.TypeConnected, ConnectedData{
			PhoneNumber: ch.PhoneNumber,
			DisplayName: ch.DisplayName,
			AvatarURL:   ch.AvatarURL,
		})
	}
	return enqueueErr
}

// enrichProfile fills display name and avatar. Webhook values win; a failed
// fetch keeps whatever the channel already had.
func (m *Machine) enrichProfile(ctx context.Context, ch *store.Channel, u ConnectionUpdate) {
	if u.ProfileName != "" {
		ch.DisplayName = u.ProfileName
	}
	if u.ProfilePictureURL != "" {
		ch.AvatarURL = u.ProfilePictureURL
	}
	if u.ProfileName != "" && u.ProfilePictureURL != "" {
		return
	}
	if ch.PhoneNumber == "" {
		return
	}

	profile, err := m.bridge.FetchProfile(ctx, ch.InstanceName, ch.PhoneNumber)
	if err != nil {
		m.logger.Warn("profile fetch failed, keeping prior values", "channel_id", ch.ID, "error", err)
		return
	}
	if u.ProfileName == "" && profile.Name != "" {
		ch.DisplayName = profile.Name
	}
	if u.ProfilePictureURL == "" && profile.PictureURL != "" {
		ch.AvatarURL = profile.PictureURL
	}
}

func (m *Machine) enqueueConnectJobs(ctx context.Context, org *store.Organization, ch *store.Channel) error {
	var errs []error

	if _, err := m.queue.Enqueue(ctx, jobs.NameChannelBackfill,
		BackfillPayload{OrganizationID: org.ID, ChannelID: ch.ID},
		BackfillKey(org.ID, ch.ID)); err != nil {
		errs = append(errs, fmt.Errorf("enqueueing backfill: %w", err))
	}

	if ch.AvatarURL != "" {
		if _, err := m.queue.Enqueue(ctx, jobs.NameChannelAvatarSync,
			AvatarSyncPayload{OrganizationID: org.ID, ChannelID: ch.ID, AvatarURL: ch.AvatarURL},
			AvatarSyncKey(org.ID, ch.ID)); err != nil {
			errs = append(errs, fmt.Errorf("enqueueing avatar sync: %w", err))
		}
	}
	return errors.Join(errs...)
}

// HandleQRCode relays a fresh pairing code to the tenant's clients
func (m *Machine) HandleQRCode(ctx context.Context, instance string, qr QRCodeData) error {
	org, _, ch, err := m.resolve(ctx, instance)
	if err != nil {
		if isRoutingError(err) {
			m.logger.Warn("discarding qrcode update", "instance", instance, "reason", err)
			return nil
		}
		return err
	}
	m.publish(ctx, org.ID, ch.ID, eventbus.TypeQRCode, qr)
	return nil
}

func (m *Machine) publish(ctx context.Context, orgID, channelID, eventType string, data any) {
	ev, err := eventbus.NewEvent(eventType, data)
	if err != nil {
		m.logger.Error("building channel-sync event", "type", eventType, "error", err)
		return
	}
	ev.OrganizationID = orgID
	ev.ChannelID = channelID
	if err := m.bus.Publish(ctx, eventbus.ChannelSync, ev); err != nil {
		m.logger.Error("publishing channel-sync event", "type", eventType, "channel_id", channelID, "error", err)
	}
}
