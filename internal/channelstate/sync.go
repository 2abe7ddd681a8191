// ABOUTME: Job handlers fired when a channel connects: history backfill and avatar sync
// ABOUTME: Backfill tracks progress in the channel sync status and reports over channel-sync events

package channelstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/2389/switchboard/internal/bridge"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/jobs"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tenant"
)

const defaultHistoryPageSize = 100

// HistorySource pages through an instance's stored messages
type HistorySource interface {
	FindMessages(ctx context.Context, instance string, page, pageSize int) (*bridge.MessagePage, error)
}

// HistoryStore imports history records into a tenant
type HistoryStore interface {
	StoreHistory(ctx context.Context, org *store.Organization, ts store.TenantStore, ch *store.Channel, records []bridge.MessageRecord) (int, error)
}

// SyncData is the payload of sync:* events
type SyncData struct {
	Imported int    `json:"imported,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProfileData is the payload of the profile-updated event
type ProfileData struct {
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl"`
}

type channelRef struct {
	org *store.Organization
	ts  store.TenantStore
	ch  *store.Channel
}

func loadChannel(ctx context.Context, router tenant.Router, orgID, channelID string) (*channelRef, error) {
	org, err := router.Organization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	ts, err := router.GetConnection(ctx, orgID)
	if err != nil {
		return nil, err
	}
	ch, err := ts.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("loading channel %s: %w", channelID, err)
	}
	return &channelRef{org: org, ts: ts, ch: ch}, nil
}

// Backfill imports the bridge's message history for a newly connected channel
type Backfill struct {
	machine  *Machine
	history  HistorySource
	importer HistoryStore
	pageSize int
	logger   *slog.Logger
}

var (
	_ jobs.Handler         = (*Backfill)(nil)
	_ jobs.FailureRecorder = (*Backfill)(nil)
)

// NewBackfill creates the channel.backfill handler
func NewBackfill(machine *Machine, history HistorySource, importer HistoryStore, pageSize int, logger *slog.Logger) *Backfill {
	if logger == nil {
		logger = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	return &Backfill{
		machine:  machine,
		history:  history,
		importer: importer,
		pageSize: pageSize,
		logger:   logger.With("component", "backfill"),
	}
}

// Handle runs one backfill attempt
func (b *Backfill) Handle(ctx context.Context, payload []byte) error {
	var p BackfillPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding backfill payload: %w", err)
	}
	ref, err := loadChannel(ctx, b.machine.router, p.OrganizationID, p.ChannelID)
	if err != nil {
		return err
	}

	if err := ref.ts.UpdateChannelSyncStatus(ctx, ref.ch.ID, store.SyncStatusSyncing); err != nil {
		return err
	}
	b.machine.publish(ctx, ref.org.ID, ref.ch.ID, eventbus.TypeSyncStarted, SyncData{Message: "importing message history"})

	imported := 0
	for page := 1; ; page++ {
		result, err := b.history.FindMessages(ctx, ref.ch.InstanceName, page, b.pageSize)
		if err != nil {
			return fmt.Errorf("fetching history page %d: %w", page, err)
		}
		n, err := b.importer.StoreHistory(ctx, ref.org, ref.ts, ref.ch, result.Records)
		imported += n
		if err != nil {
			return err
		}
		if len(result.Records) == 0 || page >= result.Pages {
			break
		}
	}

	if err := ref.ts.UpdateChannelSyncStatus(ctx, ref.ch.ID, store.SyncStatusCompleted); err != nil {
		return err
	}
	b.machine.publish(ctx, ref.org.ID, ref.ch.ID, eventbus.TypeSyncCompleted, SyncData{Imported: imported})
	b.logger.Info("backfill complete", "org_id", ref.org.ID, "channel_id", ref.ch.ID, "imported", imported)
	return nil
}

// RecordFailure marks the channel sync as failed once retries are exhausted
func (b *Backfill) RecordFailure(ctx context.Context, payload []byte, cause error) error {
	var p BackfillPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding backfill payload: %w", err)
	}
	ref, err := loadChannel(ctx, b.machine.router, p.OrganizationID, p.ChannelID)
	if err != nil {
		return err
	}
	if err := ref.ts.UpdateChannelSyncStatus(ctx, ref.ch.ID, store.SyncStatusFailed); err != nil {
		return err
	}
	b.machine.publish(ctx, ref.org.ID, ref.ch.ID, eventbus.TypeSyncFailed, SyncData{Error: cause.Error()})
	return nil
}

// AvatarSync stores the channel's profile picture
type AvatarSync struct {
	machine *Machine
	logger  *slog.Logger
}

var _ jobs.Handler = (*AvatarSync)(nil)

// NewAvatarSync creates the channel.avatar-sync handler
func NewAvatarSync(machine *Machine, logger *slog.Logger) *AvatarSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &AvatarSync{machine: machine, logger: logger.With("component", "avatar-sync")}
}

// Handle refreshes the avatar URL; a bridge failure falls back to the URL in the payload
func (a *AvatarSync) Handle(ctx context.Context, payload []byte) error {
	var p AvatarSyncPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding avatar sync payload: %w", err)
	}
	ref, err := loadChannel(ctx, a.machine.router, p.OrganizationID, p.ChannelID)
	if err != nil {
		return err
	}

	avatar := p.AvatarURL
	if ref.ch.PhoneNumber != "" {
		profile, err := a.machine.bridge.FetchProfile(ctx, ref.ch.InstanceName, ref.ch.PhoneNumber)
		if err != nil {
			a.logger.Warn("profile refresh failed, using queued avatar", "channel_id", ref.ch.ID, "error", err)
		} else if profile.PictureURL != "" {
			avatar = profile.PictureURL
		}
	}
	if avatar == "" {
		return nil
	}

	ref.ch.AvatarURL = avatar
	if err := ref.ts.UpdateChannelAvatar(ctx, ref.ch.ID, avatar); err != nil {
		return err
	}
	a.machine.publish(ctx, ref.org.ID, ref.ch.ID, eventbus.TypeProfileUpdated, ProfileData{
		DisplayName: ref.ch.DisplayName,
		AvatarURL:   avatar,
	})
	return nil
}
