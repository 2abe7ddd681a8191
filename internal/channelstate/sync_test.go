// ABOUTME: Tests for the backfill and avatar sync job handlers
// ABOUTME: Uses the real ingest service so imported history lands in the tenant store

package channelstate

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/bridge"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/ingest"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/testutil"
)

func record(id, jid, text string, ts int64) bridge.MessageRecord {
	return bridge.MessageRecord{
		Key:              bridge.MessageKey{ID: id, RemoteJID: jid},
		PushName:         "Maria",
		Message:          &bridge.MessageContent{Conversation: text},
		MessageTimestamp: ts,
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestBackfill_ImportsAllPages(t *testing.T) {
	f := newFixture(t)
	ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusConnected, store.ConnectionStateOpen)
	f.bridge.pages = []bridge.MessagePage{
		{Total: 3, Pages: 2, CurrentPage: 1, Records: []bridge.MessageRecord{
			record("h1", "5511888888888@s.whatsapp.net", "oi", 1700000000),
			record("h2", "5511888888888@s.whatsapp.net", "tudo bem?", 1700000060),
		}},
		{Total: 3, Pages: 2, CurrentPage: 2, Records: []bridge.MessageRecord{
			record("h3", "5511777777777@s.whatsapp.net", "hello", 1700000120),
		}},
	}

	importer := ingest.New(f.env.Router, f.bus, testutil.InstancePrefix, nil)
	bf := NewBackfill(f.machine, f.bridge, importer, 2, nil)
	payload := mustJSON(t, BackfillPayload{OrganizationID: "org-acme", ChannelID: ch.ID})

	require.NoError(t, bf.Handle(t.Context(), payload))

	got, err := f.ts.GetChannel(t.Context(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SyncStatusCompleted, got.SyncStatus)

	for _, id := range []string{"h1", "h2", "h3"} {
		_, err := f.ts.GetMessageByExternalID(t.Context(), id)
		assert.NoError(t, err, id)
	}

	require.Len(t, f.bus.OfType(eventbus.TypeSyncStarted), 1)
	completed := f.bus.OfType(eventbus.TypeSyncCompleted)
	require.Len(t, completed, 1)
	var data SyncData
	require.NoError(t, completed[0].Event.DecodeData(&data))
	assert.Equal(t, 3, data.Imported)
	assert.Empty(t, f.bus.OfType(eventbus.TypeMessageCreated), "history import is silent")

	// A retried job does not duplicate anything
	f.bus.Reset()
	require.NoError(t, bf.Handle(t.Context(), payload))
	completed = f.bus.OfType(eventbus.TypeSyncCompleted)
	require.Len(t, completed, 1)
	require.NoError(t, completed[0].Event.DecodeData(&data))
	assert.Zero(t, data.Imported)
}

func TestBackfill_Failure(t *testing.T) {
	f := newFixture(t)
	ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusConnected, store.ConnectionStateOpen)
	f.bridge.historyErr = errors.New("bridge unavailable")

	importer := ingest.New(f.env.Router, f.bus, testutil.InstancePrefix, nil)
	bf := NewBackfill(f.machine, f.bridge, importer, 0, nil)
	payload := mustJSON(t, BackfillPayload{OrganizationID: "org-acme", ChannelID: ch.ID})

	err := bf.Handle(t.Context(), payload)
	require.Error(t, err)

	got, err := f.ts.GetChannel(t.Context(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SyncStatusSyncing, got.SyncStatus, "still retrying")

	require.NoError(t, bf.RecordFailure(t.Context(), payload, errors.New("bridge unavailable")))
	got, err = f.ts.GetChannel(t.Context(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SyncStatusFailed, got.SyncStatus)

	failed := f.bus.OfType(eventbus.TypeSyncFailed)
	require.Len(t, failed, 1)
	var data SyncData
	require.NoError(t, failed[0].Event.DecodeData(&data))
	assert.Equal(t, "bridge unavailable", data.Error)
}

func TestBackfill_BadPayload(t *testing.T) {
	f := newFixture(t)
	bf := NewBackfill(f.machine, f.bridge, ingest.New(f.env.Router, f.bus, testutil.InstancePrefix, nil), 0, nil)

	assert.Error(t, bf.Handle(t.Context(), []byte("{")))
	assert.Error(t, bf.Handle(t.Context(), mustJSON(t, BackfillPayload{OrganizationID: "org-acme", ChannelID: "missing"})))
}

func TestAvatarSync(t *testing.T) {
	t.Run("prefers fresh bridge profile", func(t *testing.T) {
		f := newFixture(t)
		ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusConnected, store.ConnectionStateOpen)
		ch.PhoneNumber = "5511999999999"
		require.NoError(t, f.ts.UpdateChannel(t.Context(), ch))
		f.bridge.profile = &bridge.Profile{PictureURL: "https://cdn.example/fresh.jpg"}

		as := NewAvatarSync(f.machine, nil)
		require.NoError(t, as.Handle(t.Context(), mustJSON(t, AvatarSyncPayload{
			OrganizationID: "org-acme", ChannelID: ch.ID, AvatarURL: "https://cdn.example/queued.jpg",
		})))

		got, err := f.ts.GetChannel(t.Context(), ch.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example/fresh.jpg", got.AvatarURL)

		updated := f.bus.OfType(eventbus.TypeProfileUpdated)
		require.Len(t, updated, 1)
		var data ProfileData
		require.NoError(t, updated[0].Event.DecodeData(&data))
		assert.Equal(t, "https://cdn.example/fresh.jpg", data.AvatarURL)
	})

	t.Run("keeps a disconnect applied while fetching", func(t *testing.T) {
		f := newFixture(t)
		ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusConnected, store.ConnectionStateOpen)
		ch.PhoneNumber = "5511999999999"
		require.NoError(t, f.ts.UpdateChannel(t.Context(), ch))
		require.NoError(t, f.ts.UpdateChannelSyncStatus(t.Context(), ch.ID, store.SyncStatusCompleted))
		f.bridge.state = store.ConnectionStateClose
		f.bridge.profile = &bridge.Profile{PictureURL: "https://cdn.example/fresh.jpg"}
		f.bridge.duringProfile = func() {
			f.bridge.duringProfile = nil
			_, err := f.machine.HandleConnectionUpdate(t.Context(), ConnectionUpdate{Instance: "mnl_acme", State: store.ConnectionStateClose})
			assert.NoError(t, err)
		}

		as := NewAvatarSync(f.machine, nil)
		require.NoError(t, as.Handle(t.Context(), mustJSON(t, AvatarSyncPayload{OrganizationID: "org-acme", ChannelID: ch.ID})))

		got, err := f.ts.GetChannel(t.Context(), ch.ID)
		require.NoError(t, err)
		assert.Equal(t, store.ChannelStatusDisconnected, got.Status)
		assert.Equal(t, store.ConnectionStateClose, got.ConnectionState)
		assert.Equal(t, store.SyncStatusCompleted, got.SyncStatus, "state writes leave the sync status alone")
		assert.Equal(t, "https://cdn.example/fresh.jpg", got.AvatarURL)
	})

	t.Run("falls back to queued url", func(t *testing.T) {
		f := newFixture(t)
		ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusConnected, store.ConnectionStateOpen)
		ch.PhoneNumber = "5511999999999"
		require.NoError(t, f.ts.UpdateChannel(t.Context(), ch))
		f.bridge.profileErr = errors.New("bridge down")

		as := NewAvatarSync(f.machine, nil)
		require.NoError(t, as.Handle(t.Context(), mustJSON(t, AvatarSyncPayload{
			OrganizationID: "org-acme", ChannelID: ch.ID, AvatarURL: "https://cdn.example/queued.jpg",
		})))

		got, err := f.ts.GetChannel(t.Context(), ch.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example/queued.jpg", got.AvatarURL)
	})

	t.Run("nothing to store", func(t *testing.T) {
		f := newFixture(t)
		ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusConnected, store.ConnectionStateOpen)

		as := NewAvatarSync(f.machine, nil)
		require.NoError(t, as.Handle(t.Context(), mustJSON(t, AvatarSyncPayload{OrganizationID: "org-acme", ChannelID: ch.ID})))
		assert.Empty(t, f.bus.Events())
	})
}
