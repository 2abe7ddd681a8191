// ABOUTME: Tests for the channel connection state machine and reconciler
// ABOUTME: Covers duplicate delivery, stale downgrades, one-shot job enqueue and drift correction

package channelstate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/bridge"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/jobs"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/testutil"
)

type fakeBridge struct {
	mu           sync.Mutex
	state        store.ConnectionState
	stateErr     error
	profile      *bridge.Profile
	profileErr   error
	pages        []bridge.MessagePage
	historyErr   error
	stateCalls   int
	profileCalls int

	// duringProfile runs inside FetchProfile, before it returns
	duringProfile func()
}

func (b *fakeBridge) ConnectionState(context.Context, string) (store.ConnectionState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateCalls++
	return b.state, b.stateErr
}

func (b *fakeBridge) FetchProfile(context.Context, string, string) (*bridge.Profile, error) {
	if b.duringProfile != nil {
		b.duringProfile()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profileCalls++
	if b.profileErr != nil {
		return nil, b.profileErr
	}
	if b.profile == nil {
		return &bridge.Profile{}, nil
	}
	return b.profile, nil
}

func (b *fakeBridge) FindMessages(_ context.Context, _ string, page, _ int) (*bridge.MessagePage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	if page > len(b.pages) {
		return &bridge.MessagePage{Pages: len(b.pages), CurrentPage: page}, nil
	}
	return &b.pages[page-1], nil
}

type fixture struct {
	env     *testutil.Env
	ts      store.TenantStore
	bridge  *fakeBridge
	bus     *eventbus.Recorder
	machine *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	ts := env.AddTenant(t, "org-acme", "acme")
	fb := &fakeBridge{}
	bus := &eventbus.Recorder{}
	queue := jobs.NewSQLiteQueue(env.Control, nil)
	return &fixture{
		env:     env,
		ts:      ts,
		bridge:  fb,
		bus:     bus,
		machine: NewMachine(env.Router, fb, queue, bus, testutil.InstancePrefix, nil),
	}
}

func (f *fixture) jobsByKey(t *testing.T, key string) []*store.Job {
	t.Helper()
	list, err := f.env.Control.ListJobsByKey(t.Context(), key)
	require.NoError(t, err)
	return list
}

func TestConnectedTransition_Example(t *testing.T) {
	f := newFixture(t)
	ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusPending, store.ConnectionStateConnecting)
	f.bridge.profile = &bridge.Profile{Name: "Acme Support"}

	res, err := f.machine.HandleConnectionUpdate(t.Context(), ConnectionUpdate{
		Instance: "mnl_acme",
		State:    store.ConnectionStateOpen,
		Wuid:     "5511999999999@x",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	got, err := f.ts.GetChannel(t.Context(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelStatusConnected, got.Status)
	assert.Equal(t, store.ConnectionStateOpen, got.ConnectionState)
	assert.Equal(t, "5511999999999", got.PhoneNumber)
	assert.Equal(t, "Acme Support", got.DisplayName)

	status := f.bus.OfType(eventbus.TypeStatus)
	require.Len(t, status, 1)
	assert.Equal(t, eventbus.ChannelSync, status[0].Channel)
	assert.Equal(t, "org-acme", status[0].Event.OrganizationID)
	assert.Equal(t, ch.ID, status[0].Event.ChannelID)

	connected := f.bus.OfType(eventbus.TypeConnected)
	require.Len(t, connected, 1)
	var data ConnectedData
	require.NoError(t, connected[0].Event.DecodeData(&data))
	assert.Equal(t, "5511999999999", data.PhoneNumber)

	assert.Len(t, f.jobsByKey(t, BackfillKey("org-acme", ch.ID)), 1)
	assert.Empty(t, f.jobsByKey(t, AvatarSyncKey("org-acme", ch.ID)), "no avatar, no avatar sync")
	assert.Zero(t, f.bridge.stateCalls, "upgrades need no confirmation")
}

func TestRedeliveredConnected_EnqueuesOnce(t *testing.T) {
	f := newFixture(t)
	ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusPending, store.ConnectionStateConnecting)
	update := ConnectionUpdate{Instance: "mnl_acme", State: store.ConnectionStateOpen, Wuid: "5511999999999@x", ProfilePictureURL: "https://cdn.example/p.jpg"}

	_, err := f.machine.HandleConnectionUpdate(t.Context(), update)
	require.NoError(t, err)

	// Force the second delivery past the equal-state check to exercise the idempotency key
	stored, err := f.ts.GetChannel(t.Context(), ch.ID)
	require.NoError(t, err)
	stored.ConnectionState = store.ConnectionStateConnecting
	stored.Status = store.ChannelStatusPending
	require.NoError(t, f.ts.UpdateChannel(t.Context(), stored))

	_, err = f.machine.HandleConnectionUpdate(t.Context(), update)
	require.NoError(t, err)

	assert.Len(t, f.jobsByKey(t, BackfillKey("org-acme", ch.ID)), 1)
	assert.Len(t, f.jobsByKey(t, AvatarSyncKey("org-acme", ch.ID)), 1)
}

func TestEqualState_IsNoop(t *testing.T) {
	f := newFixture(t)
	ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusConnected, store.ConnectionStateOpen)
	before, err := f.ts.GetChannel(t.Context(), ch.ID)
	require.NoError(t, err)

	res, err := f.machine.HandleConnectionUpdate(t.Context(), ConnectionUpdate{Instance: "mnl_acme", State: store.ConnectionStateOpen, Wuid: "5511000000000@x"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)

	after, err := f.ts.GetChannel(t.Context(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "no write")
	assert.Empty(t, after.PhoneNumber)
	assert.Empty(t, f.bus.Events(), "no publish")
	assert.Empty(t, f.jobsByKey(t, BackfillKey("org-acme", ch.ID)))
}

func TestDowngrade_DiscardedWhenBridgeDisagrees(t *testing.T) {
	for _, next := range []store.ConnectionState{store.ConnectionStateClose, store.ConnectionStateConnecting} {
		t.Run(string(next), func(t *testing.T) {
			f := newFixture(t)
			ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusConnected, store.ConnectionStateOpen)
			f.bridge.state = store.ConnectionStateOpen

			res, err := f.machine.HandleConnectionUpdate(t.Context(), ConnectionUpdate{Instance: "mnl_acme", State: next})
			require.NoError(t, err)
			assert.Equal(t, OutcomeDiscarded, res.Outcome)
			assert.Equal(t, 1, f.bridge.stateCalls)

			got, err := f.ts.GetChannel(t.Context(), ch.ID)
			require.NoError(t, err)
			assert.Equal(t, store.ChannelStatusConnected, got.Status)
			assert.Empty(t, f.bus.Events())
		})
	}
}

func TestDowngrade_AppliedWhenConfirmed(t *testing.T) {
	f := newFixture(t)
	ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusConnected, store.ConnectionStateOpen)
	f.bridge.state = store.ConnectionStateClose

	res, err := f.machine.HandleConnectionUpdate(t.Context(), ConnectionUpdate{Instance: "mnl_acme", State: store.ConnectionStateClose, StatusReason: 401})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	got, err := f.ts.GetChannel(t.Context(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelStatusDisconnected, got.Status)

	status := f.bus.OfType(eventbus.TypeStatus)
	require.Len(t, status, 1)
	var data StatusData
	require.NoError(t, status[0].Event.DecodeData(&data))
	assert.Equal(t, 401, data.StatusReason)
	assert.Equal(t, store.ChannelStatusConnected, data.PreviousStatus)
	assert.Empty(t, f.bus.OfType(eventbus.TypeConnected))
}

func TestDowngrade_AcceptedWhenConfirmationFails(t *testing.T) {
	f := newFixture(t)
	ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusConnected, store.ConnectionStateOpen)
	f.bridge.stateErr = errors.New("bridge timeout")

	res, err := f.machine.HandleConnectionUpdate(t.Context(), ConnectionUpdate{Instance: "mnl_acme", State: store.ConnectionStateConnecting})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	got, err := f.ts.GetChannel(t.Context(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelStatusPending, got.Status)
}

func TestRoutingFailures_Discarded(t *testing.T) {
	f := newFixture(t)
	f.env.AddProvisioningTenant(t, "org-new", "newco")

	for _, instance := range []string{"mnl_nobody", "mnl_newco", "mnl", "other_acme", "mnl_acme"} {
		res, err := f.machine.HandleConnectionUpdate(t.Context(), ConnectionUpdate{Instance: instance, State: store.ConnectionStateOpen})
		require.NoError(t, err, instance)
		assert.Equal(t, OutcomeDiscarded, res.Outcome, instance)
	}
	assert.Empty(t, f.bus.Events())
}

func TestProfileEnrichment(t *testing.T) {
	t.Run("webhook values win", func(t *testing.T) {
		f := newFixture(t)
		ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusDisconnected, store.ConnectionStateClose)
		f.bridge.profile = &bridge.Profile{Name: "From Bridge", PictureURL: "https://cdn.example/bridge.jpg"}

		_, err := f.machine.HandleConnectionUpdate(t.Context(), ConnectionUpdate{
			Instance: "mnl_acme", State: store.ConnectionStateOpen, Wuid: "5511999999999@x",
			ProfileName: "From Webhook",
		})
		require.NoError(t, err)

		got, err := f.ts.GetChannel(t.Context(), ch.ID)
		require.NoError(t, err)
		assert.Equal(t, "From Webhook", got.DisplayName)
		assert.Equal(t, "https://cdn.example/bridge.jpg", got.AvatarURL)
		assert.Len(t, f.jobsByKey(t, AvatarSyncKey("org-acme", ch.ID)), 1)
	})

	t.Run("fetch failure keeps prior values", func(t *testing.T) {
		f := newFixture(t)
		ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusDisconnected, store.ConnectionStateClose)
		ch.DisplayName = "Old Name"
		require.NoError(t, f.ts.UpdateChannel(t.Context(), ch))
		f.bridge.profileErr = errors.New("bridge down")

		res, err := f.machine.HandleConnectionUpdate(t.Context(), ConnectionUpdate{Instance: "mnl_acme", State: store.ConnectionStateOpen, Wuid: "5511999999999@x"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, res.Outcome)

		got, err := f.ts.GetChannel(t.Context(), ch.ID)
		require.NoError(t, err)
		assert.Equal(t, "Old Name", got.DisplayName)
		assert.Equal(t, store.ChannelStatusConnected, got.Status)
	})

	t.Run("only on entering connected", func(t *testing.T) {
		f := newFixture(t)
		testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusPending, store.ConnectionStateConnecting)

		_, err := f.machine.HandleConnectionUpdate(t.Context(), ConnectionUpdate{Instance: "mnl_acme", State: store.ConnectionStateClose, Wuid: "5511999999999@x"})
		require.NoError(t, err)
		assert.Zero(t, f.bridge.profileCalls)
	})
}

func TestHandleQRCode(t *testing.T) {
	f := newFixture(t)
	ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusPending, store.ConnectionStateConnecting)

	require.NoError(t, f.machine.HandleQRCode(t.Context(), "mnl_acme", QRCodeData{Code: "2@abc", Base64: "data:image/png;base64,xyz"}))
	require.NoError(t, f.machine.HandleQRCode(t.Context(), "mnl_nobody", QRCodeData{Code: "x"}))

	qr := f.bus.OfType(eventbus.TypeQRCode)
	require.Len(t, qr, 1)
	assert.Equal(t, ch.ID, qr[0].Event.ChannelID)
}

func TestInvalidState(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.HandleConnectionUpdate(t.Context(), ConnectionUpdate{Instance: "mnl_acme", State: "refused"})
	assert.Error(t, err)
}

func TestReconciler(t *testing.T) {
	f := newFixture(t)
	ch := testutil.AddChannel(t, f.ts, "org-acme", "acme", store.ChannelStatusConnected, store.ConnectionStateOpen)
	rec := NewReconciler(f.machine, 0, 0, nil)

	t.Run("no drift", func(t *testing.T) {
		f.bridge.state = store.ConnectionStateOpen
		report, err := rec.RunOnce(t.Context())
		require.NoError(t, err)
		assert.Equal(t, Report{Checked: 1}, report)
		assert.Empty(t, f.bus.Events())
	})

	t.Run("missed webhook corrected", func(t *testing.T) {
		f.bridge.state = store.ConnectionStateClose
		report, err := rec.RunOnce(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Corrected)

		got, err := f.ts.GetChannel(t.Context(), ch.ID)
		require.NoError(t, err)
		assert.Equal(t, store.ChannelStatusDisconnected, got.Status)
		assert.Len(t, f.bus.OfType(eventbus.TypeStatus), 1, "same event type as the webhook path")
	})

	t.Run("instance gone", func(t *testing.T) {
		f.bus.Reset()
		f.bridge.stateErr = bridge.ErrInstanceNotFound
		report, err := rec.RunOnce(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Corrected)

		got, err := f.ts.GetChannel(t.Context(), ch.ID)
		require.NoError(t, err)
		assert.Equal(t, store.ChannelStatusError, got.Status)
		assert.Len(t, f.bus.OfType(eventbus.TypeStatus), 1)

		// Already in error: nothing more to do
		report, err = rec.RunOnce(t.Context())
		require.NoError(t, err)
		assert.Zero(t, report.Corrected)
	})

	t.Run("bridge failure counted", func(t *testing.T) {
		f.bridge.stateErr = errors.New("timeout")
		report, err := rec.RunOnce(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
	})
}
