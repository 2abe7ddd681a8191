// ABOUTME: Shared fixtures for tests that need real tenants, channels and conversations
// ABOUTME: Everything lives under t.TempDir and is closed on test cleanup

package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tenant"
)

// InstancePrefix is the bridge instance prefix used by fixtures
const InstancePrefix = "mnl"

// Env is a control store plus a router over per-tenant databases
type Env struct {
	Control *store.ControlStore
	Router  *tenant.SQLiteRouter
}

// NewEnv creates an empty environment
func NewEnv(t *testing.T) *Env {
	t.Helper()
	dir := t.TempDir()
	control, err := store.NewControlStore(filepath.Join(dir, "control.db"))
	require.NoError(t, err)
	r := tenant.NewSQLiteRouter(control, filepath.Join(dir, "tenants"), nil)
	t.Cleanup(func() {
		r.Close()
		control.Close()
	})
	return &Env{Control: control, Router: r}
}

// AddTenant registers an active tenant and returns its store
func (e *Env) AddTenant(t *testing.T, id, slug string) store.TenantStore {
	t.Helper()
	return e.addTenant(t, id, slug, store.OrganizationActive)
}

// AddProvisioningTenant registers a tenant that has not finished provisioning
func (e *Env) AddProvisioningTenant(t *testing.T, id, slug string) store.TenantStore {
	t.Helper()
	return e.addTenant(t, id, slug, store.OrganizationProvisioning)
}

func (e *Env) addTenant(t *testing.T, id, slug string, status store.OrganizationStatus) store.TenantStore {
	t.Helper()
	require.NoError(t, e.Router.Register(t.Context(), &store.Organization{
		ID: id, Slug: slug, Name: slug, Status: status,
	}))
	ts, err := e.Router.GetConnection(t.Context(), id)
	require.NoError(t, err)
	return ts
}

// AddChannel creates an active qr_session channel named prefix_slug
func AddChannel(t *testing.T, ts store.TenantStore, orgID, slug string, status store.ChannelStatus, state store.ConnectionState) *store.Channel {
	t.Helper()
	ch := &store.Channel{
		ID:              uuid.New().String(),
		OrganizationID:  orgID,
		Kind:            store.ChannelKindQRSession,
		InstanceName:    tenant.InstanceName(InstancePrefix, slug),
		Status:          status,
		ConnectionState: state,
		SyncStatus:      store.SyncStatusPending,
		Active:          true,
	}
	require.NoError(t, ts.CreateChannel(t.Context(), ch))
	return ch
}

// AddAgent creates an agent for userID
func AddAgent(t *testing.T, ts store.TenantStore, orgID, agentID, userID string) *store.Agent {
	t.Helper()
	a := &store.Agent{ID: agentID, OrganizationID: orgID, UserID: userID, Name: agentID}
	require.NoError(t, ts.CreateAgent(t.Context(), a))
	return a
}

// AddContact creates a contact with the given origin
func AddContact(t *testing.T, ts store.TenantStore, orgID string, origin store.ContactOrigin) *store.Contact {
	t.Helper()
	c := &store.Contact{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Name:           "contact",
		Origin:         origin,
	}
	require.NoError(t, ts.CreateContact(t.Context(), c))
	return c
}

// AddMessage stores a message in conv and counts it into the conversation
func AddMessage(t *testing.T, ts store.TenantStore, conv *store.Conversation, sender store.SenderKind, at time.Time) *store.Message {
	t.Helper()
	msg := &store.Message{
		ID:                    uuid.New().String(),
		ConversationID:        conv.ID,
		ConversationCreatedAt: conv.CreatedAt,
		SenderKind:            sender,
		Content:               "message",
		Status:                store.DeliveryDelivered,
		Timestamp:             at,
	}
	require.NoError(t, ts.CreateMessage(t.Context(), msg))
	require.NoError(t, ts.AddConversationMessage(t.Context(), conv, msg))
	return msg
}

// AddConversation creates an open conversation with contact
func AddConversation(t *testing.T, ts store.TenantStore, orgID string, contact *store.Contact, source store.MessageSource) *store.Conversation {
	t.Helper()
	conv := &store.Conversation{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		MessageSource:  source,
		ContactID:      contact.ID,
		Status:         store.ConversationStatusOpen,
	}
	require.NoError(t, ts.CreateConversation(t.Context(), conv))
	return conv
}
