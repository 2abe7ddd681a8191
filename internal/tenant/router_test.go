// ABOUTME: Tests for tenant routing and instance name parsing
// ABOUTME: Verifies per-tenant isolation, caching, and provisioning status handling

package tenant

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func newTestRouter(t *testing.T) *SQLiteRouter {
	t.Helper()
	dir := t.TempDir()
	control, err := store.NewControlStore(filepath.Join(dir, "control.db"))
	require.NoError(t, err)
	r := NewSQLiteRouter(control, filepath.Join(dir, "tenants"), nil)
	t.Cleanup(func() {
		r.Close()
		control.Close()
	})
	return r
}

func TestSlugFromInstance(t *testing.T) {
	tests := []struct {
		instance string
		want     string
		wantErr  error
	}{
		{"mnl_acme", "acme", nil},
		{"mnl_acme_support", "acme_support", nil},
		{"mnl_", "", ErrMalformedInstance},
		{"acme", "", ErrMalformedInstance},
		{"xyz_acme", "", ErrUnexpectedPrefix},
	}

	for _, tt := range tests {
		t.Run(tt.instance, func(t *testing.T) {
			got, err := SlugFromInstance("mnl", tt.instance)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.instance, InstanceName("mnl", got))
		})
	}
}

func TestRouter_IsolatedStores(t *testing.T) {
	r := newTestRouter(t)
	ctx := t.Context()

	require.NoError(t, r.Register(ctx, &store.Organization{ID: "org-a", Slug: "acme", Name: "Acme", Status: store.OrganizationActive}))
	require.NoError(t, r.Register(ctx, &store.Organization{ID: "org-b", Slug: "globex", Name: "Globex", Status: store.OrganizationActive}))

	a, err := r.GetConnection(ctx, "org-a")
	require.NoError(t, err)
	b, err := r.GetConnection(ctx, "org-b")
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	again, err := r.GetConnection(ctx, "org-a")
	require.NoError(t, err)
	assert.Same(t, a, again, "handles are cached per tenant")

	require.NoError(t, a.CreateAgent(ctx, &store.Agent{ID: "agent-1", OrganizationID: "org-a", UserID: "user-1", Name: "Ana"}))

	_, err = b.GetAgentByUserID(ctx, "user-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "tenant data must not leak across stores")
}

func TestRouter_UnknownTenant(t *testing.T) {
	r := newTestRouter(t)

	_, err := r.GetConnection(t.Context(), "org-missing")
	assert.ErrorIs(t, err, ErrUnknownTenant)

	_, err = r.ResolveSlug(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestResolveInstance(t *testing.T) {
	r := newTestRouter(t)
	ctx := t.Context()

	require.NoError(t, r.Register(ctx, &store.Organization{ID: "org-a", Slug: "acme", Name: "Acme", Status: store.OrganizationActive}))
	require.NoError(t, r.Register(ctx, &store.Organization{ID: "org-p", Slug: "newco", Name: "NewCo", Status: store.OrganizationProvisioning}))

	org, ts, err := ResolveInstance(ctx, r, "mnl", "mnl_acme")
	require.NoError(t, err)
	assert.Equal(t, "org-a", org.ID)
	assert.NotNil(t, ts)

	_, _, err = ResolveInstance(ctx, r, "mnl", "mnl_newco")
	assert.ErrorIs(t, err, ErrTenantNotActive)

	_, _, err = ResolveInstance(ctx, r, "mnl", "mnl_nobody")
	assert.ErrorIs(t, err, ErrUnknownTenant)

	active, err := r.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "org-a", active[0].ID)
}
