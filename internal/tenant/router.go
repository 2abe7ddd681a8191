// ABOUTME: Tenant router mapping organization ids and instance names to isolated stores
// ABOUTME: Opens one SQLite pool per tenant lazily and never shares a pool across tenants

package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/2389/switchboard/internal/store"
)

// Router errors
var (
	ErrUnknownTenant     = errors.New("unknown tenant")
	ErrTenantNotActive   = errors.New("tenant not active")
	ErrMalformedInstance = errors.New("malformed instance name")
	ErrUnexpectedPrefix  = errors.New("instance name has unexpected prefix")
)

// Router resolves tenants and hands out their isolated data handles
type Router interface {
	// GetConnection returns the tenant's store. The handle is shared by all
	// callers for the same tenant and is safe for concurrent use.
	GetConnection(ctx context.Context, orgID string) (store.TenantStore, error)
	Organization(ctx context.Context, orgID string) (*store.Organization, error)
	ResolveSlug(ctx context.Context, slug string) (*store.Organization, error)
	ListActive(ctx context.Context) ([]*store.Organization, error)
}

// InstanceName builds the bridge instance name for a tenant slug
func InstanceName(prefix, slug string) string {
	return prefix + "_" + slug
}

// SlugFromInstance extracts the tenant slug from an instance name of the form
// prefix_slug. The split happens on the first underscore; the rest is the slug.
func SlugFromInstance(prefix, instance string) (string, error) {
	head, slug, ok := strings.Cut(instance, "_")
	if !ok || slug == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformedInstance, instance)
	}
	if head != prefix {
		return "", fmt.Errorf("%w: %q", ErrUnexpectedPrefix, instance)
	}
	return slug, nil
}

// ResolveInstance maps an instance name to its active tenant and store.
// Returns ErrUnknownTenant or ErrTenantNotActive when the webhook cannot be routed.
func ResolveInstance(ctx context.Context, r Router, prefix, instance string) (*store.Organization, store.TenantStore, error) {
	slug, err := SlugFromInstance(prefix, instance)
	if err != nil {
		return nil, nil, err
	}
	org, err := r.ResolveSlug(ctx, slug)
	if err != nil {
		return nil, nil, err
	}
	if org.Status != store.OrganizationActive {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrTenantNotActive, org.ID, org.Status)
	}
	ts, err := r.GetConnection(ctx, org.ID)
	if err != nil {
		return nil, nil, err
	}
	return org, ts, nil
}

// SQLiteRouter is the Router backed by the control store and a directory of
// per-tenant database files
type SQLiteRouter struct {
	control *store.ControlStore
	dir     string
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*store.SQLiteStore
}

var _ Router = (*SQLiteRouter)(nil)

// NewSQLiteRouter creates a router. Pass nil logger for default.
func NewSQLiteRouter(control *store.ControlStore, dir string, logger *slog.Logger) *SQLiteRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteRouter{
		control: control,
		dir:     dir,
		logger:  logger.With("component", "tenant-router"),
		conns:   make(map[string]*store.SQLiteStore),
	}
}

// Register records a new tenant in the control store and creates its database
func (r *SQLiteRouter) Register(ctx context.Context, org *store.Organization) error {
	if strings.ContainsAny(org.ID, `/\`) || org.ID == "" {
		return fmt.Errorf("invalid organization id %q", org.ID)
	}
	if err := r.control.CreateOrganization(ctx, org); err != nil {
		return err
	}
	if _, err := r.GetConnection(ctx, org.ID); err != nil {
		return fmt.Errorf("creating tenant database: %w", err)
	}
	r.logger.Info("registered tenant", "org_id", org.ID, "slug", org.Slug, "status", org.Status)
	return nil
}

// GetConnection returns the cached store for orgID, opening it on first use
func (r *SQLiteRouter) GetConnection(ctx context.Context, orgID string) (store.TenantStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.conns[orgID]; ok {
		return s, nil
	}

	if _, err := r.control.GetOrganization(ctx, orgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, orgID)
		}
		return nil, err
	}

	s, err := store.NewSQLiteStore(filepath.Join(r.dir, orgID+".db"))
	if err != nil {
		return nil, fmt.Errorf("opening tenant %s: %w", orgID, err)
	}
	r.conns[orgID] = s
	r.logger.Debug("opened tenant store", "org_id", orgID)
	return s, nil
}

// Organization returns the tenant record for orgID
func (r *SQLiteRouter) Organization(ctx context.Context, orgID string) (*store.Organization, error) {
	org, err := r.control.GetOrganization(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, orgID)
	}
	return org, err
}

// ResolveSlug returns the tenant owning slug
func (r *SQLiteRouter) ResolveSlug(ctx context.Context, slug string) (*store.Organization, error) {
	org, err := r.control.GetOrganizationBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: slug %s", ErrUnknownTenant, slug)
	}
	return org, err
}

// ListActive returns every tenant that finished provisioning
func (r *SQLiteRouter) ListActive(ctx context.Context) ([]*store.Organization, error) {
	return r.control.ListOrganizations(ctx, store.OrganizationActive)
}

// Close closes every opened tenant store
func (r *SQLiteRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, s := range r.conns {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing tenant %s: %w", id, err))
		}
		delete(r.conns, id)
	}
	return errors.Join(errs...)
}
