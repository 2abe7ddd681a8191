// Package tenant routes organization ids and bridge instance names to the
// tenant's isolated data store.
//
// Instance names embed the tenant slug as prefix_slug, so an inbound webhook
// can be routed without any cross-tenant lookup table.
package tenant
