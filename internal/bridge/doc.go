// Package bridge is a thin REST client for the external messaging-session
// bridge. Every request carries the configured api key in the apikey header;
// a 404 is reported as ErrInstanceNotFound.
package bridge
