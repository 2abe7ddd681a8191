// Package auth authenticates realtime gateway connections.
//
// Sessions are issued elsewhere; this package only validates them. The
// default SessionStore verifies HS256 JWTs signed with auth.jwt_secret and
// reads two claims:
//
//   - sub: the user id, used to find the agent record in the tenant store
//   - org: the organization the session belongs to
//
// RequireSession runs before the websocket upgrade, so an unauthenticated
// client never joins a room.
package auth
