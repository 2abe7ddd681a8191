// Package gateway holds the realtime connections of agents.
//
// Clients connect to GET /ws with a bearer token (header or token query
// parameter). The token is validated against the session store before the
// upgrade; the connection then joins agent:{agentId} for the agent record of
// the session user.
//
// # Rooms
//
//	org:{organizationId}   everything shared by the tenant
//	agent:{agentId}        private notifications for one agent
//	chat:{conversationId}  typing indicators scoped to one conversation
//
// Bus events become frames of the form {"event": type, "data": envelope}.
// chat and message events with a targetAgentId go to that agent only,
// otherwise to the organization. See RoomFor for the full table.
//
// # Commands
//
// Clients send frames of the same shape. The data field is either a string
// or an object with orgId / chatId:
//
//	join:organization / leave:organization   own organization only
//	join:channel / leave:channel             conversation must exist
//	typing:start / typing:stop               resolved, then published on the typing channel
//	presence:available                       forwarded upstream once per window
//	read:channel                             clears unread state, publishes chat:read
//
// Rejected commands are answered with {"event":"error","data":{"message":...}}
// carrying a generic message.
//
// Slow clients whose send buffer fills are disconnected; the hub never
// blocks on a socket.
package gateway
