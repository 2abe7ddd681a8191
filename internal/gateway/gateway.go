// ABOUTME: Realtime gateway: websocket endpoint plus the bus subscriber that feeds the hub
// ABOUTME: Connections are authenticated before upgrade and joined to their agent room

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tenant"
)

// Gateway owns the live connections of one process
type Gateway struct {
	router   tenant.Router
	sessions auth.SessionStore
	bus      eventbus.Bus
	hub      *Hub
	typing   *TypingResolver
	presence *Presence
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a gateway. presence may be nil to ignore presence signals.
// Pass nil logger for default.
func New(router tenant.Router, sessions auth.SessionStore, bus eventbus.Bus, presence *Presence, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		router:   router,
		sessions: sessions,
		bus:      bus,
		hub:      NewHub(logger),
		typing:   NewTypingResolver(router),
		presence: presence,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With("component", "gateway"),
	}
}

// Hub exposes the room registry
func (g *Gateway) Hub() *Hub { return g.hub }

// Routes mounts the websocket endpoint on r
func (g *Gateway) Routes(r chi.Router) {
	r.With(auth.RequireSession(g.sessions)).Get("/ws", g.ServeWS)
}

// ServeWS upgrades an authenticated request. The session must already be in
// the request context; anything else is rejected before the upgrade.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	session := auth.FromContext(r.Context())
	if session == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	agent, err := g.lookupAgent(r.Context(), session)
	if err != nil {
		g.logger.Warn("rejecting connection", "user_id", session.UserID, "org_id", session.OrganizationID, "error", err)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, tenant.ErrUnknownTenant) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		id:      uuid.New().String(),
		hub:     g.hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		session: session,
		agentID: agent.ID,
	}
	if !g.hub.register(c) {
		conn.Close()
		return
	}
	g.hub.Join(c, AgentRoom(agent.ID))

	g.logger.Info("client connected",
		"client_id", c.id,
		"org_id", session.OrganizationID,
		"agent_id", agent.ID,
	)

	// The request context ends when this handler returns
	ctx := context.WithoutCancel(r.Context())
	go c.writePump()
	go c.readPump(ctx, g.handleCommand)
}

func (g *Gateway) lookupAgent(ctx context.Context, session *auth.Session) (*store.Agent, error) {
	ts, err := g.router.GetConnection(ctx, session.OrganizationID)
	if err != nil {
		return nil, err
	}
	agent, err := ts.GetAgentByUserID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading agent for user %s: %w", session.UserID, err)
	}
	return agent, nil
}

// Run relays bus events to rooms until ctx is cancelled, then disconnects
// every client.
func (g *Gateway) Run(ctx context.Context) error {
	deliveries, err := g.bus.Subscribe(ctx, eventbus.Channels...)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer g.hub.Close()
	g.logger.Info("gateway relay started", "channels", len(eventbus.Channels))

	for d := range deliveries {
		g.relay(d)
	}
	return nil
}

// relay emits one delivery. Malformed events are dropped.
func (g *Gateway) relay(d eventbus.Delivery) {
	ev, err := d.Decode()
	if err != nil {
		g.logger.Warn("dropping malformed event", "channel", d.Channel, "error", err)
		return
	}
	room, err := RoomFor(d.Channel, ev)
	if err != nil {
		g.logger.Warn("dropping unroutable event", "channel", d.Channel, "type", ev.Type, "error", err)
		return
	}
	frame, err := encodeFrame(ev.Type, d.Payload)
	if err != nil {
		g.logger.Warn("dropping event", "channel", d.Channel, "type", ev.Type, "error", err)
		return
	}
	n := g.hub.Emit(room, frame)
	g.logger.Debug("event relayed", "channel", d.Channel, "type", ev.Type, "room", room, "clients", n)
}
