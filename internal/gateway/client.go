// ABOUTME: One live websocket connection with its read and write pumps
// ABOUTME: Reads client commands, writes queued frames and keeps the link alive with pings

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/switchboard/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8 << 10
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is an authenticated connection. Identity is fixed at upgrade time.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	session *auth.Session
	agentID string
}

// OrganizationID is the tenant the client authenticated into
func (c *Client) OrganizationID() string { return c.session.OrganizationID }

// AgentID is the agent record behind the session user
func (c *Client) AgentID() string { return c.agentID }

// readPump feeds client frames to handle until the connection drops
func (c *Client) readPump(ctx context.Context, handle func(context.Context, *Client, []byte)) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		handle(ctx, c, raw)
	}
}

// writePump drains send to the socket. It owns all writes to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var errClientGone = errors.New("client disconnected")

// reply queues a frame for this client only
func (c *Client) reply(event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}
	if !c.hub.sendTo(c, frame) {
		return errClientGone
	}
	return nil
}
