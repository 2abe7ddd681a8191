// ABOUTME: Client-to-gateway commands: room membership, typing, presence and read receipts
// ABOUTME: Every rejection reaches the client as a generic error frame, never internal text

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tenant"
)

// Commands accepted from clients
const (
	CmdJoinOrganization  = "join:organization"
	CmdLeaveOrganization = "leave:organization"
	CmdJoinChannel       = "join:channel"
	CmdLeaveChannel      = "leave:channel"
	CmdTypingStart       = "typing:start"
	CmdTypingStop        = "typing:stop"
	CmdPresenceAvailable = "presence:available"
	CmdReadChannel       = "read:channel"
)

// Replies sent back to the issuing client
const (
	ReplyJoined = "joined"
	ReplyLeft   = "left"
	ReplyRead   = "read"
	ReplyError  = "error"
)

// Generic client-facing failure messages
const (
	msgInvalidRequest = "invalid request"
	msgForbidden      = "not allowed"
	msgNotFound       = "not found"
	msgUnavailable    = "temporarily unavailable"
	msgUnknownCommand = "unknown command"
)

var (
	errInvalidArgument = errors.New("invalid command argument")
	errForbidden       = errors.New("command not allowed")
)

// commandArg is the single argument commands take: either a bare string or
// an object naming the organization or conversation.
type commandArg struct {
	OrgID  string `json:"orgId"`
	ChatID string `json:"chatId"`
	value  string
}

func parseArg(raw json.RawMessage) (commandArg, error) {
	var arg commandArg
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return arg, errInvalidArgument
	}
	if trimmed[0] == '"' {
		if err := json.Unmarshal(raw, &arg.value); err != nil {
			return arg, errInvalidArgument
		}
		arg.value = strings.TrimSpace(arg.value)
		return arg, nil
	}
	if err := json.Unmarshal(raw, &arg); err != nil {
		return arg, errInvalidArgument
	}
	return arg, nil
}

func (a commandArg) org() string {
	if a.OrgID != "" {
		return a.OrgID
	}
	return a.value
}

func (a commandArg) chat() string {
	if a.ChatID != "" {
		return a.ChatID
	}
	return a.value
}

type roomReply struct {
	Room string `json:"room"`
}

type errorReply struct {
	Message string `json:"message"`
}

// handleCommand runs one client frame. It never returns internal errors to the client.
func (g *Gateway) handleCommand(ctx context.Context, c *Client, raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
		g.replyError(c, msgInvalidRequest)
		return
	}

	var err error
	switch f.Event {
	case CmdJoinOrganization, CmdLeaveOrganization:
		err = g.organizationMembership(c, f)
	case CmdJoinChannel, CmdLeaveChannel:
		err = g.channelMembership(ctx, c, f)
	case CmdTypingStart, CmdTypingStop:
		err = g.typingSignal(ctx, c, f)
	case CmdPresenceAvailable:
		err = g.presenceSignal(ctx, c, f)
	case CmdReadChannel:
		err = g.readChannel(ctx, c, f)
	default:
		g.replyError(c, msgUnknownCommand)
		return
	}

	if err != nil {
		g.logger.Debug("command rejected",
			"command", f.Event,
			"client_id", c.id,
			"org_id", c.OrganizationID(),
			"error", err,
		)
		g.replyError(c, clientMessage(err))
	}
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, errInvalidArgument):
		return msgInvalidRequest
	case errors.Is(err, errForbidden):
		return msgForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrUnroutable):
		return msgNotFound
	case errors.Is(err, tenant.ErrUnknownTenant), errors.Is(err, tenant.ErrTenantNotActive):
		return msgForbidden
	}
	return msgUnavailable
}

func (g *Gateway) replyError(c *Client, message string) {
	_ = c.reply(ReplyError, errorReply{Message: message})
}

// organizationMembership only lets a client into its own tenant's room
func (g *Gateway) organizationMembership(c *Client, f Frame) error {
	arg, err := parseArg(f.Data)
	if err != nil {
		return err
	}
	orgID := arg.org()
	if orgID == "" {
		return errInvalidArgument
	}
	if orgID != c.OrganizationID() {
		return errForbidden
	}

	room := OrgRoom(orgID)
	if f.Event == CmdJoinOrganization {
		g.hub.Join(c, room)
		return c.reply(ReplyJoined, roomReply{Room: room})
	}
	g.hub.Leave(c, room)
	return c.reply(ReplyLeft, roomReply{Room: room})
}

func (g *Gateway) channelMembership(ctx context.Context, c *Client, f Frame) error {
	arg, err := parseArg(f.Data)
	if err != nil {
		return err
	}
	chatID := arg.chat()
	if chatID == "" {
		return errInvalidArgument
	}
	room := ChatRoom(chatID)

	if f.Event == CmdLeaveChannel {
		g.hub.Leave(c, room)
		return c.reply(ReplyLeft, roomReply{Room: room})
	}

	ts, err := g.router.GetConnection(ctx, c.OrganizationID())
	if err != nil {
		return err
	}
	if _, err := ts.GetConversation(ctx, chatID); err != nil {
		return err
	}
	g.hub.Join(c, room)
	return c.reply(ReplyJoined, roomReply{Room: room})
}

func (g *Gateway) typingSignal(ctx context.Context, c *Client, f Frame) error {
	arg, err := parseArg(f.Data)
	if err != nil {
		return err
	}
	chatID := arg.chat()
	if chatID == "" {
		return errInvalidArgument
	}

	target, err := g.typing.Resolve(ctx, c.OrganizationID(), c.AgentID(), chatID)
	if err != nil {
		return err
	}
	ev, err := eventbus.NewEvent(f.Event, TypingData{
		ChatID:               target.ChatID,
		AgentID:              c.AgentID(),
		SenderOrganizationID: c.OrganizationID(),
	})
	if err != nil {
		return err
	}
	ev.OrganizationID = target.OrganizationID
	ev.TargetAgentID = target.TargetAgentID
	ev.ChatID = target.ChatID
	return g.bus.Publish(ctx, eventbus.ChannelTyping, ev)
}

func (g *Gateway) presenceSignal(ctx context.Context, c *Client, f Frame) error {
	if g.presence == nil {
		return nil
	}
	arg, err := parseArg(f.Data)
	if err != nil {
		return err
	}
	chatID := arg.chat()
	if chatID == "" {
		return errInvalidArgument
	}
	_, err = g.presence.Available(ctx, c.OrganizationID(), chatID)
	return err
}

// readChannel clears the client's unread state and tells the bus so the
// counterpart organization can mark its messages read.
func (g *Gateway) readChannel(ctx context.Context, c *Client, f Frame) error {
	arg, err := parseArg(f.Data)
	if err != nil {
		return err
	}
	chatID := arg.chat()
	if chatID == "" {
		return errInvalidArgument
	}

	ts, err := g.router.GetConnection(ctx, c.OrganizationID())
	if err != nil {
		return err
	}
	conv, err := ts.GetConversation(ctx, chatID)
	if err != nil {
		return err
	}
	if err := ts.MarkParticipantRead(ctx, conv.ID, c.AgentID(), g.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if conv.UnreadCount != 0 {
		if err := ts.ClearConversationUnread(ctx, conv); err != nil {
			return err
		}
	}

	ev, err := eventbus.ChatEvent(eventbus.TypeChatRead, "", conv)
	if err != nil {
		return err
	}
	if err := g.bus.Publish(ctx, eventbus.ChannelChat, ev); err != nil {
		return err
	}
	return c.reply(ReplyRead, roomReply{Room: ChatRoom(conv.ID)})
}
