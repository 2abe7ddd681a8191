// ABOUTME: Tests for room membership and fan-out in the hub
// ABOUTME: Uses bare clients without sockets so delivery can be inspected on the send channel

package gateway

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/auth"
)

// bareClient registers a socketless client; frames land in its send channel
func bareClient(t *testing.T, h *Hub, id, orgID string, buffer int) *Client {
	t.Helper()
	c := &Client{
		id:      id,
		hub:     h,
		send:    make(chan []byte, buffer),
		session: &auth.Session{UserID: "user-" + id, OrganizationID: orgID},
		agentID: id,
	}
	require.True(t, h.register(c))
	return c
}

func drain(c *Client) [][]byte {
	var frames [][]byte
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "org:org-acme", OrgRoom("org-acme"))
	assert.Equal(t, "agent:agent-1", AgentRoom("agent-1"))
	assert.Equal(t, "chat:conv-1", ChatRoom("conv-1"))
}

func TestHub_JoinLeaveEmit(t *testing.T) {
	h := NewHub(nil)
	a := bareClient(t, h, "a", "org-acme", 8)
	b := bareClient(t, h, "b", "org-acme", 8)

	h.Join(a, OrgRoom("org-acme"))
	h.Join(b, OrgRoom("org-acme"))
	h.Join(a, OrgRoom("org-acme"))
	h.Join(a, AgentRoom("a"))

	assert.Equal(t, 2, h.RoomSize(OrgRoom("org-acme")))
	assert.Equal(t, 2, h.Emit(OrgRoom("org-acme"), []byte("one")))
	assert.Equal(t, 1, h.Emit(AgentRoom("a"), []byte("two")))
	assert.Equal(t, 0, h.Emit(AgentRoom("nobody"), []byte("three")))

	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, drain(a))
	assert.Equal(t, [][]byte{[]byte("one")}, drain(b))

	h.Leave(b, OrgRoom("org-acme"))
	assert.False(t, h.InRoom(b, OrgRoom("org-acme")))
	assert.Equal(t, 1, h.Emit(OrgRoom("org-acme"), []byte("four")))
	assert.Empty(t, drain(b))
}

func TestHub_SlowClientDisconnected(t *testing.T) {
	h := NewHub(nil)
	slow := bareClient(t, h, "slow", "org-acme", 1)
	fast := bareClient(t, h, "fast", "org-acme", 8)
	h.Join(slow, OrgRoom("org-acme"))
	h.Join(fast, OrgRoom("org-acme"))

	assert.Equal(t, 2, h.Emit(OrgRoom("org-acme"), []byte("1")))
	assert.Equal(t, 1, h.Emit(OrgRoom("org-acme"), []byte("2")))

	assert.False(t, h.InRoom(slow, OrgRoom("org-acme")))
	assert.True(t, h.InRoom(fast, OrgRoom("org-acme")))

	// The buffered frame is still readable, then the channel is closed
	f, ok := <-slow.send
	require.True(t, ok)
	assert.Equal(t, []byte("1"), f)
	_, ok = <-slow.send
	assert.False(t, ok)

	assert.Len(t, drain(fast), 2)
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	h := NewHub(nil)
	c := bareClient(t, h, "a", "org-acme", 1)
	h.Join(c, OrgRoom("org-acme"))

	h.unregister(c)
	h.unregister(c)
	assert.Equal(t, 0, h.RoomSize(OrgRoom("org-acme")))
	assert.False(t, h.sendTo(c, []byte("late")))

	// Joining after disconnect does nothing
	h.Join(c, OrgRoom("org-acme"))
	assert.Equal(t, 0, h.RoomSize(OrgRoom("org-acme")))
}

func TestHub_Close(t *testing.T) {
	h := NewHub(nil)
	c := bareClient(t, h, "a", "org-acme", 1)
	h.Join(c, OrgRoom("org-acme"))

	h.Close()
	_, ok := <-c.send
	assert.False(t, ok)
	assert.False(t, h.register(&Client{id: "late", send: make(chan []byte, 1)}))
}

func TestHub_ConcurrentEmitAndLeave(t *testing.T) {
	h := NewHub(nil)
	clients := make([]*Client, 20)
	for i := range clients {
		clients[i] = bareClient(t, h, string(rune('a'+i)), "org-acme", 4)
		h.Join(clients[i], OrgRoom("org-acme"))
	}

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Emit(OrgRoom("org-acme"), []byte("x"))
		}()
		go func() {
			defer wg.Done()
			h.unregister(clients[i])
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, h.RoomSize(OrgRoom("org-acme")), 10)
}
