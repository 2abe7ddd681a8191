// ABOUTME: Tests for the suppression window cache
// ABOUTME: Drives time through a fake clock so window expiry is deterministic

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, window time.Duration, size int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := New(window, size)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestAllow_SuppressesWithinWindow(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)

	assert.True(t, c.Allow("chat-1"))
	assert.False(t, c.Allow("chat-1"))
	assert.True(t, c.Allow("chat-2"), "keys are independent")

	clock.Advance(59 * time.Second)
	assert.False(t, c.Allow("chat-1"))

	clock.Advance(time.Second)
	assert.True(t, c.Allow("chat-1"), "window elapsed")
}

func TestAllow_SuppressedCallDoesNotExtendWindow(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)

	require.True(t, c.Allow("chat-1"))
	clock.Advance(50 * time.Second)
	require.False(t, c.Allow("chat-1"))
	clock.Advance(10 * time.Second)
	assert.True(t, c.Allow("chat-1"))
}

func TestSeen(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)

	assert.False(t, c.Seen("chat-1"))
	c.Allow("chat-1")
	assert.True(t, c.Seen("chat-1"))
	clock.Advance(2 * time.Minute)
	assert.False(t, c.Seen("chat-1"))
}

func TestForget(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	require.True(t, c.Allow("chat-1"))
	c.Forget("chat-1")
	assert.True(t, c.Allow("chat-1"))
	c.Forget("never-marked")
}

func TestEviction_OldestFirst(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, 3)

	for i := range 3 {
		c.Allow(fmt.Sprintf("k%d", i))
		clock.Advance(time.Second)
	}
	c.Allow("k3")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("k0"), "oldest evicted")
	for _, k := range []string{"k1", "k2", "k3"} {
		assert.True(t, c.Seen(k), k)
	}
}

func TestExpire(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)

	c.Allow("old")
	clock.Advance(30 * time.Second)
	c.Allow("new")
	clock.Advance(40 * time.Second)

	c.expire()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("new"))
}

func TestAllow_Concurrent(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Allow("chat-1") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 0)
	c.Close()
	c.Close()
	assert.Equal(t, time.Minute, c.Window())
}
