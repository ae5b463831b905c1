package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests step time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := NewRateLimiter(limit, window, 3, 10*time.Second, 60*time.Second)
	l.now = clock.now
	return l, clock
}

func TestRateLimiter_Window(t *testing.T) {
	l, clock := newTestLimiter(3, time.Minute)

	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"), "fourth call inside the window must be rejected")

	// Another client has its own window.
	assert.True(t, l.Allow("c2"))

	// Sliding, not fixed: once the oldest event ages out, one slot frees up.
	clock.advance(61 * time.Second)
	assert.True(t, l.Allow("c1"))
}

func TestRateLimiter_PartialSlide(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	assert.True(t, l.Allow("c1"))
	clock.advance(30 * time.Second)
	assert.True(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"))

	// 31s later the first event has aged out but the second has not.
	clock.advance(31 * time.Second)
	assert.True(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"))
}

func TestRateLimiter_CoolOffBlock(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute)

	assert.True(t, l.Allow("c1"))

	// Three rejects inside the reject window trip the block.
	assert.False(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"))
	assert.True(t, l.Blocked("c1"))

	// Even after the admission window drains, the block holds.
	clock.advance(59 * time.Second)
	assert.False(t, l.Allow("c1"))

	// Block expires after the cool-off.
	clock.advance(2 * time.Second)
	assert.False(t, l.Blocked("c1"))
	assert.True(t, l.Allow("c1"))
}

func TestRateLimiter_ForgetAndSweep(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c2"))

	l.Forget("c1")
	assert.True(t, l.Allow("c1"), "forgotten client starts fresh")

	clock.advance(2 * time.Minute)
	removed := l.Sweep()
	assert.Equal(t, 2, removed, "drained clients are swept")
}
