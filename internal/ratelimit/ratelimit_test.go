package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiterBurstAndRefill(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := newLimiter(10, 3, clock.now)

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow(), "burst exhausted")

	clock.advance(100 * time.Millisecond)
	assert.True(t, l.Allow(), "one token refilled")
	assert.False(t, l.Allow())

	clock.advance(time.Hour)
	assert.True(t, l.AllowN(3))
	assert.False(t, l.AllowN(1), "refill is capped at burst")
}

func TestKeyedIsolatesKeys(t *testing.T) {
	k := NewKeyed(1, 1, time.Minute)
	clock := &fakeClock{t: time.Now()}
	k.now = clock.now

	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))
	assert.True(t, k.Allow("b"))
	assert.Equal(t, 2, k.Len())

	clock.advance(30 * time.Second)
	k.Allow("b")
	clock.advance(45 * time.Second)

	assert.Equal(t, 1, k.Sweep())
	assert.Equal(t, 1, k.Len())
}
