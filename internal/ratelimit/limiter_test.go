package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAllow_WithinWindow(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(time.Minute).WithClock(clk.now)

	assert.True(t, l.Allow("simple/price"))
	clk.advance(30 * time.Second)
	assert.False(t, l.Allow("simple/price"))

	// Other endpoints are tracked independently.
	assert.True(t, l.Allow("search"))
}

func TestAllow_RejectionDoesNotRecord(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(time.Minute).WithClock(clk.now)

	assert.True(t, l.Allow("history"))
	clk.advance(59 * time.Second)
	assert.False(t, l.Allow("history"))

	// Window counts from the permitted call, not the rejected one.
	clk.advance(time.Second)
	assert.True(t, l.Allow("history"))
}

func TestRecordAndPrune(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(0).WithClock(clk.now)
	assert.Equal(t, DefaultWindow, l.Window)

	l.Record("simple/price")
	l.Record("search")
	assert.False(t, l.Allow("simple/price"))
	assert.Equal(t, 2, l.Trackers())

	clk.advance(DefaultWindow)
	l.Prune()
	assert.Equal(t, 0, l.Trackers())

	l.Record("x")
	l.Reset()
	assert.Equal(t, 0, l.Trackers())
}
