package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock drives a limiter deterministically.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *testClock) {
	clk := &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter("test", cfg)
	l.now = clk.Now
	return l, clk
}

func TestLimiterAllowsWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxRequests: 5, Window: time.Minute, BlockDuration: 5 * time.Minute})

	for i := 0; i < 5; i++ {
		res := l.Check("client-a")
		assert.True(t, res.Allowed, "request %d should pass", i+1)
	}
	assert.Equal(t, 0, l.Remaining("client-a"))
}

func TestLimiterBlocksOverBudget(t *testing.T) {
	l, clk := newTestLimiter(Config{MaxRequests: 5, Window: time.Minute, BlockDuration: 5 * time.Minute})

	for i := 0; i < 5; i++ {
		require.True(t, l.Check("client-a").Allowed)
	}

	res := l.Check("client-a")
	assert.False(t, res.Allowed)
	assert.Equal(t, 300, res.RetryAfter)

	// Still blocked partway through; RetryAfter counts down.
	clk.Advance(2 * time.Minute)
	res = l.Check("client-a")
	assert.False(t, res.Allowed)
	assert.Equal(t, 180, res.RetryAfter)
}

func TestLimiterBlockDecays(t *testing.T) {
	l, clk := newTestLimiter(Config{MaxRequests: 2, Window: time.Minute, BlockDuration: 5 * time.Minute})

	require.True(t, l.Check("client-a").Allowed)
	require.True(t, l.Check("client-a").Allowed)
	require.False(t, l.Check("client-a").Allowed)

	clk.Advance(5*time.Minute + time.Second)
	res := l.Check("client-a")
	assert.True(t, res.Allowed, "block should decay after BlockDuration")
	assert.Equal(t, 1, l.Remaining("client-a"), "fresh window after decay")
}

func TestLimiterWindowSlides(t *testing.T) {
	l, clk := newTestLimiter(Config{MaxRequests: 3, Window: time.Minute, BlockDuration: 5 * time.Minute})

	require.True(t, l.Check("client-a").Allowed)
	require.True(t, l.Check("client-a").Allowed)
	require.True(t, l.Check("client-a").Allowed)

	// Window expired without a violation: the count resets instead of blocking.
	clk.Advance(61 * time.Second)
	res := l.Check("client-a")
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, l.Remaining("client-a"))
}

func TestLimiterIsolatesIdentifiers(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxRequests: 1, Window: time.Minute, BlockDuration: time.Minute})

	require.True(t, l.Check("client-a").Allowed)
	require.False(t, l.Check("client-a").Allowed)
	assert.True(t, l.Check("client-b").Allowed, "other identifiers are unaffected")
}

func TestLimiterSweep(t *testing.T) {
	l, clk := newTestLimiter(Config{MaxRequests: 2, Window: time.Minute, BlockDuration: time.Minute})

	for i := 0; i < 10; i++ {
		l.Check(fmt.Sprintf("client-%d", i))
	}
	// One identifier earns a block.
	l.Check("client-0")
	l.Check("client-0")
	require.Equal(t, 10, l.Size())

	// Nothing is sweepable while windows are live.
	assert.Equal(t, 0, l.Sweep())

	clk.Advance(2*time.Minute + time.Second)
	assert.Equal(t, 10, l.Sweep())
	assert.Equal(t, 0, l.Size())
}

func TestLimiterSweepKeepsActiveBlocks(t *testing.T) {
	l, clk := newTestLimiter(Config{MaxRequests: 1, Window: time.Second, BlockDuration: 10 * time.Minute})

	l.Check("offender")
	l.Check("offender") // blocked for 10m

	clk.Advance(2 * time.Second)
	assert.Equal(t, 0, l.Sweep(), "blocked entries survive window expiry")

	res := l.Check("offender")
	assert.False(t, res.Allowed)
}

func TestSessionBeginProfile(t *testing.T) {
	l, _ := newTestLimiter(SessionBeginConfig())

	for i := 0; i < 5; i++ {
		require.True(t, l.Check("begin:203.0.113.9").Allowed)
	}
	res := l.Check("begin:203.0.113.9")
	assert.False(t, res.Allowed)
	assert.Equal(t, 300, res.RetryAfter)
}

func TestProfileConstants(t *testing.T) {
	assert.Equal(t, Config{MaxRequests: 60, Window: time.Minute, BlockDuration: 5 * time.Minute}, ControlConfig())
	assert.Equal(t, Config{MaxRequests: 30, Window: time.Minute, BlockDuration: 5 * time.Minute}, APIConfig())
	assert.Equal(t, Config{MaxRequests: 120, Window: time.Minute, BlockDuration: time.Minute}, HeartbeatConfig())
	assert.Equal(t, Config{MaxRequests: 5, Window: time.Minute, BlockDuration: 5 * time.Minute}, SessionBeginConfig())
}

func TestCeilSeconds(t *testing.T) {
	assert.Equal(t, 1, ceilSeconds(time.Second))
	assert.Equal(t, 2, ceilSeconds(time.Second+time.Millisecond))
	assert.Equal(t, 0, ceilSeconds(0))
}
