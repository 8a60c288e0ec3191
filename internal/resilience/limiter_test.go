package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 60}, WithClock(clock.Now))

	for i := 0; i < 60; i++ {
		require.True(t, l.Check("tenant-a").Allowed, "call %d", i+1)
	}

	d := l.Check("tenant-a")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	clock.Advance(time.Second)
	assert.True(t, l.Check("tenant-a").Allowed)
	assert.False(t, l.Check("tenant-a").Allowed)
}

func TestRateLimiter_RetryAfterRoundsUp(t *testing.T) {
	clock := newFakeClock()
	// 6 в минуту: один токен в 10 секунд
	l := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 6, BurstSize: 1}, WithClock(clock.Now))

	require.True(t, l.Check("k").Allowed)
	assert.Equal(t, 10*time.Second, l.Check("k").RetryAfter)

	clock.Advance(2500 * time.Millisecond)
	assert.Equal(t, 8*time.Second, l.Check("k").RetryAfter)
}

func TestRateLimiter_KeysAndInstancesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	tenants := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1}, WithClock(clock.Now))
	global := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1}, WithClock(clock.Now))

	assert.True(t, tenants.Check("tenant-a").Allowed)
	assert.False(t, tenants.Check("tenant-a").Allowed)
	assert.True(t, tenants.Check("tenant-b").Allowed)
	assert.True(t, global.Check("tenant-a").Allowed)
}

func TestRateLimiter_AllowUsageReset(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 30, BurstSize: 3}, WithClock(clock.Now))

	assert.Equal(t, Usage{Available: 3, Max: 3}, l.Usage("k"))
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("k"))
	}
	assert.Equal(t, Usage{Available: 0, Max: 3}, l.Usage("k"))

	err := l.Allow("k")
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, "RateLimited", domain.Kind(err))
	assert.Equal(t, 2*time.Second, domain.RetryAfter(err))
	assert.True(t, domain.Retryable(err))

	l.Reset("k")
	assert.Equal(t, Usage{Available: 3, Max: 3}, l.Usage("k"))
	assert.NoError(t, l.Allow("k"))
}

func TestRateLimiter_Defaults(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{})
	assert.Equal(t, Usage{Available: 60, Max: 60}, l.Usage("any"))
}
