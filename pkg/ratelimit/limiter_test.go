package ratelimit

import (
	"container/heap"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/pkg/exception"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// newTestLimiter wires a limiter to a fake clock. Sleeps advance the
// clock instead of blocking.
func newTestLimiter(cfg Config) (*Limiter, *fakeClock, *[]time.Duration) {
	clock := newFakeClock()
	delays := &[]time.Duration{}
	l := New(cfg)
	l.now = clock.Now
	l.last = clock.Now()
	l.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		clock.Advance(d)
		return nil
	}
	return l, clock, delays
}

func TestAcquireFastPath(t *testing.T) {
	l, _, delays := newTestLimiter(Config{})
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background(), PriorityNormal))
	}
	assert.Empty(t, *delays)
}

func TestAcquireWaitsAndRefills(t *testing.T) {
	l, _, delays := newTestLimiter(Config{Burst: 1, MaxPerSecond: 10})
	require.NoError(t, l.Acquire(context.Background(), PriorityNormal))

	// Bucket empty: one backoff sleep refills 10 tokens worth of time.
	require.NoError(t, l.Acquire(context.Background(), PriorityNormal))
	require.Len(t, *delays, 1)
	assert.Equal(t, time.Second, (*delays)[0])
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{Burst: 1, MaxPerSecond: 0.001, RetryDelay: time.Second, MaxRetryDelay: 30 * time.Second, MaxRetries: 10}
	l, _, delays := newTestLimiter(cfg)
	require.NoError(t, l.Acquire(context.Background(), PriorityNormal))

	err := l.Acquire(context.Background(), PriorityNormal)
	require.ErrorIs(t, err, ErrRetriesExhausted)

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	assert.Equal(t, want, *delays)
}

func TestRetryAfterHintConsumedOnce(t *testing.T) {
	cfg := Config{Burst: 1, MaxPerSecond: 10}
	l, _, delays := newTestLimiter(cfg)
	require.NoError(t, l.Acquire(context.Background(), PriorityNormal))

	l.SetRetryAfter(5 * time.Second)
	require.NoError(t, l.Acquire(context.Background(), PriorityNormal))

	require.NoError(t, l.Acquire(context.Background(), PriorityNormal))
	require.NoError(t, l.Acquire(context.Background(), PriorityNormal))

	require.NotEmpty(t, *delays)
	assert.Equal(t, 5*time.Second, (*delays)[0])
	for _, d := range (*delays)[1:] {
		assert.NotEqual(t, 5*time.Second, d)
	}
}

func TestCriticalNeverAbandoned(t *testing.T) {
	cfg := Config{Burst: 1, MaxPerSecond: 0.001, MaxRetries: 2}
	clock := newFakeClock()
	l := New(cfg)
	l.now = clock.Now
	l.last = clock.Now()

	sleeps := 0
	l.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		clock.Advance(d)
		if sleeps == 5 {
			l.mu.Lock()
			l.tokens = 1
			l.last = clock.Now()
			l.mu.Unlock()
		}
		return nil
	}

	require.NoError(t, l.Acquire(context.Background(), PriorityNormal))
	require.NoError(t, l.Acquire(context.Background(), PriorityCritical))
	assert.GreaterOrEqual(t, sleeps, 5)
}

func TestWaiterOrderIsPriorityThenArrival(t *testing.T) {
	l := New(Config{})
	l.seq++
	normal := &waiter{priority: PriorityNormal, seq: l.seq}
	l.seq++
	high := &waiter{priority: PriorityHigh, seq: l.seq}
	l.seq++
	critical := &waiter{priority: PriorityCritical, seq: l.seq}
	l.seq++
	critical2 := &waiter{priority: PriorityCritical, seq: l.seq}

	for _, w := range []*waiter{normal, high, critical, critical2} {
		heap.Push(&l.waiters, w)
	}
	order := make([]*waiter, 0, 4)
	for l.waiters.Len() > 0 {
		order = append(order, heap.Pop(&l.waiters).(*waiter))
	}

	assert.Equal(t, []*waiter{critical, critical2, high, normal}, order)
}

func TestAcquireHonorsContext(t *testing.T) {
	cfg := Config{Burst: 1, MaxPerSecond: 0.001}
	l, _, _ := newTestLimiter(cfg)
	require.NoError(t, l.Acquire(context.Background(), PriorityNormal))

	ctx, cancel := context.WithCancel(context.Background())
	l.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	err := l.Acquire(ctx, PriorityNormal)
	require.ErrorIs(t, err, context.Canceled)

	l.mu.Lock()
	assert.Zero(t, l.waiters.Len())
	l.mu.Unlock()
}

func TestExecuteRetriesOnRateLimitedResponse(t *testing.T) {
	l, _, delays := newTestLimiter(Config{})

	calls := 0
	err := l.Execute(context.Background(), PriorityHigh, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &exception.RateLimit{RetryAfter: 7 * time.Second}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// Server hints must drive the waits between attempts.
	assert.Contains(t, *delays, 7*time.Second)
}

func TestExecutePropagatesOtherErrors(t *testing.T) {
	l, _, _ := newTestLimiter(Config{})
	wantErr := exception.ErrOrderFailed
	err := l.Execute(context.Background(), PriorityNormal, func(ctx context.Context) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestExecuteAbandonsNonCriticalAfterMaxRetries(t *testing.T) {
	l, _, _ := newTestLimiter(Config{MaxRetries: 3})
	calls := 0
	err := l.Execute(context.Background(), PriorityNormal, func(ctx context.Context) error {
		calls++
		return &exception.RateLimit{}
	})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, calls)
}
