package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"main/pkg/exception"
)

var (
	ErrRetriesExhausted = errors.New("ratelimit: retries exhausted")
)

// Priority orders contending requests. Lower values run first.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
)

const backoffExponentCap = 5

// Config tunes the token bucket and its retry policy.
type Config struct {
	MaxPerSecond  float64
	Burst         int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	MaxRetries    int
}

// DefaultConfig matches conservative venue REST limits.
func DefaultConfig() Config {
	return Config{
		MaxPerSecond:  10,
		Burst:         5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
		MaxRetries:    10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPerSecond <= 0 {
		c.MaxPerSecond = d.MaxPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	return c
}

type waiter struct {
	priority Priority
	seq      uint64
	index    int
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// Limiter is a token bucket with priority-ordered waiters. Critical
// requests are never abandoned; lower priorities fail after the
// configured retry budget.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	tokens  float64
	last    time.Time
	seq     uint64
	waiters waiterHeap

	// retryAfter is a server hint consumed by the next delay computation.
	retryAfter time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New allocates a limiter with a full burst of tokens.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:    cfg,
		tokens: float64(cfg.Burst),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	l.last = l.now()
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.cfg.MaxPerSecond
		if l.tokens > float64(l.cfg.Burst) {
			l.tokens = float64(l.cfg.Burst)
		}
	}
	l.last = now
}

// SetRetryAfter records a server retry hint. The hint overrides the
// next computed backoff delay, once.
func (l *Limiter) SetRetryAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.retryAfter = d
	l.mu.Unlock()
}

// nextDelayLocked computes the wait before the given retry. A pending
// server hint wins and is cleared.
func (l *Limiter) nextDelayLocked(retries int) time.Duration {
	if l.retryAfter > 0 {
		d := l.retryAfter
		l.retryAfter = 0
		if d > l.cfg.MaxRetryDelay {
			d = l.cfg.MaxRetryDelay
		}
		return d
	}
	exp := retries
	if exp > backoffExponentCap {
		exp = backoffExponentCap
	}
	d := l.cfg.RetryDelay << uint(exp)
	if d > l.cfg.MaxRetryDelay {
		d = l.cfg.MaxRetryDelay
	}
	return d
}

// Acquire blocks until a token is granted. Contending callers are
// served by (priority, arrival) order.
func (l *Limiter) Acquire(ctx context.Context, prio Priority) error {
	l.mu.Lock()
	l.refillLocked()
	if l.tokens >= 1 && len(l.waiters) == 0 {
		l.tokens--
		l.mu.Unlock()
		return nil
	}

	l.seq++
	w := &waiter{priority: prio, seq: l.seq}
	heap.Push(&l.waiters, w)

	retries := 0
	for {
		delay := l.nextDelayLocked(retries)
		l.mu.Unlock()

		if err := l.sleep(ctx, delay); err != nil {
			l.remove(w)
			return err
		}

		l.mu.Lock()
		l.refillLocked()
		if l.tokens >= 1 && len(l.waiters) > 0 && l.waiters[0] == w {
			heap.Pop(&l.waiters)
			l.tokens--
			l.mu.Unlock()
			return nil
		}

		retries++
		if prio != PriorityCritical && retries >= l.cfg.MaxRetries {
			l.removeLocked(w)
			l.mu.Unlock()
			return ErrRetriesExhausted
		}
	}
}

func (l *Limiter) remove(w *waiter) {
	l.mu.Lock()
	l.removeLocked(w)
	l.mu.Unlock()
}

func (l *Limiter) removeLocked(w *waiter) {
	if w.index >= 0 && w.index < len(l.waiters) && l.waiters[w.index] == w {
		heap.Remove(&l.waiters, w.index)
	}
}

// Execute acquires a token and runs fn. A rate-limited response from
// fn records the server hint and retries under the same priority
// rules.
func (l *Limiter) Execute(ctx context.Context, prio Priority, fn func(context.Context) error) error {
	attempts := 0
	for {
		if err := l.Acquire(ctx, prio); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, exception.ErrRateLimited) {
			return err
		}

		var hint *exception.RateLimit
		if errors.As(err, &hint) && hint.RetryAfter > 0 {
			l.SetRetryAfter(hint.RetryAfter)
		}
		attempts++
		if prio != PriorityCritical && attempts >= l.cfg.MaxRetries {
			return ErrRetriesExhausted
		}
		l.mu.Lock()
		delay := l.nextDelayLocked(attempts - 1)
		l.mu.Unlock()
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
	}
}
