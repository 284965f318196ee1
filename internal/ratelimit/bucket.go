// Package ratelimit implements the Google Sheets API quota gate.
//
// Google enforces two read quotas at once: 300 requests/min and 100
// requests/100s per user. Both are modeled as token buckets and a request
// must clear both before it leaves the process. Capacities and refill
// rates are scaled once by a safety factor at construction so several
// processes can share the quota.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Google Sheets read quota, before safety scaling.
const (
	perMinuteCapacity = 300.0
	perMinuteRate     = 5.0 // 300 per 60s
	per100sCapacity   = 100.0
	per100sRate       = 1.0 // 100 per 100s
)

type bucket struct {
	capacity   float64
	rate       float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// waitFor returns how long until n tokens are available, zero if now.
func (b *bucket) waitFor(n float64) time.Duration {
	if b.tokens >= n {
		return 0
	}
	return time.Duration((n - b.tokens) / b.rate * float64(time.Second))
}

// Limiter gates callers through both quota buckets with a fair FIFO wait.
type Limiter struct {
	queue chan struct{} // held while acquiring; channel waiters are FIFO

	mu      sync.Mutex
	buckets []*bucket
	clock   func() time.Time
}

// NewLimiter builds a dual-bucket limiter scaled by safetyFactor (0, 1].
func NewLimiter(safetyFactor float64) *Limiter {
	return newLimiter(safetyFactor, time.Now)
}

func newLimiter(safetyFactor float64, clock func() time.Time) *Limiter {
	now := clock()
	mk := func(capacity, rate float64) *bucket {
		return &bucket{
			capacity:   capacity * safetyFactor,
			rate:       rate * safetyFactor,
			tokens:     capacity * safetyFactor,
			lastRefill: now,
		}
	}
	l := &Limiter{
		queue: make(chan struct{}, 1),
		buckets: []*bucket{
			mk(perMinuteCapacity, perMinuteRate),
			mk(per100sCapacity, per100sRate),
		},
		clock: clock,
	}
	return l
}

// Acquire blocks until n tokens are available in every bucket, then
// deducts them from all buckets atomically. It returns an error when n
// exceeds any bucket's capacity or the context ends first.
func (l *Limiter) Acquire(ctx context.Context, n float64) error {
	for _, b := range l.buckets {
		if n > b.capacity {
			return fmt.Errorf("op=ratelimit.Acquire: %.1f tokens exceed bucket capacity %.1f", n, b.capacity)
		}
	}

	// One caller negotiates with the buckets at a time, so waiters are
	// served in arrival order instead of racing on wakeup.
	select {
	case l.queue <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("op=ratelimit.Acquire: %w", ctx.Err())
	}
	defer func() { <-l.queue }()

	for {
		l.mu.Lock()
		now := l.clock()
		var wait time.Duration
		for _, b := range l.buckets {
			b.refill(now)
			if w := b.waitFor(n); w > wait {
				wait = w
			}
		}
		if wait == 0 {
			for _, b := range l.buckets {
				b.tokens -= n
			}
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("op=ratelimit.Acquire: %w", ctx.Err())
		}
	}
}

// Available reports the current token count of the most constrained
// bucket. Intended for health output.
func (l *Limiter) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	min := -1.0
	for _, b := range l.buckets {
		b.refill(now)
		if min < 0 || b.tokens < min {
			min = b.tokens
		}
	}
	return min
}
