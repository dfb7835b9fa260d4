// Package ratelimit implements a sliding-window admission limiter for
// the worker dispatch loop.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits at most max events per window. Safe for concurrent use.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

// New creates a Limiter allowing max events per window.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:    max,
		window: window,
		now:    time.Now,
		stamps: make([]time.Time, 0, max),
	}
}

// Acquire records one event. Returns false when the window is full.
func (l *Limiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)

	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Remaining reports how many events are still admissible in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(l.now())
	return l.max - len(l.stamps)
}

// Max returns the configured window capacity.
func (l *Limiter) Max() int { return l.max }

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration { return l.window }

// evict drops timestamps older than the window. Caller holds l.mu.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}
