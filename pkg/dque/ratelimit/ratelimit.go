// Package ratelimit implements the queue's fixed-window admission limiter.
//
// This is deliberately not golang.org/x/time/rate: that package is a true
// token bucket that refills continuously, while the queue's "rateLimiter"
// option resets a fixed number of tokens once per window (see spec §4.3,
// §9). Wiring x/time/rate in would silently change the tested window
// behavior, so the window is hand-rolled here instead.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window token bucket: max tokens refilled every duration.
type Limiter struct {
	mu          sync.Mutex
	max         int
	duration    time.Duration
	tokens      int
	windowStart time.Time
	now         func() time.Time
}

// New creates a Limiter with the given capacity and window length.
func New(max int, duration time.Duration) *Limiter {
	l := &Limiter{
		max:      max,
		duration: duration,
		tokens:   max,
		now:      time.Now,
	}
	l.windowStart = l.now()
	return l
}

// Consume attempts to take one token. Non-blocking: returns false immediately
// if the current window is exhausted.
func (l *Limiter) Consume() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.windowStart) >= l.duration {
		l.tokens = l.max
		l.windowStart = now
	}
	if l.tokens <= 0 {
		return false
	}
	l.tokens--
	return true
}

// Remaining reports the tokens left in the current window, or max if the
// window has elapsed. It does not reset the window; the next Consume does.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.windowStart) >= l.duration {
		return l.max
	}
	return l.tokens
}
