package logging

import (
	"sync"
	"time"
)

// RateLimited forwards at most one Warn per interval and counts what it drops.
type RateLimited struct {
	next Logger

	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
}

func NewRateLimited(next Logger, interval time.Duration) *RateLimited {
	return &RateLimited{next: next, interval: interval}
}

func (l *RateLimited) Warn(msg string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	dropped := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	if dropped > 0 {
		args = append(args, "suppressed", dropped)
	}
	l.next.Warn(msg, args...)
}
