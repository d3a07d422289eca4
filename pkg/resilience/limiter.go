package resilience

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a minimum interval between call starts. One Limiter is
// shared per provider instance. Wait reserves the next start slot under the
// lock and sleeps outside it, so a slow sleeper never blocks other callers
// beyond the minimum spacing.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// NewLimiter allows callsPerSecond starts per second. A non-positive rate
// disables limiting.
func NewLimiter(callsPerSecond float64) *Limiter {
	if callsPerSecond <= 0 {
		return &Limiter{}
	}
	return &Limiter{interval: time.Duration(float64(time.Second) / callsPerSecond)}
}

// Wait blocks until the caller's reserved slot arrives or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.interval == 0 {
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	l.next = slot.Add(l.interval)
	l.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
