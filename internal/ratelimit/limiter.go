// Package ratelimit paces outbound requests from the native recon tools so
// a scan does not hammer any single host.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
)

var _ core.RateLimiter = (*Limiter)(nil)

// Limiter combines a global token bucket with a per-host minimum delay.
type Limiter struct {
	limiter  *rate.Limiter
	minDelay time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewLimiter(cfg config.HostRateLimitConfig) *Limiter {
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter:  rate.NewLimiter(limit, burst),
		minDelay: cfg.MinDelay,
		lastSeen: make(map[string]time.Time),
	}
}

// WaitForHost blocks until a request to host may be sent.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if l.minDelay <= 0 {
		return nil
	}

	// Reserve the host's next slot under the lock, sleep outside it.
	l.mu.Lock()
	now := time.Now()
	slot := now
	if last, ok := l.lastSeen[host]; ok && last.Add(l.minDelay).After(now) {
		slot = last.Add(l.minDelay)
	}
	l.lastSeen[host] = slot
	l.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return nil
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

// TrackedHosts reports how many hosts have been paced so far.
func (l *Limiter) TrackedHosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lastSeen)
}
