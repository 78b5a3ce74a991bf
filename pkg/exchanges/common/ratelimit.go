package common

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// UsageTracker follows request-weight consumption reported by the exchange
// in response headers, so callers can back off before hitting a ban.
type UsageTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewUsageTracker creates a tracker for the given weight budget per window
// (2400/min for USDT-M futures).
func NewUsageTracker(limit int, resetInterval time.Duration) *UsageTracker {
	return &UsageTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader ingests the X-MBX-USED-WEIGHT-* header value.
func (t *UsageTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if time.Since(t.lastReset) >= t.resetInterval {
		t.usedWeight = 0
		t.lastReset = time.Now()
	}
	t.usedWeight = weight

	pct := float64(t.usedWeight) / float64(t.limit) * 100
	if pct >= 95 {
		log.Printf("rate limit critical: %d/%d (%.1f%%)", t.usedWeight, t.limit, pct)
	} else if pct >= 80 {
		log.Printf("rate limit warning: %d/%d (%.1f%%)", t.usedWeight, t.limit, pct)
	}
}

// Usage returns current consumption within the active window.
func (t *UsageTracker) Usage() (used, limit int, pct float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if time.Since(t.lastReset) >= t.resetInterval {
		return 0, t.limit, 0
	}
	return t.usedWeight, t.limit, float64(t.usedWeight) / float64(t.limit) * 100
}

// ShouldDelay reports whether the next request should wait for the window.
func (t *UsageTracker) ShouldDelay() bool {
	_, _, pct := t.Usage()
	return pct >= 90
}
