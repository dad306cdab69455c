package channel

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Rate limiter defaults: per-sender fixed window.
const (
	DefaultRateLimit  = 100
	DefaultRateWindow = 60 * time.Second
)

// RateLimiter is a fixed-window per-sender request counter.
type RateLimiter struct {
	limit  uint64
	window time.Duration

	mu      sync.Mutex
	entries map[common.Address]rateEntry
}

type rateEntry struct {
	count     uint64
	windowEnd uint64
}

// NewRateLimiter builds a limiter allowing limit requests per window per
// sender. Zero values fall back to the defaults.
func NewRateLimiter(limit uint64, window time.Duration) *RateLimiter {
	if limit == 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[common.Address]rateEntry),
	}
}

// Allow records one request for sender at the given unix time and reports
// whether it fits in the current window.
func (l *RateLimiter) Allow(sender common.Address, now uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[sender]
	if !ok || now >= e.windowEnd {
		l.entries[sender] = rateEntry{count: 1, windowEnd: now + uint64(l.window.Seconds())}
		return true
	}
	if e.count >= l.limit {
		return false
	}
	e.count++
	l.entries[sender] = e
	return true
}
