package security

import (
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	// DefaultIdleTimeout is how long an identifier's bucket is kept after its last request
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultMaxEntries caps the number of tracked identifiers
	DefaultMaxEntries = 10000
)

// RateLimiter provides per-identifier token bucket rate limiting.
// Buckets are held in an expiring cache and dropped after DefaultIdleTimeout
// of inactivity.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    *gocache.Cache
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
}

// NewRateLimiter allows requestsPerSecond sustained with the given burst.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterEvery(rate.Limit(requestsPerSecond), burst, logger)
}

// NewRateLimiterEvery builds a limiter from an explicit rate.Limit, which
// allows slow rates such as rate.Every(6*time.Minute).
func NewRateLimiterEvery(limit rate.Limit, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		buckets:    gocache.New(DefaultIdleTimeout, 5*time.Minute),
		limit:      limit,
		burst:      burst,
		maxEntries: DefaultMaxEntries,
		logger:     logger,
	}
}

// Allow reports whether a request from identifier may proceed.
// When the table is full, unknown identifiers are refused rather than
// evicting active ones.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, ok := rl.buckets.Get(identifier); ok {
		lim := v.(*rate.Limiter)
		// Re-set to slide the idle expiry forward.
		rl.buckets.SetDefault(identifier, lim)
		return lim.Allow()
	}

	if rl.maxEntries > 0 && rl.buckets.ItemCount() >= rl.maxEntries {
		rl.logger.Warn("Rate limiter at capacity, refusing new identifier",
			"max_entries", rl.maxEntries)
		return false
	}

	lim := rate.NewLimiter(rl.limit, rl.burst)
	rl.buckets.SetDefault(identifier, lim)
	return lim.Allow()
}

// Len returns the number of tracked identifiers
func (rl *RateLimiter) Len() int {
	return rl.buckets.ItemCount()
}

// Stop drops all buckets.
func (rl *RateLimiter) Stop() {
	rl.buckets.Flush()
}
