package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterTTL is how long an idle caller's limiter is kept
const limiterTTL = 10 * time.Minute

// RateLimiter implements per-caller submission rate limiting
type RateLimiter struct {
	mu sync.Mutex

	limit    rate.Limit
	burst    int
	limiters map[string]*callerLimiter
	now      func() time.Time
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing perMinute submissions per caller
// with bursts of up to burst. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*callerLimiter),
		now:      time.Now,
	}
}

// CheckSubmissionRate checks if a caller can submit another job
func (rl *RateLimiter) CheckSubmissionRate(ctx context.Context, caller string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.evict(now)

	cl, exists := rl.limiters[caller]
	if !exists {
		cl = &callerLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[caller] = cl
	}
	cl.lastSeen = now

	if !cl.limiter.AllowN(now, 1) {
		return ErrRateLimitExceeded
	}
	return nil
}

// evict drops limiters for callers idle longer than limiterTTL. Caller must hold rl.mu.
func (rl *RateLimiter) evict(now time.Time) {
	for caller, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > limiterTTL {
			delete(rl.limiters, caller)
		}
	}
}
