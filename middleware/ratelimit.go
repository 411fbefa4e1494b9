package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go-dispatch-lite/core"
)

type window struct {
	count int
	end   time.Time
}

// RateLimiter is a fixed-window counter. Executions over the limit fail
// with a RateLimitedError, which feeds the normal retry path.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	key     KeyFunc
	windows map[string]*window
	now     func() time.Time
}

// RateLimited allows limit executions per key inside each window. Keys
// default to the job name.
func RateLimited(limit int, every time.Duration, key KeyFunc) *RateLimiter {
	if key == nil {
		key = ByName
	}
	return &RateLimiter{
		limit:   limit,
		window:  every,
		key:     key,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (rl *RateLimiter) Handle(mc *core.MiddlewareContext, next Next) core.JobResult {
	k := rl.key(mc)
	if retryAfter, ok := rl.allow(k); !ok {
		return core.Failed(&core.RateLimitedError{Key: k, RetryAfter: retryAfter})
	}
	return next(mc)
}

func (rl *RateLimiter) allow(k string) (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, exists := rl.windows[k]
	if !exists || !now.Before(w.end) {
		rl.windows[k] = &window{count: 1, end: now.Add(rl.window)}
		return 0, true
	}

	if w.count >= rl.limit {
		return w.end.Sub(now), false
	}

	w.count++
	return 0, true
}

// Bucket is a token-bucket limiter keyed per execution.
type Bucket struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	key      KeyFunc
	limiters map[string]*rate.Limiter
}

// TokenBucket allows perSecond sustained executions with the given burst
// per key. Keys default to the job name.
func TokenBucket(perSecond float64, burst int, key KeyFunc) *Bucket {
	if key == nil {
		key = ByName
	}
	if burst <= 0 {
		burst = 1
	}
	return &Bucket{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		key:      key,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (b *Bucket) Handle(mc *core.MiddlewareContext, next Next) core.JobResult {
	k := b.key(mc)
	lim := b.limiter(k)

	r := lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return core.Failed(&core.RateLimitedError{Key: k, RetryAfter: delay})
	}
	return next(mc)
}

func (b *Bucket) limiter(k string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	lim, ok := b.limiters[k]
	if !ok {
		lim = rate.NewLimiter(b.limit, b.burst)
		b.limiters[k] = lim
	}
	return lim
}
