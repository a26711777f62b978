package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/WessleyAI/tyrefit/pkg/fn"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when no token is available.
var ErrRateLimited = errors.New("rate limited")

// LimiterOpts configures a token bucket.
type LimiterOpts struct {
	// Rate is the number of tokens added per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
}

// Limiter is a token bucket.
type Limiter struct {
	lim *rate.Limiter
	now func() time.Time
}

// NewLimiter creates a full bucket.
func NewLimiter(opts LimiterOpts) *Limiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst), now: time.Now}
}

// Allow takes a token if one is available.
func (l *Limiter) Allow() bool { return l.lim.AllowN(l.now(), 1) }

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error { return l.lim.Wait(ctx) }

// Call executes f if a token is available, otherwise returns ErrRateLimited.
func (l *Limiter) Call(ctx context.Context, f func(context.Context) error) error {
	if !l.Allow() {
		return ErrRateLimited
	}
	return f(ctx)
}

// LimiterStageWait wraps an fn.Stage so each call waits for a token.
func LimiterStageWait[In, Out any](l *Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := l.Wait(ctx); err != nil {
			return fn.Err[Out](err)
		}
		return stage(ctx, in)
	}
}

// KeyedLimiter keeps one bucket per key, such as a client address. Buckets
// idle for longer than the TTL are dropped on the next sweep.
type KeyedLimiter struct {
	mu      sync.Mutex
	opts    LimiterOpts
	ttl     time.Duration
	buckets map[string]*keyedBucket
	swept   time.Time
	now     func() time.Time
}

type keyedBucket struct {
	l    *Limiter
	seen time.Time
}

// NewKeyedLimiter creates an empty set of buckets; ttl <= 0 means 10 minutes.
func NewKeyedLimiter(opts LimiterOpts, ttl time.Duration) *KeyedLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &KeyedLimiter{opts: opts, ttl: ttl, buckets: make(map[string]*keyedBucket), now: time.Now}
}

// Allow takes a token from key's bucket.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	now := k.now()
	if now.Sub(k.swept) >= k.ttl {
		for id, b := range k.buckets {
			if now.Sub(b.seen) >= k.ttl {
				delete(k.buckets, id)
			}
		}
		k.swept = now
	}
	b, ok := k.buckets[key]
	if !ok {
		b = &keyedBucket{l: NewLimiter(k.opts)}
		b.l.now = k.now
		k.buckets[key] = b
	}
	b.seen = now
	k.mu.Unlock()
	return b.l.Allow()
}

// Len reports how many buckets are live.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
