// Package ratelimit throttles API calls per authenticated subject. Each
// subject gets one token bucket per endpoint class, held in process memory.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class groups endpoints that share a budget.
type Class string

const (
	ClassRead  Class = "read"
	ClassWrite Class = "write"
)

// Limit is a sustained rate with a burst allowance.
type Limit struct {
	PerMinute int
	Burst     int
}

// Result describes one admission decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

type bucketKey struct {
	subject string
	class   Class
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Limiter struct {
	limits  map[Class]Limit
	idleTTL time.Duration
	clock   func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

type Option func(*Limiter)

func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithIdleTTL sets how long an untouched bucket is kept before Sweep drops it.
func WithIdleTTL(ttl time.Duration) Option {
	return func(l *Limiter) {
		if ttl > 0 {
			l.idleTTL = ttl
		}
	}
}

// New builds a limiter. Classes without a positive limit are not throttled.
func New(limits map[Class]Limit, opts ...Option) *Limiter {
	l := &Limiter{
		limits:  make(map[Class]Limit, len(limits)),
		idleTTL: 10 * time.Minute,
		clock:   time.Now,
		buckets: make(map[bucketKey]*bucket),
	}
	for class, limit := range limits {
		if limit.PerMinute <= 0 {
			continue
		}
		if limit.Burst <= 0 {
			limit.Burst = limit.PerMinute
		}
		l.limits[class] = limit
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow takes one token from the subject's bucket for class.
func (l *Limiter) Allow(subject string, class Class) Result {
	limit, ok := l.limits[class]
	if !ok {
		return Result{Allowed: true}
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey{subject: subject, class: class}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(perSecond(limit), limit.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	res := Result{Limit: limit.Burst}
	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		res.RetryAfter = delay
	} else {
		res.Allowed = true
	}

	tokens := b.limiter.TokensAt(now)
	res.Remaining = max(0, int(math.Floor(tokens)))
	missing := float64(limit.Burst) - tokens
	res.ResetAt = now.Add(time.Duration(missing / float64(perSecond(limit)) * float64(time.Second)))
	return res
}

// Sweep drops buckets idle for longer than the idle TTL and returns how many
// were removed.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Run sweeps on every tick until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(l.clock())
		}
	}
}

func perSecond(limit Limit) rate.Limit {
	return rate.Limit(float64(limit.PerMinute) / 60)
}
