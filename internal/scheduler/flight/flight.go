// Package flight runs at most one execution per key. Callers arriving while a
// key is in flight share the running call's result instead of starting a
// second one. An optional Locker extends the guarantee across instances.
package flight

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"enrollo/pkg/platform/sentinel"
)

// Locker takes a cross-process lock on key. It returns an error wrapping
// sentinel.ErrLockHeld when another holder owns the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Group is a keyed single-flight with in-flight bookkeeping.
type Group struct {
	sf      singleflight.Group
	locker  Locker
	lockTTL time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]int
}

type Option func(*Group)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) {
		g.logger = logger
	}
}

// WithLocker adds a distributed lock held for the duration of each flight.
// ttl bounds how long a crashed holder can block the key.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(g *Group) {
		g.locker = l
		if ttl > 0 {
			g.lockTTL = ttl
		}
	}
}

func New(opts ...Option) *Group {
	g := &Group{
		lockTTL:  15 * time.Minute,
		logger:   slog.New(slog.DiscardHandler),
		inFlight: make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn once per concurrent set of callers for key. shared reports
// whether the result was produced by another caller's run. A panic in fn is
// returned as an error to every caller and the lock is still released.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (v any, shared bool, err error) {
	g.track(key, 1)
	defer g.track(key, -1)

	v, err, shared = g.sf.Do(key, func() (result any, err error) {
		if g.locker != nil {
			release, lockErr := g.locker.TryLock(ctx, key, g.lockTTL)
			if lockErr != nil {
				return nil, lockErr
			}
			defer func() {
				if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
					g.logger.WarnContext(ctx, "flight lock release failed", "key", key, "error", relErr)
				}
			}()
		}
		defer func() {
			if r := recover(); r != nil {
				g.logger.ErrorContext(ctx, "flight panicked", "key", key, "panic", r)
				result, err = nil, fmt.Errorf("flight %s panicked: %v", key, r)
			}
		}()
		return fn(ctx)
	})
	return v, shared, err
}

// Claim takes key outside of Do, for work that must not overlap a run: it
// fails with sentinel.ErrLockHeld while a local caller is in flight for key or
// another instance holds its lock. The returned release is always non-nil on
// success.
func (g *Group) Claim(ctx context.Context, key string) (release func(context.Context) error, err error) {
	if g.InFlight(key) > 0 {
		return nil, fmt.Errorf("flight %s: %w", key, sentinel.ErrLockHeld)
	}
	if g.locker == nil {
		return func(context.Context) error { return nil }, nil
	}
	return g.locker.TryLock(ctx, key, g.lockTTL)
}

// InFlight reports how many callers are currently inside Do for key.
func (g *Group) InFlight(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[key]
}

func (g *Group) track(key string, delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight[key] += delta
	if g.inFlight[key] <= 0 {
		delete(g.inFlight, key)
	}
}
