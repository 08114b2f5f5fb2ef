// Package session owns the automation sessions jobs run in. A session is
// keyed by subject and org, lives for a bounded TTL, and is held by at most
// one job at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"enrollo/internal/automation"
	"enrollo/pkg/platform/sentinel"
)

// ErrBusy is returned when the session for a key is already held.
var ErrBusy = fmt.Errorf("session in use: %w", sentinel.ErrLockHeld)

var (
	sessionsAcquired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollo_sessions_acquired_total",
		Help: "Sessions handed to jobs, by whether a cached session was reused",
	}, []string{"reused"})
	sessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollo_sessions_closed_total",
		Help: "Sessions closed, by cause",
	}, []string{"cause"})
)

// Session is one automation handle lent to a job. Driver is paced so
// provider sites see a bounded action rate.
type Session struct {
	Token        string
	Key          string
	ExpiresAt    time.Time
	AuthStateRef string
	// Authenticated is set by the workflow once login succeeded so a reused
	// session skips the login step.
	Authenticated bool

	driver automation.Driver
	paced  *pacedDriver
}

// Driver returns the paced driver for this session.
func (s *Session) Driver() automation.Driver {
	return s.paced
}

type entry struct {
	session *Session
	inUse   bool
}

// Manager hands out sessions. The map lock only guards lookups; launching
// and closing drivers happen outside it.
type Manager struct {
	launcher automation.Launcher
	ttl      time.Duration
	cache    bool
	limit    rate.Limit
	burst    int
	clock    func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithCaching keeps released sessions for reuse until their TTL passes.
func WithCaching(enabled bool) Option {
	return func(m *Manager) {
		m.cache = enabled
	}
}

// WithPacing limits driver actions per session. A non-positive rate disables pacing.
func WithPacing(perSecond float64, burst int) Option {
	return func(m *Manager) {
		if perSecond <= 0 {
			m.limit = rate.Inf
			return
		}
		m.limit = rate.Limit(perSecond)
		if burst > 0 {
			m.burst = burst
		}
	}
}

func NewManager(launcher automation.Launcher, ttl time.Duration, opts ...Option) (*Manager, error) {
	if launcher == nil {
		return nil, errors.New("automation launcher is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	m := &Manager{
		launcher: launcher,
		ttl:      ttl,
		cache:    true,
		limit:    rate.Inf,
		burst:    1,
		clock:    time.Now,
		logger:   slog.New(slog.DiscardHandler),
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Acquire returns the session for key, reusing a cached one when it is idle
// and unexpired. A key already held by another caller yields ErrBusy.
func (m *Manager) Acquire(ctx context.Context, key, authStateRef string) (*Session, error) {
	now := m.clock()

	m.mu.Lock()
	e, ok := m.sessions[key]
	if ok && e.inUse {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	var stale *Session
	if ok && e.session != nil && now.Before(e.session.ExpiresAt) {
		e.inUse = true
		s := e.session
		m.mu.Unlock()
		sessionsAcquired.WithLabelValues("true").Inc()
		m.logger.DebugContext(ctx, "session reused", "key", key, "token", s.Token)
		return s, nil
	}
	if ok {
		stale = e.session
	}
	// Reserve the key while the driver launches.
	m.sessions[key] = &entry{inUse: true}
	m.mu.Unlock()

	if stale != nil {
		m.close(ctx, stale, "expired")
	}

	driver, err := m.launcher.Launch(ctx, authStateRef)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
		return nil, fmt.Errorf("launch automation session: %w", err)
	}
	s := &Session{
		Token:        uuid.NewString(),
		Key:          key,
		ExpiresAt:    now.Add(m.ttl),
		AuthStateRef: authStateRef,
		driver:       driver,
		paced:        &pacedDriver{Driver: driver, limiter: rate.NewLimiter(m.limit, m.burst)},
	}

	m.mu.Lock()
	m.sessions[key] = &entry{session: s, inUse: true}
	m.mu.Unlock()

	sessionsAcquired.WithLabelValues("false").Inc()
	m.logger.InfoContext(ctx, "session created", "key", key, "token", s.Token, "expires_at", s.ExpiresAt)
	return s, nil
}

// Release returns s to the manager. The session is closed when caching is
// off, when discard is set, or when it has outlived its TTL.
func (m *Manager) Release(ctx context.Context, s *Session, discard bool) {
	if s == nil {
		return
	}
	now := m.clock()

	m.mu.Lock()
	keep := m.cache && !discard && now.Before(s.ExpiresAt)
	e, ok := m.sessions[s.Key]
	owned := ok && e.session == s
	switch {
	case owned && keep:
		e.inUse = false
	case owned:
		delete(m.sessions, s.Key)
	}
	m.mu.Unlock()

	if !keep || !owned {
		cause := "released"
		if discard {
			cause = "discarded"
		}
		m.close(ctx, s, cause)
	}
}

// Sweep closes idle sessions that expired at or before now. It is safe to
// run concurrently with Acquire and Release.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	var expired []*Session
	m.mu.Lock()
	for key, e := range m.sessions {
		if e.inUse || e.session == nil {
			continue
		}
		if !now.Before(e.session.ExpiresAt) {
			expired = append(expired, e.session)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.close(ctx, s, "expired")
	}
	return len(expired)
}

// Run sweeps on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ctx, m.clock()); n > 0 {
				m.logger.InfoContext(ctx, "expired sessions swept", "count", n)
			}
		}
	}
}

// Close shuts every idle session. Held sessions close when released.
func (m *Manager) Close(ctx context.Context) {
	var idle []*Session
	m.mu.Lock()
	m.cache = false
	for key, e := range m.sessions {
		if !e.inUse && e.session != nil {
			idle = append(idle, e.session)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()
	for _, s := range idle {
		m.close(ctx, s, "shutdown")
	}
}

// Len reports how many sessions the manager tracks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) close(ctx context.Context, s *Session, cause string) {
	sessionsClosed.WithLabelValues(cause).Inc()
	if err := s.driver.Close(); err != nil {
		m.logger.WarnContext(ctx, "session close failed", "key", s.Key, "token", s.Token, "error", err)
		return
	}
	m.logger.DebugContext(ctx, "session closed", "key", s.Key, "token", s.Token, "cause", cause)
}
