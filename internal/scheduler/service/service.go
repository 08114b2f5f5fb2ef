// Package service owns the lifecycle of scheduled signups: persisting jobs,
// arming trigger timers, running each job exactly once under a single-flight
// key, and recording how it ended.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"enrollo/internal/billing"
	mandatemodels "enrollo/internal/mandate/models"
	"enrollo/internal/scheduler/flight"
	"enrollo/internal/scheduler/metrics"
	"enrollo/internal/scheduler/models"
	"enrollo/internal/scheduler/session"
	"enrollo/internal/scheduler/workflow"
	id "enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
	"enrollo/pkg/platform/sentinel"
	"enrollo/pkg/requestcontext"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

type Store interface {
	Create(ctx context.Context, job *models.Job) error
	FindByID(ctx context.Context, jobID id.JobID) (*models.Job, error)
	Update(ctx context.Context, job *models.Job, expected models.Status) error
	ListDue(ctx context.Context, before time.Time, limit int) ([]*models.Job, error)
	ListByStatus(ctx context.Context, status models.Status) ([]*models.Job, error)
}

// Mandates verifies job tokens and authorizes the success-fee charge.
type Mandates interface {
	Verify(ctx context.Context, token string) (*mandatemodels.Mandate, error)
	Authorize(ctx context.Context, m *mandatemodels.Mandate, action mandatemodels.Action) error
}

type Workflow interface {
	Execute(ctx context.Context, run workflow.Run) (*workflow.Result, error)
}

type Sessions interface {
	Acquire(ctx context.Context, key, authStateRef string) (*session.Session, error)
	Release(ctx context.Context, s *session.Session, discard bool)
}

// Flight collapses concurrent runs sharing a key. Claim holds a key outside
// of a run and fails with sentinel.ErrLockHeld while someone is executing it.
type Flight interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (v any, shared bool, err error)
	Claim(ctx context.Context, key string) (release func(context.Context) error, err error)
}

const (
	defaultPollInterval = 5 * time.Second
	defaultArmHorizon   = 2 * time.Minute
	defaultMaxAttempts  = 3
	pollBatch           = 100
)

type Scheduler struct {
	store    Store
	mandates Mandates
	flow     Workflow
	sessions Sessions
	auditor  workflow.Auditor
	charger  billing.Charger

	flight       Flight
	clock        Clock
	pollInterval time.Duration
	armHorizon   time.Duration
	maxAttempts  int
	newBackOff   func() backoff.BackOff
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer

	mu     sync.Mutex
	timers map[id.JobID]Timer
	wg     sync.WaitGroup
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithFlight replaces the default in-process flight group, typically with
// one backed by a distributed lock.
func WithFlight(f Flight) Option {
	return func(s *Scheduler) {
		if f != nil {
			s.flight = f
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithArmHorizon sets how far ahead of its trigger time a job gets an
// in-process timer. Jobs further out are picked up by a later poll.
func WithArmHorizon(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.armHorizon = d
		}
	}
}

// WithMaxAttempts bounds workflow attempts per run, first attempt included.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackOff sets the delay policy between transient-failure retries.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Scheduler) {
		if newBackOff != nil {
			s.newBackOff = newBackOff
		}
	}
}

func New(store Store, mandates Mandates, flow Workflow, sessions Sessions, auditor workflow.Auditor, charger billing.Charger, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if mandates == nil {
		return nil, errors.New("mandate service is required")
	}
	if flow == nil {
		return nil, errors.New("workflow is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if auditor == nil {
		return nil, errors.New("auditor is required")
	}
	if charger == nil {
		return nil, errors.New("charger is required")
	}
	s := &Scheduler{
		store:        store,
		mandates:     mandates,
		flow:         flow,
		sessions:     sessions,
		auditor:      auditor,
		charger:      charger,
		flight:       flight.New(),
		clock:        realClock{},
		pollInterval: defaultPollInterval,
		armHorizon:   defaultArmHorizon,
		maxAttempts:  defaultMaxAttempts,
		newBackOff:   defaultBackOff,
		logger:       slog.New(slog.DiscardHandler),
		tracer:       otel.Tracer("enrollo/scheduler"),
		timers:       make(map[id.JobID]Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 20 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// ScheduleRequest is a signup to run at TriggerTime under MandateToken.
type ScheduleRequest struct {
	RegistrationID string
	MandateToken   string
	TriggerTime    time.Time
	Payload        models.Payload
}

// Schedule verifies the mandate, persists a pending job and arms it. A
// trigger time that is not in the future runs the job immediately; callers
// that want to refuse such requests check before calling.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (*models.Job, error) {
	if strings.TrimSpace(req.RegistrationID) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "registration_id is required")
	}
	if strings.TrimSpace(req.MandateToken) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "mandate token is required")
	}
	if req.TriggerTime.IsZero() {
		return nil, dErrors.New(dErrors.CodeInvalidTime, "trigger_time is required")
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, err
	}

	m, err := s.mandates.Verify(ctx, req.MandateToken)
	if err != nil {
		return nil, err
	}
	if m.Subject != requestcontext.Subject(ctx) {
		return nil, dErrors.New(dErrors.CodeForbidden, "mandate belongs to another subject")
	}
	if m.Provider != req.Payload.Provider {
		return nil, dErrors.New(dErrors.CodeValidation, "payload provider does not match the mandate")
	}
	if req.TriggerTime.After(m.ValidUntil) {
		return nil, dErrors.New(dErrors.CodeInvalidTime, "trigger_time is after the mandate expires")
	}

	now := s.clock.Now()
	job := &models.Job{
		ID:             id.NewJobID(),
		RegistrationID: req.RegistrationID,
		MandateID:      m.ID,
		MandateToken:   req.MandateToken,
		Subject:        m.Subject,
		OrgRef:         m.OrgRef,
		TriggerTime:    req.TriggerTime.UTC(),
		Status:         models.StatusPending,
		Payload:        req.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "signup is already scheduled")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save job")
	}

	s.logger.InfoContext(ctx, "signup scheduled",
		"job_id", job.ID,
		"registration_id", job.RegistrationID,
		"mandate_id", job.MandateID,
		"subject", job.Subject,
		"trigger_time", job.TriggerTime,
		"log_type", "audit",
	)
	if job.TriggerTime.Sub(now) <= s.armHorizon {
		s.arm(job)
	}
	return job, nil
}

// Cancel cancels a pending job owned by the caller and disarms its timer.
func (s *Scheduler) Cancel(ctx context.Context, jobID id.JobID) (*models.Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusPending {
		return nil, dErrors.New(dErrors.CodeConflict, "job is no longer pending")
	}
	if err := job.Transition(models.StatusCancelled, s.clock.Now()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, job, models.StatusPending); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.New(dErrors.CodeConflict, "job is no longer pending")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to cancel job")
	}
	s.disarm(jobID)

	s.logger.InfoContext(ctx, "signup cancelled",
		"job_id", jobID,
		"subject", job.Subject,
		"log_type", "audit",
	)
	return job, nil
}

// Get returns the caller's job. Jobs of other subjects are reported as missing.
func (s *Scheduler) Get(ctx context.Context, jobID id.JobID) (*models.Job, error) {
	job, err := s.store.FindByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "job not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load job")
	}
	if job.Subject != requestcontext.Subject(ctx) {
		return nil, dErrors.New(dErrors.CodeNotFound, "job not found")
	}
	return job, nil
}

// Trigger runs jobID now if it is still pending and returns the job as it
// stands afterwards. Concurrent triggers for the same subject and org share
// one run; a job that is no longer pending is returned untouched.
func (s *Scheduler) Trigger(ctx context.Context, jobID id.JobID) (*models.Job, error) {
	job, err := s.store.FindByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "job not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load job")
	}
	if job.Status != models.StatusPending {
		s.logger.DebugContext(ctx, "trigger ignored", "job_id", jobID, "status", job.Status)
		return job, nil
	}

	v, shared, err := s.flight.Do(context.WithoutCancel(ctx), job.FlightKey(), func(ctx context.Context) (any, error) {
		return s.execute(ctx, jobID)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrLockHeld) {
			s.logger.InfoContext(ctx, "job running elsewhere", "job_id", jobID)
			return job, nil
		}
		return nil, err
	}
	done, _ := v.(*models.Job)
	if done != nil && done.ID == jobID {
		return done, nil
	}
	// Another job with the same key ran. Its flight is over, so this one is
	// re-armed at once instead of waiting for the next poll.
	current, err := s.store.FindByID(ctx, jobID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load job")
	}
	s.logger.InfoContext(ctx, "trigger joined another job's flight", "job_id", jobID, "shared", shared, "status", current.Status)
	if current.Status == models.StatusPending {
		s.arm(current)
	}
	return current, nil
}

// Wait blocks until runs started by timers have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
