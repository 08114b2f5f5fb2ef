package service

import (
	"context"
	"errors"
	"time"

	"enrollo/internal/scheduler/models"
	id "enrollo/pkg/domain"
	"enrollo/pkg/platform/sentinel"
)

// Clock is the time source and timer factory used for trigger timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// arm sets a timer for job. A job already due fires immediately.
func (s *Scheduler) arm(job *models.Job) {
	delay := job.TriggerTime.Sub(s.clock.Now())
	if delay <= 0 {
		s.fire(job.ID)
		return
	}
	jobID := job.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[jobID]; ok {
		return
	}
	s.timers[jobID] = s.clock.AfterFunc(delay, func() { s.fire(jobID) })
	s.metrics.SetArmed(len(s.timers))
}

func (s *Scheduler) disarm(jobID id.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
		s.metrics.SetArmed(len(s.timers))
	}
}

func (s *Scheduler) disarmAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, t := range s.timers {
		t.Stop()
		delete(s.timers, jobID)
	}
	s.metrics.SetArmed(0)
}

// Armed reports whether jobID has a pending in-process timer.
func (s *Scheduler) Armed(jobID id.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[jobID]
	return ok
}

// fire starts a run in the background. The wait group is bumped before the
// goroutine starts so Wait observes it.
func (s *Scheduler) fire(jobID id.JobID) {
	s.mu.Lock()
	delete(s.timers, jobID)
	s.metrics.SetArmed(len(s.timers))
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		if _, err := s.Trigger(ctx, jobID); err != nil {
			s.logger.ErrorContext(ctx, "scheduled trigger failed", "job_id", jobID, "error", err)
		}
	}()
}

// Run polls for jobs coming due and arms them until ctx is done. Each tick
// also fails running jobs whose owner has gone, once its flight lock lapses.
// Timers are disarmed on return; runs already started finish on their own.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	defer s.disarmAll()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := s.reclaim(ctx); err != nil {
				s.logger.ErrorContext(ctx, "failed to reclaim running jobs", "error", err)
			} else if n > 0 {
				s.logger.WarnContext(ctx, "orphaned running jobs failed", "count", n)
			}
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.ListDue(ctx, s.clock.Now().Add(s.armHorizon), pollBatch)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list due jobs", "error", err)
		return
	}
	for _, job := range due {
		s.arm(job)
	}
}

// Recover runs once at startup. Jobs left running by a crashed process are
// failed as interrupted, since whether their last step took effect is
// unknown; pending jobs coming due are re-armed.
func (s *Scheduler) Recover(ctx context.Context) (interrupted int, err error) {
	interrupted, err = s.reclaim(ctx)
	if err != nil {
		return interrupted, err
	}
	s.poll(ctx)
	return interrupted, nil
}

// reclaim fails running jobs that nobody is executing. A job whose flight key
// is claimed, locally or by a peer instance, is still in progress and is left
// alone.
func (s *Scheduler) reclaim(ctx context.Context) (int, error) {
	running, err := s.store.ListByStatus(ctx, models.StatusRunning)
	if err != nil {
		return 0, err
	}
	interrupted := 0
	for _, job := range running {
		ok, err := s.interrupt(ctx, job)
		if err != nil {
			return interrupted, err
		}
		if ok {
			interrupted++
		}
	}
	return interrupted, nil
}

func (s *Scheduler) interrupt(ctx context.Context, job *models.Job) (bool, error) {
	release, err := s.flight.Claim(ctx, job.FlightKey())
	if err != nil {
		if errors.Is(err, sentinel.ErrLockHeld) {
			s.logger.DebugContext(ctx, "running job still owned", "job_id", job.ID)
		} else {
			s.logger.ErrorContext(ctx, "cannot claim running job", "job_id", job.ID, "error", err)
		}
		return false, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "flight claim release failed", "job_id", job.ID, "error", err)
		}
	}()

	job.Error = &models.JobError{
		Kind:        models.KindInterrupted,
		UserMessage: userMessage(models.KindInterrupted),
		Detail:      "process stopped while the job was running",
	}
	if err := job.Transition(models.StatusFailed, s.clock.Now()); err != nil {
		return false, err
	}
	if err := s.store.Update(ctx, job, models.StatusRunning); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			// Finished between the listing and the claim.
			return false, nil
		}
		s.logger.ErrorContext(ctx, "failed to mark interrupted job", "job_id", job.ID, "error", err)
		return false, nil
	}
	s.metrics.IncOutcome(string(models.StatusFailed), string(models.KindInterrupted))
	s.logger.WarnContext(ctx, "job interrupted by restart",
		"job_id", job.ID,
		"mandate_id", job.MandateID,
		"log_type", "audit",
	)
	return true, nil
}
