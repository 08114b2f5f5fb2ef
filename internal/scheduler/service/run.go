package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"enrollo/internal/audit"
	"enrollo/internal/mandate"
	mandatemodels "enrollo/internal/mandate/models"
	"enrollo/internal/scheduler/models"
	"enrollo/internal/scheduler/workflow"
	id "enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
	"enrollo/pkg/platform/sentinel"
)

// chargeError marks a failure after the booking was made.
type chargeError struct {
	err error
}

func (e *chargeError) Error() string { return "success fee charge failed: " + e.err.Error() }

func (e *chargeError) Unwrap() error { return e.err }

// execute claims a pending job and runs it to a terminal state. It is the
// body of a flight, so at most one execute per key runs at a time in this
// process.
func (s *Scheduler) execute(ctx context.Context, jobID id.JobID) (job *models.Job, err error) {
	job, err = s.store.FindByID(ctx, jobID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load job")
	}
	if job.Status != models.StatusPending {
		return job, nil
	}

	started := s.clock.Now()
	if err := job.Transition(models.StatusRunning, started); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, job, models.StatusPending); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			// Claimed by another instance or cancelled in between.
			return s.store.FindByID(ctx, jobID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to claim job")
	}
	s.metrics.ObserveTriggerLag(started.Sub(job.TriggerTime))
	s.logger.InfoContext(ctx, "job started",
		"job_id", job.ID,
		"mandate_id", job.MandateID,
		"trigger_lag", started.Sub(job.TriggerTime),
	)

	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "job run panicked", "job_id", job.ID, "panic", r)
			s.finish(ctx, job, fmt.Errorf("run panicked: %v", r))
			err = nil
		}
	}()

	runErr := s.run(ctx, job)
	s.finish(ctx, job, runErr)
	s.metrics.ObserveRun(s.clock.Now().Sub(started))
	return job, nil
}

func (s *Scheduler) run(ctx context.Context, job *models.Job) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("mandate.id", job.MandateID.String()),
	))
	defer span.End()

	err := s.runSteps(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Scheduler) runSteps(ctx context.Context, job *models.Job) error {
	m, err := s.mandates.Verify(ctx, job.MandateToken)
	if err != nil {
		return err
	}
	if m.ID != job.MandateID {
		return mandate.Verification(mandate.Malformed, "job token carries a different mandate")
	}

	result, err := s.register(ctx, job, m)
	if err != nil {
		return err
	}
	job.BookingRef = result.BookingRef

	if fee := job.Payload.SuccessFeeCents; fee > 0 {
		chargeID, err := s.chargeSuccessFee(ctx, job, m, fee)
		if err != nil {
			return &chargeError{err: err}
		}
		job.ChargeID = chargeID
	}
	return nil
}

// register runs the workflow, retrying transient site failures with backoff.
// Each attempt gets a session of its own; a failed attempt discards it.
func (s *Scheduler) register(ctx context.Context, job *models.Job, m *mandatemodels.Mandate) (*workflow.Result, error) {
	attempt := 0
	op := func() (*workflow.Result, error) {
		if attempt > 0 {
			job.Attempts++
			s.metrics.IncRetry()
		}
		attempt++

		sess, err := s.sessions.Acquire(ctx, job.FlightKey(), "")
		if err != nil {
			if errors.Is(err, sentinel.ErrLockHeld) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		res, err := s.flow.Execute(ctx, workflow.Run{Job: job, Mandate: m, Session: sess})
		s.sessions.Release(ctx, sess, err != nil)
		if err != nil {
			if !workflow.IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			s.logger.WarnContext(ctx, "transient workflow failure", "job_id", job.ID, "attempt", attempt, "error", err)
			return nil, err
		}
		return res, nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.maxAttempts-1)), ctx)
	return backoff.RetryWithData(op, b)
}

// chargeSuccessFee authorizes and records the fee charge. The job ID is the
// idempotency key, so a repeated run cannot charge twice.
func (s *Scheduler) chargeSuccessFee(ctx context.Context, job *models.Job, m *mandatemodels.Mandate, fee uint64) (string, error) {
	req := audit.BeginRequest{
		MandateID: m.ID,
		JobID:     job.ID,
		ToolName:  string(mandatemodels.ToolChargeSuccessFee),
		Args:      map[string]any{"amount_cents": fee, "booking_ref": job.BookingRef},
	}
	action := mandatemodels.Action{Tool: mandatemodels.ToolChargeSuccessFee, AmountCents: mandatemodels.Amount(fee)}
	if err := s.mandates.Authorize(ctx, m, action); err != nil {
		if _, auditErr := s.auditor.Deny(ctx, req, err.Error()); auditErr != nil {
			s.logger.ErrorContext(ctx, "failed to record denial", "job_id", job.ID, "error", auditErr)
		}
		return "", err
	}
	res, err := s.auditor.Track(ctx, req, func(ctx context.Context) (any, error) {
		chargeID, err := s.charger.ChargeSuccessFee(ctx, m.ID, fee, job.ID.String())
		if err != nil {
			return nil, err
		}
		return map[string]string{"charge_id": chargeID}, nil
	})
	if err != nil {
		return "", err
	}
	return res.(map[string]string)["charge_id"], nil
}

// finish moves a running job to its terminal state and persists it. The
// store write is detached from ctx so a cancelled caller cannot leave the
// job running.
func (s *Scheduler) finish(ctx context.Context, job *models.Job, runErr error) {
	ctx = context.WithoutCancel(ctx)
	next := models.StatusCompleted
	kind := ""
	if runErr != nil {
		next = models.StatusFailed
		job.Error = describe(runErr)
		kind = string(job.Error.Kind)
	}
	if err := job.Transition(next, s.clock.Now()); err != nil {
		s.logger.ErrorContext(ctx, "job finished from unexpected state", "job_id", job.ID, "status", job.Status, "error", err)
		return
	}
	if err := s.store.Update(ctx, job, models.StatusRunning); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist job outcome", "job_id", job.ID, "status", next, "error", err)
	}
	s.metrics.IncOutcome(string(next), kind)

	if runErr == nil {
		s.logger.InfoContext(ctx, "job completed",
			"job_id", job.ID,
			"mandate_id", job.MandateID,
			"booking_ref", job.BookingRef,
			"charge_id", job.ChargeID,
			"attempts", job.Attempts,
			"log_type", "audit",
		)
		return
	}
	level := slogLevel(job.Error)
	s.logger.Log(ctx, level, "job failed",
		"job_id", job.ID,
		"mandate_id", job.MandateID,
		"kind", job.Error.Kind,
		"code", job.Error.Code,
		"detail", job.Error.Detail,
		"attempts", job.Attempts,
		"log_type", "audit",
	)
}
