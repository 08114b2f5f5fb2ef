package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"enrollo/internal/audit"
	"enrollo/internal/audit/store/memory"
	"enrollo/internal/automation/automationtest"
	"enrollo/internal/billing"
	"enrollo/internal/guardrail"
	"enrollo/internal/mandate"
	mandatemodels "enrollo/internal/mandate/models"
	"enrollo/internal/scheduler/models"
	"enrollo/internal/scheduler/service"
	"enrollo/internal/scheduler/service/mocks"
	"enrollo/internal/scheduler/session"
	"enrollo/internal/scheduler/store"
	"enrollo/internal/scheduler/workflow"
	id "enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
	"enrollo/pkg/platform/sentinel"
	"enrollo/pkg/requestcontext"
)

const (
	subject = "parent-1"
	token   = "signed.mandate.token"
)

// Justification: the scheduler decides whether a signup runs at all, how
// often it is retried, and what the parent is told afterwards.
type SchedulerSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	mandates  *mocks.MockMandates
	flow      *mocks.MockWorkflow
	store     *store.InMemoryStore
	ledger    *audit.Ledger
	charger   *billing.InMemoryCharger
	clock     *manualClock
	scheduler *service.Scheduler
	mandate   *mandatemodels.Mandate
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mandates = mocks.NewMockMandates(s.ctrl)
	s.flow = mocks.NewMockWorkflow(s.ctrl)
	s.store = store.NewInMemory()
	s.charger = billing.NewInMemoryCharger()
	s.clock = newManualClock(time.Date(2026, 3, 1, 8, 59, 0, 0, time.UTC))

	var err error
	s.ledger, err = audit.NewLedger(memory.NewInMemoryStore())
	s.Require().NoError(err)
	sessions, err := session.NewManager(automationtest.NewSite(), 10*time.Minute, session.WithClock(s.clock.Now))
	s.Require().NoError(err)

	s.mandate = s.newMandate(mandatemodels.ScopeCreateBooking, mandatemodels.ScopeSuccessFee)
	s.mandates.EXPECT().Verify(gomock.Any(), token).DoAndReturn(func(context.Context, string) (*mandatemodels.Mandate, error) {
		return s.mandate, nil
	}).AnyTimes()
	s.mandates.EXPECT().Authorize(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, m *mandatemodels.Mandate, a mandatemodels.Action) error {
			return mandate.Authorize(m, a).Err()
		}).AnyTimes()

	s.scheduler, err = service.New(s.store, s.mandates, s.flow, sessions, s.ledger, s.charger,
		service.WithClock(s.clock),
		service.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	s.Require().NoError(err)
}

func (s *SchedulerSuite) TearDownTest() {
	s.scheduler.Wait()
	s.ctrl.Finish()
}

func (s *SchedulerSuite) newMandate(scopes ...mandatemodels.Scope) *mandatemodels.Mandate {
	now := s.clock.Now()
	m, err := mandatemodels.NewMandate(id.NewMandateID(), mandatemodels.Params{
		Subject:        subject,
		Provider:       "skiclubpro",
		OrgRef:         "nordic-club",
		Scopes:         scopes,
		MaxAmountCents: 5000,
		ValidFrom:      now.Add(-time.Hour),
		ValidUntil:     now.Add(24 * time.Hour),
		CredentialRef:  id.NewCredentialID(),
	}, now)
	s.Require().NoError(err)
	return m
}

func (s *SchedulerSuite) ctx() context.Context {
	return requestcontext.WithSubject(context.Background(), subject)
}

func (s *SchedulerSuite) request(in time.Duration) service.ScheduleRequest {
	return service.ScheduleRequest{
		RegistrationID: "reg-" + id.NewJobID().String(),
		MandateToken:   token,
		TriggerTime:    s.clock.Now().Add(in),
		Payload: models.Payload{
			Provider:        "skiclubpro",
			ProgramRef:      "nordic-kids",
			ProgramURL:      "https://club.example/programs/nordic-kids",
			Delegate:        models.Contact{Name: "Alex Parent", Email: "alex@example.com"},
			Participants:    []models.Participant{{FirstName: "Sam", LastName: "Parent"}},
			ProgramFeeCents: 4500,
			SuccessFeeCents: 2000,
		},
	}
}

// schedule persists a job and fires it by advancing the clock to its trigger.
func (s *SchedulerSuite) scheduleAndFire() *models.Job {
	job, err := s.scheduler.Schedule(s.ctx(), s.request(30*time.Second))
	s.Require().NoError(err)
	s.Require().True(s.scheduler.Armed(job.ID))

	s.clock.Advance(30 * time.Second)
	s.scheduler.Wait()

	got, err := s.store.FindByID(context.Background(), job.ID)
	s.Require().NoError(err)
	return got
}

func (s *SchedulerSuite) booked() func(context.Context, workflow.Run) (*workflow.Result, error) {
	return func(context.Context, workflow.Run) (*workflow.Result, error) {
		return &workflow.Result{BookingRef: "BK-1", AmountCents: 4500}, nil
	}
}

func (s *SchedulerSuite) TestSchedule_Validation() {
	tests := []struct {
		name   string
		mutate func(*service.ScheduleRequest)
		ctx    context.Context
		code   dErrors.Code
	}{
		{"missing registration", func(r *service.ScheduleRequest) { r.RegistrationID = " " }, s.ctx(), dErrors.CodeValidation},
		{"missing token", func(r *service.ScheduleRequest) { r.MandateToken = "" }, s.ctx(), dErrors.CodeValidation},
		{"missing trigger", func(r *service.ScheduleRequest) { r.TriggerTime = time.Time{} }, s.ctx(), dErrors.CodeInvalidTime},
		{"no participants", func(r *service.ScheduleRequest) { r.Payload.Participants = nil }, s.ctx(), dErrors.CodeValidation},
		{"other provider", func(r *service.ScheduleRequest) { r.Payload.Provider = "activenet" }, s.ctx(), dErrors.CodeValidation},
		{"after mandate expiry", func(r *service.ScheduleRequest) { r.TriggerTime = s.mandate.ValidUntil.Add(time.Minute) }, s.ctx(), dErrors.CodeInvalidTime},
		{"other subject", func(*service.ScheduleRequest) {}, requestcontext.WithSubject(context.Background(), "parent-2"), dErrors.CodeForbidden},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			req := s.request(time.Hour)
			tt.mutate(&req)
			_, err := s.scheduler.Schedule(tt.ctx, req)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func (s *SchedulerSuite) TestSchedule_DuplicateRegistration() {
	req := s.request(time.Hour)
	_, err := s.scheduler.Schedule(s.ctx(), req)
	s.Require().NoError(err)

	_, err = s.scheduler.Schedule(s.ctx(), req)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *SchedulerSuite) TestSchedule_VerificationFailure() {
	s.mandates.EXPECT().Verify(gomock.Any(), "tampered").Return(nil, mandate.Verification(mandate.BadSignature, "signature mismatch"))

	_, err := s.scheduler.Schedule(s.ctx(), service.ScheduleRequest{
		RegistrationID: "reg-1",
		MandateToken:   "tampered",
		TriggerTime:    s.clock.Now().Add(time.Hour),
		Payload:        s.request(0).Payload,
	})
	ve, ok := mandate.AsVerification(err)
	s.Require().True(ok)
	s.Equal(mandate.BadSignature, ve.Kind)
}

func (s *SchedulerSuite) TestSchedule_FarFutureWaitsForPoll() {
	job, err := s.scheduler.Schedule(s.ctx(), s.request(6*time.Hour))
	s.Require().NoError(err)
	s.Equal(models.StatusPending, job.Status)
	s.False(s.scheduler.Armed(job.ID))
}

func (s *SchedulerSuite) TestRun_CompletesAndChargesOnce() {
	s.flow.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(s.booked()).Times(1)

	job := s.scheduleAndFire()

	s.Equal(models.StatusCompleted, job.Status)
	s.Equal("BK-1", job.BookingRef)
	s.NotEmpty(job.ChargeID)
	s.Equal(1, job.Attempts)
	s.Nil(job.Error)
	s.NotNil(job.FinishedAt)

	charges := s.charger.Charges()
	s.Require().Len(charges, 1)
	s.Equal(uint64(2000), charges[0].AmountCents)
	s.Equal(job.ID.String(), charges[0].IdempotencyKey)

	recs, err := s.ledger.ListByJob(context.Background(), job.ID)
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal(string(mandatemodels.ToolChargeSuccessFee), recs[0].ToolName)
	s.Equal(audit.DecisionApproved, recs[0].Decision)

	again, err := s.scheduler.Trigger(context.Background(), job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, again.Status)
	s.Len(s.charger.Charges(), 1)
}

func (s *SchedulerSuite) TestRun_RetriesTransientFailures() {
	var calls atomic.Int32
	s.flow.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, run workflow.Run) (*workflow.Result, error) {
		if calls.Add(1) == 1 {
			return nil, &workflow.Error{Kind: models.KindSiteMaintenance, Step: "login"}
		}
		return s.booked()(ctx, run)
	}).Times(2)

	job := s.scheduleAndFire()

	s.Equal(models.StatusCompleted, job.Status)
	s.Equal(2, job.Attempts)
}

func (s *SchedulerSuite) TestRun_GivesUpAfterMaxAttempts() {
	s.flow.EXPECT().Execute(gomock.Any(), gomock.Any()).
		Return(nil, &workflow.Error{Kind: models.KindNetworkTimeout, Step: "participants"}).Times(3)

	job := s.scheduleAndFire()

	s.Equal(models.StatusFailed, job.Status)
	s.Require().NotNil(job.Error)
	s.Equal(models.KindNetworkTimeout, job.Error.Kind)
	s.True(job.Error.Retryable)
	s.Equal(3, job.Attempts)
	s.Empty(s.charger.Charges())
}

func (s *SchedulerSuite) TestRun_PermanentFailuresAreNotRetried() {
	trip := &guardrail.TrippedError{
		Reason: guardrail.ReasonPaymentPage,
		Evidence: guardrail.Evidence{
			URL:       "https://club.example/checkout",
			Timestamp: s.clock.Now(),
			Reason:    guardrail.ReasonPaymentPage,
			PageTitle: "Checkout",
			Matched:   "url:/checkout",
		},
	}
	s.flow.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil, trip).Times(1)

	job := s.scheduleAndFire()

	s.Equal(models.StatusFailed, job.Status)
	s.Require().NotNil(job.Error)
	s.Equal(models.KindGuardrailTripped, job.Error.Kind)
	s.False(job.Error.Retryable)
	s.Contains(job.Error.UserMessage, "No charge was made")
	s.Require().NotNil(job.Error.Evidence)
	s.Equal("https://club.example/checkout", job.Error.Evidence.URL)
	s.Equal("url:/checkout", job.Error.Evidence.Matched)
	s.Empty(job.BookingRef)
	s.Empty(s.charger.Charges())
}

func (s *SchedulerSuite) TestRun_ExpiredMandateAtTrigger() {
	mandates := mocks.NewMockMandates(gomock.NewController(s.T()))
	first := mandates.EXPECT().Verify(gomock.Any(), token).Return(s.mandate, nil)
	mandates.EXPECT().Verify(gomock.Any(), token).Return(nil, mandate.Verification(mandate.Expired, "token expired")).After(first)
	scheduler, err := service.New(s.store, mandates, s.flow, stubSessions{}, s.ledger, s.charger, service.WithClock(s.clock))
	s.Require().NoError(err)

	job, err := scheduler.Schedule(s.ctx(), s.request(10*time.Second))
	s.Require().NoError(err)
	s.clock.Advance(10 * time.Second)
	scheduler.Wait()

	got, err := s.store.FindByID(context.Background(), job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, got.Status)
	s.Equal(models.KindMandateInvalid, got.Error.Kind)
	s.Equal(string(mandate.Expired), got.Error.Code)
	s.True(got.Error.Retryable)
}

func (s *SchedulerSuite) TestRun_FeeOutsideMandateFailsAfterBooking() {
	s.mandate = s.newMandate(mandatemodels.ScopeCreateBooking)
	s.flow.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(s.booked())

	job := s.scheduleAndFire()

	s.Equal(models.StatusFailed, job.Status)
	s.Equal(models.KindBilling, job.Error.Kind)
	s.Equal("BK-1", job.BookingRef, "the booking stands even though the fee failed")
	s.Empty(s.charger.Charges())

	recs, err := s.ledger.ListByJob(context.Background(), job.ID)
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal(audit.DecisionDenied, recs[0].Decision)
}

func (s *SchedulerSuite) TestRun_PanicFailsTheJob() {
	s.flow.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, workflow.Run) (*workflow.Result, error) {
		panic("driver exploded")
	})

	job := s.scheduleAndFire()

	s.Equal(models.StatusFailed, job.Status)
	s.Equal(models.KindInternal, job.Error.Kind)
	s.Contains(job.Error.Detail, "driver exploded")
}

func (s *SchedulerSuite) TestCancel() {
	job, err := s.scheduler.Schedule(s.ctx(), s.request(30*time.Second))
	s.Require().NoError(err)

	_, err = s.scheduler.Cancel(requestcontext.WithSubject(context.Background(), "parent-2"), job.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	cancelled, err := s.scheduler.Cancel(s.ctx(), job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCancelled, cancelled.Status)
	s.False(s.scheduler.Armed(job.ID))

	_, err = s.scheduler.Cancel(s.ctx(), job.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	// Execute has no expectation: a cancelled job must not run.
	s.clock.Advance(time.Minute)
	got, err := s.scheduler.Trigger(context.Background(), job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCancelled, got.Status)
}

func (s *SchedulerSuite) TestRecover() {
	ctx := context.Background()
	stuck := s.storedJob(models.StatusPending, s.clock.Now().Add(-time.Minute))
	stuck.Status = models.StatusRunning
	s.Require().NoError(s.store.Update(ctx, stuck, models.StatusPending))
	due := s.storedJob(models.StatusPending, s.clock.Now().Add(time.Minute))
	later := s.storedJob(models.StatusPending, s.clock.Now().Add(time.Hour))

	interrupted, err := s.scheduler.Recover(ctx)
	s.Require().NoError(err)
	s.Equal(1, interrupted)

	got, err := s.store.FindByID(ctx, stuck.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, got.Status)
	s.Equal(models.KindInterrupted, got.Error.Kind)
	s.False(got.Error.Retryable)

	s.True(s.scheduler.Armed(due.ID))
	s.False(s.scheduler.Armed(later.ID))
}

func (s *SchedulerSuite) withFlight(f service.Flight) *service.Scheduler {
	sched, err := service.New(s.store, s.mandates, s.flow, stubSessions{}, s.ledger, s.charger,
		service.WithClock(s.clock),
		service.WithFlight(f),
	)
	s.Require().NoError(err)
	s.T().Cleanup(sched.Wait)
	return sched
}

func (s *SchedulerSuite) TestRecover_LeavesJobsOwnedByAPeer() {
	ctx := context.Background()
	owned := s.storedJob(models.StatusPending, s.clock.Now().Add(-2*time.Minute))
	owned.Status = models.StatusRunning
	s.Require().NoError(s.store.Update(ctx, owned, models.StatusPending))
	orphan := s.storedJob(models.StatusPending, s.clock.Now().Add(-time.Minute))
	orphan.Status = models.StatusRunning
	s.Require().NoError(s.store.Update(ctx, orphan, models.StatusPending))

	var released atomic.Int32
	f := mocks.NewMockFlight(s.ctrl)
	gomock.InOrder(
		f.EXPECT().Claim(gomock.Any(), owned.FlightKey()).
			Return(nil, fmt.Errorf("flight lock %s: %w", owned.FlightKey(), sentinel.ErrLockHeld)),
		f.EXPECT().Claim(gomock.Any(), orphan.FlightKey()).
			Return(func(context.Context) error { released.Add(1); return nil }, nil),
	)

	interrupted, err := s.withFlight(f).Recover(ctx)
	s.Require().NoError(err)
	s.Equal(1, interrupted)
	s.Equal(int32(1), released.Load())

	got, err := s.store.FindByID(ctx, owned.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusRunning, got.Status, "a live peer keeps its run")
	s.Nil(got.Error)

	got, err = s.store.FindByID(ctx, orphan.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, got.Status)
	s.Equal(models.KindInterrupted, got.Error.Kind)
}

func (s *SchedulerSuite) TestTrigger_RearmsAfterJoiningAnotherJobsFlight() {
	ctx := context.Background()
	other := s.storedJob(models.StatusCompleted, s.clock.Now().Add(-time.Second))
	job := s.storedJob(models.StatusPending, s.clock.Now().Add(-time.Second))

	var reran atomic.Bool
	f := mocks.NewMockFlight(s.ctrl)
	gomock.InOrder(
		f.EXPECT().Do(gomock.Any(), job.FlightKey(), gomock.Any()).Return(other, true, nil),
		f.EXPECT().Do(gomock.Any(), job.FlightKey(), gomock.Any()).DoAndReturn(
			func(context.Context, string, func(context.Context) (any, error)) (any, bool, error) {
				reran.Store(true)
				done := job.Clone()
				done.Status = models.StatusCompleted
				return done, false, nil
			}),
	)
	sched := s.withFlight(f)

	got, err := sched.Trigger(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, got.Status)

	sched.Wait()
	s.True(reran.Load(), "the job runs on its own once the shared flight ends")
}

func (s *SchedulerSuite) storedJob(status models.Status, trigger time.Time) *models.Job {
	job := &models.Job{
		ID:             id.NewJobID(),
		RegistrationID: "reg-" + id.NewJobID().String(),
		MandateID:      s.mandate.ID,
		MandateToken:   token,
		Subject:        subject,
		OrgRef:         "nordic-club",
		TriggerTime:    trigger,
		Status:         status,
		Payload:        s.request(0).Payload,
		CreatedAt:      s.clock.Now(),
		UpdatedAt:      s.clock.Now(),
	}
	s.Require().NoError(s.store.Create(context.Background(), job))
	return job
}

func (s *SchedulerSuite) TestNew_RequiresCollaborators() {
	_, err := service.New(nil, s.mandates, s.flow, stubSessions{}, s.ledger, s.charger)
	s.Error(err)
	_, err = service.New(s.store, s.mandates, s.flow, stubSessions{}, s.ledger, nil)
	s.Error(err)
}

// stubSessions hands out bare sessions for tests that never reach a driver.
type stubSessions struct{}

func (stubSessions) Acquire(context.Context, string, string) (*session.Session, error) {
	return nil, errors.New("no sessions in this test")
}

func (stubSessions) Release(context.Context, *session.Session, bool) {}
