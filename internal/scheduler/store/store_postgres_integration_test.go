//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"enrollo/internal/scheduler/models"
	"enrollo/internal/scheduler/store"
	id "enrollo/pkg/domain"
	"enrollo/pkg/platform/sentinel"
	"enrollo/pkg/testutil/containers"
)

type PostgresJobStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	now      time.Time
}

func TestPostgresJobStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresJobStoreSuite))
}

func (s *PostgresJobStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresJobStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "scheduled_jobs"))
	s.now = time.Now().UTC().Truncate(time.Millisecond)
}

func (s *PostgresJobStoreSuite) job(registrationID string, trigger time.Time) *models.Job {
	return &models.Job{
		ID:             id.NewJobID(),
		RegistrationID: registrationID,
		MandateID:      id.NewMandateID(),
		MandateToken:   "tok",
		Subject:        "parent-1",
		OrgRef:         "blackhawk",
		TriggerTime:    trigger,
		Status:         models.StatusPending,
		Payload: models.Payload{
			Provider:     "skiclubpro",
			ProgramRef:   "nordic-kids",
			Delegate:     models.Contact{Name: "Alex Parent", Email: "alex@example.com"},
			Participants: []models.Participant{{FirstName: "Sam", LastName: "Parent"}},
		},
		CreatedAt: s.now,
		UpdatedAt: s.now,
	}
}

func (s *PostgresJobStoreSuite) TestRoundTripKeepsFailureDetail() {
	ctx := context.Background()
	job := s.job("reg-1", s.now.Add(time.Minute))
	s.Require().NoError(s.store.Create(ctx, job))

	s.Require().NoError(job.Transition(models.StatusRunning, s.now))
	s.Require().NoError(s.store.Update(ctx, job, models.StatusPending))
	s.Require().NoError(job.Transition(models.StatusFailed, s.now.Add(time.Second)))
	job.Error = &models.JobError{
		Kind:        models.KindGuardrailTripped,
		Code:        "payment_page",
		UserMessage: "Stopped before the payment page. No charge was made.",
		Evidence:    &models.StopEvidence{URL: "https://club.example/checkout", PageTitle: "Checkout", Timestamp: s.now},
	}
	s.Require().NoError(s.store.Update(ctx, job, models.StatusRunning))

	got, err := s.store.FindByID(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, got.Status)
	s.Equal(job.Payload, got.Payload)
	s.Require().NotNil(got.Error)
	s.Equal(models.KindGuardrailTripped, got.Error.Kind)
	s.Equal("Checkout", got.Error.Evidence.PageTitle)
	s.NotNil(got.StartedAt)
	s.NotNil(got.FinishedAt)
}

func (s *PostgresJobStoreSuite) TestDuplicateRegistrationConflicts() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.job("reg-1", s.now)))
	s.ErrorIs(s.store.Create(ctx, s.job("reg-1", s.now)), sentinel.ErrConflict)
}

func (s *PostgresJobStoreSuite) TestListDueOnlyPendingInTriggerOrder() {
	ctx := context.Background()
	late := s.job("reg-late", s.now.Add(2*time.Minute))
	early := s.job("reg-early", s.now.Add(time.Minute))
	future := s.job("reg-future", s.now.Add(time.Hour))
	cancelled := s.job("reg-cancelled", s.now)
	for _, j := range []*models.Job{late, early, future, cancelled} {
		s.Require().NoError(s.store.Create(ctx, j))
	}
	s.Require().NoError(cancelled.Transition(models.StatusCancelled, s.now))
	s.Require().NoError(s.store.Update(ctx, cancelled, models.StatusPending))

	due, err := s.store.ListDue(ctx, s.now.Add(5*time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 2)
	s.Equal(early.ID, due[0].ID)
	s.Equal(late.ID, due[1].ID)
}

// Concurrent claims of one pending job must let exactly one through.
func (s *PostgresJobStoreSuite) TestConcurrentClaimSingleWinner() {
	ctx := context.Background()
	job := s.job("reg-1", s.now)
	s.Require().NoError(s.store.Create(ctx, job))

	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		invalid int
	)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim := job.Clone()
			_ = claim.Transition(models.StatusRunning, s.now)
			err := s.store.Update(ctx, claim, models.StatusPending)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case sentinel.Is(err, sentinel.ErrInvalidState):
				invalid++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, won)
	s.Equal(claimers-1, invalid)
}
