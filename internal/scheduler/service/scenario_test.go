package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"enrollo/internal/audit"
	"enrollo/internal/audit/store/memory"
	"enrollo/internal/automation/automationtest"
	"enrollo/internal/billing"
	"enrollo/internal/credential"
	credmodels "enrollo/internal/credential/models"
	credstore "enrollo/internal/credential/store"
	"enrollo/internal/guardrail"
	mandatesvc "enrollo/internal/mandate/service"
	mandatestore "enrollo/internal/mandate/store"
	"enrollo/internal/mandate/store/revocation"
	mandatetoken "enrollo/internal/mandate/token"
	"enrollo/internal/scheduler/flight"
	"enrollo/internal/scheduler/models"
	"enrollo/internal/scheduler/service"
	"enrollo/internal/scheduler/session"
	"enrollo/internal/scheduler/store"
	"enrollo/internal/scheduler/workflow"
	"enrollo/internal/vault"
	"enrollo/pkg/requestcontext"
)

// Justification: these runs wire the real vault, mandate authority, audit
// ledger and guardrail against a simulated provider, the way a deployment
// does, and pin the outcomes a parent would see.
type ScenarioSuite struct {
	suite.Suite
	clock     *manualClock
	site      *automationtest.RegistrationSite
	mandates  *mandatesvc.Service
	ledger    *audit.Ledger
	charger   *billing.InMemoryCharger
	jobs      *store.InMemoryStore
	scheduler *service.Scheduler
	cred      credmodels.Credential
}

func TestScenarioSuite(t *testing.T) {
	suite.Run(t, new(ScenarioSuite))
}

func (s *ScenarioSuite) SetupTest() {
	s.clock = newManualClock(time.Date(2026, 3, 1, 8, 55, 0, 0, time.UTC))
	s.site = automationtest.NewRegistrationSite("https://club.example")
	s.charger = billing.NewInMemoryCharger()
	s.jobs = store.NewInMemory()

	v, err := vault.New(strings.Repeat("v", 40))
	s.Require().NoError(err)
	credentials, err := credential.New(credstore.NewInMemory(), v)
	s.Require().NoError(err)
	cred, err := credentials.Save(s.ctx(), subject, "skiclubpro",
		credmodels.Secret{Username: "parent@example.com", Password: "correct horse"})
	s.Require().NoError(err)
	s.cred = *cred

	signer, err := mandatetoken.NewSigner(strings.Repeat("s", 32), "HS256", "enrollo", "signup-core", mandatetoken.WithClock(s.clock.Now))
	s.Require().NoError(err)
	s.mandates, err = mandatesvc.New(mandatestore.NewInMemory(), revocation.NewInMemory(revocation.WithInMemoryClock(s.clock.Now)), credentials, signer)
	s.Require().NoError(err)

	s.ledger, err = audit.NewLedger(memory.NewInMemoryStore(), audit.WithClock(s.clock.Now))
	s.Require().NoError(err)

	providers := workflow.Directory{"skiclubpro": {
		LoginURL:         s.site.LoginURL(),
		Username:         automationtest.SelUsername,
		Password:         automationtest.SelPassword,
		LoginSubmit:      automationtest.SelSignIn,
		LoginError:       automationtest.SelLoginError,
		DelegateName:     automationtest.SelDelegateName,
		DelegateEmail:    automationtest.SelDelegateEmail,
		ParticipantField: automationtest.SelParticipantField,
		ProgramFull:      automationtest.SelProgramFull,
		FormError:        automationtest.SelFormError,
		Next:             automationtest.SelNext,
		Price:            automationtest.SelPrice,
		Confirm:          automationtest.SelConfirm,
		BookingRef:       automationtest.SelBookingRef,
	}}
	guard := guardrail.New(nil, guardrail.WithClock(s.clock.Now))
	flow, err := workflow.New(providers, s.mandates, s.ledger, guard, credentials)
	s.Require().NoError(err)

	sessions, err := session.NewManager(s.site, 10*time.Minute, session.WithClock(s.clock.Now))
	s.Require().NoError(err)

	s.scheduler, err = service.New(s.jobs, s.mandates, flow, sessions, s.ledger, s.charger,
		service.WithClock(s.clock),
		service.WithFlight(flight.New()),
	)
	s.Require().NoError(err)
}

func (s *ScenarioSuite) TearDownTest() {
	s.scheduler.Wait()
}

func (s *ScenarioSuite) ctx() context.Context {
	ctx := requestcontext.WithSubject(context.Background(), subject)
	return requestcontext.WithTime(ctx, s.clock.Now())
}

// schedule issues a mandate and schedules the signup five minutes out.
func (s *ScenarioSuite) schedule(maxCents uint64, scopes ...string) *models.Job {
	issued, err := s.mandates.Issue(s.ctx(), mandatesvc.IssueRequest{
		Subject:        subject,
		Provider:       "skiclubpro",
		OrgRef:         "nordic-club",
		Scopes:         scopes,
		MaxAmountCents: maxCents,
		ValidUntil:     s.clock.Now().Add(24 * time.Hour),
		CredentialRef:  s.cred.ID,
		ProgramRef:     "nordic-kids",
	})
	s.Require().NoError(err)

	job, err := s.scheduler.Schedule(s.ctx(), service.ScheduleRequest{
		RegistrationID: "reg-nordic-kids-sam",
		MandateToken:   issued.Token,
		TriggerTime:    s.clock.Now().Add(5 * time.Minute),
		Payload: models.Payload{
			Provider:        "skiclubpro",
			ProgramRef:      "nordic-kids",
			ProgramURL:      s.site.ProgramURL(),
			Delegate:        models.Contact{Name: "Alex Parent", Email: "alex@example.com"},
			Participants:    []models.Participant{{FirstName: "Sam", LastName: "Parent", DateOfBirth: "2017-05-02"}},
			ProgramFeeCents: 4500,
			SuccessFeeCents: 2000,
		},
	})
	s.Require().NoError(err)
	return job
}

// fire polls as the running service would once the job is inside the arm
// horizon, then lets the trigger time arrive.
func (s *ScenarioSuite) fire(job *models.Job) *models.Job {
	s.clock.Advance(4 * time.Minute)
	_, err := s.scheduler.Recover(context.Background())
	s.Require().NoError(err)
	s.clock.Advance(time.Minute)
	s.scheduler.Wait()

	got, err := s.jobs.FindByID(context.Background(), job.ID)
	s.Require().NoError(err)
	return got
}

func (s *ScenarioSuite) toolTrail(job *models.Job) []string {
	recs, err := s.ledger.ListByJob(context.Background(), job.ID)
	s.Require().NoError(err)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		s.False(r.InDoubt(), "record %s left pending", r.ToolName)
		out = append(out, r.ToolName+":"+string(r.Decision))
	}
	return out
}

func (s *ScenarioSuite) TestBooksWithinMandate() {
	job := s.schedule(5000, "create_booking", "success_fee")

	got := s.fire(job)

	s.Equal(models.StatusCompleted, got.Status)
	s.Equal(automationtest.BookingRef, got.BookingRef)
	s.NotEmpty(got.ChargeID)
	s.Nil(got.Error)
	s.Equal([]string{
		"provider.login:approved",
		"provider.submit_participants:approved",
		"provider.create_booking:approved",
		"billing.charge_success_fee:approved",
	}, s.toolTrail(got))
	s.Len(s.charger.Charges(), 1)
	s.Equal(1, s.site.Launches())
}

func (s *ScenarioSuite) TestStopsAtCheckout() {
	s.site.DivertToCheckout()
	job := s.schedule(5000, "create_booking", "success_fee")

	got := s.fire(job)

	s.Equal(models.StatusFailed, got.Status)
	s.Require().NotNil(got.Error)
	s.Equal(models.KindGuardrailTripped, got.Error.Kind)
	s.Equal(string(guardrail.ReasonPaymentPage), got.Error.Code)
	s.False(got.Error.Retryable)
	s.Require().NotNil(got.Error.Evidence)
	s.Equal(s.site.CheckoutURL(), got.Error.Evidence.URL)
	s.Equal("Checkout", got.Error.Evidence.PageTitle)
	s.Equal(s.clock.Now(), got.Error.Evidence.Timestamp)

	s.NotContains(s.site.Actions(), "click "+automationtest.SelConfirm)
	s.Empty(s.charger.Charges())
	s.Equal([]string{
		"provider.login:approved",
		"provider.submit_participants:approved",
		"provider.create_booking:denied",
	}, s.toolTrail(got))
}

func (s *ScenarioSuite) TestCancelledJobNeverRuns() {
	job := s.schedule(5000, "create_booking")

	_, err := s.scheduler.Cancel(s.ctx(), job.ID)
	s.Require().NoError(err)

	got := s.fire(job)
	s.Equal(models.StatusCancelled, got.Status)

	// A late timer or a second instance may still try to fire it.
	got, err = s.scheduler.Trigger(context.Background(), job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCancelled, got.Status)

	s.Zero(s.site.Launches())
	s.Empty(s.toolTrail(got))
}

func (s *ScenarioSuite) TestConcurrentTriggersRunOnce() {
	job := s.schedule(5000, "create_booking")

	var wg sync.WaitGroup
	results := make([]*models.Job, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.scheduler.Trigger(context.Background(), job.ID)
			if err == nil {
				results[i] = got
			}
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		s.Require().NotNil(got)
		s.NotEqual(models.StatusPending, got.Status)
	}
	final, err := s.jobs.FindByID(context.Background(), job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, final.Status)
	s.Equal(1, final.Attempts)
	s.Equal(1, s.site.Launches())
	s.Equal([]string{
		"provider.login:approved",
		"provider.submit_participants:approved",
		"provider.create_booking:approved",
	}, s.toolTrail(final))
}
