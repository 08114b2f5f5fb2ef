package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"enrollo/internal/audit"
	"enrollo/internal/mandate"
	"enrollo/internal/scheduler/handler/mocks"
	"enrollo/internal/scheduler/models"
	"enrollo/internal/scheduler/service"
	id "enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
	"enrollo/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks
type SchedulerHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	trail   *mocks.MockAuditTrail
	router  chi.Router
	now     time.Time
}

func TestSchedulerHandlerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerHandlerSuite))
}

func (s *SchedulerHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.T().Cleanup(ctrl.Finish)
	s.service = mocks.NewMockService(ctrl)
	s.trail = mocks.NewMockAuditTrail(ctrl)
	s.now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.router = chi.NewRouter()
	New(s.service, s.trail, logger).Register(s.router)
}

func (s *SchedulerHandlerSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	ctx := requestcontext.WithSubject(req.Context(), "parent-1")
	ctx = requestcontext.WithTime(ctx, s.now)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req.WithContext(ctx))
	return w
}

func payload() map[string]any {
	return map[string]any{
		"provider":          "skiclubpro",
		"program_ref":       "nordic-kids",
		"program_url":       "https://club.example/programs/nordic-kids",
		"delegate":          map[string]string{"name": "Alex Parent", "email": "alex@example.com"},
		"participants":      []map[string]string{{"first_name": "Sam", "last_name": "Parent"}},
		"program_fee_cents": 4500,
	}
}

func (s *SchedulerHandlerSuite) job(status models.Status) *models.Job {
	return &models.Job{
		ID:             id.NewJobID(),
		RegistrationID: "reg-42",
		MandateID:      id.NewMandateID(),
		Subject:        "parent-1",
		OrgRef:         "nordic-club",
		TriggerTime:    s.now.Add(time.Hour),
		Status:         status,
	}
}

func (s *SchedulerHandlerSuite) TestSchedule() {
	trigger := s.now.Add(time.Hour)

	s.Run("accepted", func() {
		job := s.job(models.StatusPending)
		s.service.EXPECT().Schedule(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req service.ScheduleRequest) (*models.Job, error) {
				s.Equal("reg-42", req.RegistrationID)
				s.Equal("tok", req.MandateToken)
				s.True(trigger.Equal(req.TriggerTime))
				s.Equal("skiclubpro", req.Payload.Provider)
				return job, nil
			})

		w := s.do(http.MethodPost, "/signups/reg-42/schedule", map[string]any{
			"mandate_token": "tok",
			"trigger_time":  trigger,
			"payload":       payload(),
		})

		s.Equal(http.StatusAccepted, w.Code)
		var resp ScheduleResponse
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
		s.Equal(job.ID.String(), resp.JobID)
		s.Equal("pending", resp.Status)
	})

	s.Run("trigger time not in the future", func() {
		w := s.do(http.MethodPost, "/signups/reg-42/schedule", map[string]any{
			"mandate_token": "tok",
			"trigger_time":  s.now,
			"payload":       payload(),
		})
		s.Equal(http.StatusBadRequest, w.Code)
		s.Contains(w.Body.String(), string(dErrors.CodeInvalidTime))
	})

	s.Run("missing payload", func() {
		w := s.do(http.MethodPost, "/signups/reg-42/schedule", map[string]any{
			"mandate_token": "tok",
			"trigger_time":  trigger,
		})
		s.Equal(http.StatusBadRequest, w.Code)
	})

	s.Run("unknown field", func() {
		w := s.do(http.MethodPost, "/signups/reg-42/schedule", map[string]any{
			"mandate_token": "tok",
			"trigger_time":  trigger,
			"payload":       payload(),
			"card_number":   "4242",
		})
		s.Equal(http.StatusBadRequest, w.Code)
	})

	s.Run("rejected mandate", func() {
		s.service.EXPECT().Schedule(gomock.Any(), gomock.Any()).
			Return(nil, mandate.Verification(mandate.Revoked, "mandate has been revoked"))

		w := s.do(http.MethodPost, "/signups/reg-42/schedule", map[string]any{
			"mandate_token": "tok",
			"trigger_time":  trigger,
			"payload":       payload(),
		})
		s.Equal(http.StatusForbidden, w.Code)
		s.Contains(w.Body.String(), "revoked")
	})

	s.Run("already scheduled", func() {
		s.service.EXPECT().Schedule(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeConflict, "signup is already scheduled"))

		w := s.do(http.MethodPost, "/signups/reg-42/schedule", map[string]any{
			"mandate_token": "tok",
			"trigger_time":  trigger,
			"payload":       payload(),
		})
		s.Equal(http.StatusConflict, w.Code)
	})
}

func (s *SchedulerHandlerSuite) TestCancel() {
	job := s.job(models.StatusCancelled)
	s.service.EXPECT().Cancel(gomock.Any(), job.ID).Return(job, nil)

	w := s.do(http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", nil)

	s.Equal(http.StatusOK, w.Code)
	var resp JobResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal("cancelled", resp.Status)

	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/jobs/not-a-uuid/cancel", nil).Code)
}

func (s *SchedulerHandlerSuite) TestGet_ShowsOnlyUserFacingReason() {
	job := s.job(models.StatusFailed)
	job.Error = &models.JobError{
		Kind:        models.KindGuardrailTripped,
		Code:        "payment_page",
		UserMessage: "Stopped before the payment page. No charge was made.",
		Detail:      "payment guardrail tripped: payment_page (url:/checkout)",
		Evidence:    &models.StopEvidence{URL: "https://club.example/checkout"},
	}
	s.service.EXPECT().Get(gomock.Any(), job.ID).Return(job, nil)

	w := s.do(http.MethodGet, "/jobs/"+job.ID.String(), nil)

	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), "No charge was made")
	s.NotContains(w.Body.String(), "url:/checkout")
	s.NotContains(w.Body.String(), "club.example/checkout")
}

func (s *SchedulerHandlerSuite) TestGet_NotFound() {
	jobID := id.NewJobID()
	s.service.EXPECT().Get(gomock.Any(), jobID).Return(nil, dErrors.New(dErrors.CodeNotFound, "job not found"))

	w := s.do(http.MethodGet, "/jobs/"+jobID.String(), nil)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *SchedulerHandlerSuite) TestAudit() {
	job := s.job(models.StatusCompleted)
	hash := "sha256:ab"
	completed := s.now.Add(time.Minute)
	s.service.EXPECT().Get(gomock.Any(), job.ID).Return(job, nil)
	s.trail.EXPECT().ListByJob(gomock.Any(), job.ID).Return([]*audit.Record{
		{ID: id.NewAuditID(), Seq: 1, JobID: job.ID, ToolName: "provider.login", ArgsHash: "sha256:01",
			ResultHash: &hash, Decision: audit.DecisionApproved, State: audit.StateRecorded, CreatedAt: s.now, CompletedAt: &completed},
		{ID: id.NewAuditID(), Seq: 2, JobID: job.ID, ToolName: "provider.create_booking", ArgsHash: "sha256:02",
			State: audit.StatePending, CreatedAt: s.now},
	}, nil)

	w := s.do(http.MethodGet, "/jobs/"+job.ID.String()+"/audit", nil)

	s.Equal(http.StatusOK, w.Code)
	var resp AuditResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Require().Len(resp.Records, 2)
	s.Equal("provider.login", resp.Records[0].Tool)
	s.Equal("pending", resp.Records[1].State)
	s.Nil(resp.Records[1].ResultHash)
}
