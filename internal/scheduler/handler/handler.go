package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"enrollo/internal/audit"
	"enrollo/internal/mandate"
	"enrollo/internal/scheduler/models"
	"enrollo/internal/scheduler/service"
	id "enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
	"enrollo/pkg/platform/httputil"
	"enrollo/pkg/requestcontext"
)

// Service defines the scheduler operations exposed over HTTP.
type Service interface {
	Schedule(ctx context.Context, req service.ScheduleRequest) (*models.Job, error)
	Cancel(ctx context.Context, jobID id.JobID) (*models.Job, error)
	Get(ctx context.Context, jobID id.JobID) (*models.Job, error)
}

// AuditTrail lists the ledger records of a job.
type AuditTrail interface {
	ListByJob(ctx context.Context, jobID id.JobID) ([]*audit.Record, error)
}

type Handler struct {
	service Service
	audit   AuditTrail
	logger  *slog.Logger
}

func New(service Service, trail AuditTrail, logger *slog.Logger) *Handler {
	return &Handler{service: service, audit: trail, logger: logger}
}

// Register mounts scheduling endpoints. Callers apply subject authentication.
func (h *Handler) Register(r chi.Router) {
	r.Post("/signups/{registration_id}/schedule", h.HandleSchedule)
	r.Post("/jobs/{id}/cancel", h.HandleCancel)
	r.Get("/jobs/{id}", h.HandleGet)
	r.Get("/jobs/{id}/audit", h.HandleAudit)
}

// HandleSchedule handles POST /signups/{registration_id}/schedule. The
// trigger time must be in the future.
func (h *Handler) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	registrationID := strings.TrimSpace(chi.URLParam(r, "registration_id"))
	if registrationID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "registration_id is required"))
		return
	}
	req, ok := httputil.DecodeAndPrepare[ScheduleRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if !req.TriggerTime.After(requestcontext.Now(ctx)) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidTime, "trigger_time must be in the future"))
		return
	}

	job, err := h.service.Schedule(ctx, service.ScheduleRequest{
		RegistrationID: registrationID,
		MandateToken:   req.MandateToken,
		TriggerTime:    *req.TriggerTime,
		Payload:        *req.Payload,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "schedule failed",
			"request_id", requestID,
			"registration_id", registrationID,
			"error", err,
		)
		if ve, ok := mandate.AsVerification(err); ok {
			err = dErrors.Wrap(ve, dErrors.CodeForbidden, "mandate token rejected: "+string(ve.Kind))
		}
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, ScheduleResponse{
		JobID:         job.ID.String(),
		Status:        string(job.Status),
		ScheduledTime: job.TriggerTime,
	})
}

// HandleCancel handles POST /jobs/{id}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	job, err := h.service.Cancel(ctx, jobID)
	if err != nil {
		h.logger.WarnContext(ctx, "cancel failed",
			"request_id", requestcontext.RequestID(ctx),
			"job_id", jobID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toJobResponse(job))
}

// HandleGet handles GET /jobs/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	job, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toJobResponse(job))
}

// HandleAudit handles GET /jobs/{id}/audit.
func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	job, err := h.service.Get(ctx, jobID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	records, err := h.audit.ListByJob(ctx, jobID)
	if err != nil {
		h.logger.ErrorContext(ctx, "audit listing failed",
			"request_id", requestcontext.RequestID(ctx),
			"job_id", jobID,
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit records"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAuditResponse(job, records))
}
