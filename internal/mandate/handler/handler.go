package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"enrollo/internal/mandate"
	"enrollo/internal/mandate/models"
	"enrollo/internal/mandate/service"
	id "enrollo/pkg/domain"
	"enrollo/pkg/platform/httputil"
	"enrollo/pkg/requestcontext"
)

// Service defines the mandate operations exposed over HTTP.
type Service interface {
	Issue(ctx context.Context, req service.IssueRequest) (*service.IssueResult, error)
	Verify(ctx context.Context, token string) (*models.Mandate, error)
	Revoke(ctx context.Context, mandateID id.MandateID) (*models.Mandate, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts mandate endpoints. Callers apply subject authentication.
func (h *Handler) Register(r chi.Router) {
	r.Post("/mandates", h.HandleIssue)
	r.Post("/mandates/verify", h.HandleVerify)
	r.Post("/mandates/{id}/revoke", h.HandleRevoke)
}

// HandleIssue handles POST /mandates.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[IssueRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	in := service.IssueRequest{
		Subject:        req.Subject,
		Provider:       req.Provider,
		OrgRef:         req.OrgRef,
		Scopes:         req.Scopes,
		MaxAmountCents: req.MaxAmountCents,
		CredentialRef:  req.credentialRef,
		ChildRef:       req.ChildRef,
		ProgramRef:     req.ProgramRef,
	}
	if req.ValidFrom != nil {
		in.ValidFrom = *req.ValidFrom
	}
	if req.ValidUntil != nil {
		in.ValidUntil = *req.ValidUntil
	}

	res, err := h.service.Issue(ctx, in)
	if err != nil {
		h.logger.WarnContext(ctx, "mandate issue failed",
			"request_id", requestID,
			"subject", req.Subject,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, IssueResponse{
		MandateID: res.MandateID.String(),
		Token:     res.Token,
		Mandate:   toMandateResponse(res.Mandate, requestcontext.Now(ctx)),
	})
}

// HandleVerify handles POST /mandates/verify. Refusals are a 200 with
// valid=false so callers can branch on the reason.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[VerifyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	m, err := h.service.Verify(ctx, req.Token)
	if err != nil {
		if ve, ok := mandate.AsVerification(err); ok {
			httputil.WriteJSON(w, http.StatusOK, VerifyResponse{
				Valid:     false,
				Reason:    string(ve.Kind),
				Retryable: ve.Kind.Retryable(),
			})
			return
		}
		h.logger.ErrorContext(ctx, "mandate verify failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	resp := toMandateResponse(m, requestcontext.Now(ctx))
	httputil.WriteJSON(w, http.StatusOK, VerifyResponse{Valid: true, Mandate: &resp})
}

// HandleRevoke handles POST /mandates/{id}/revoke.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	mandateID, err := id.ParseMandateID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	m, err := h.service.Revoke(ctx, mandateID)
	if err != nil {
		h.logger.WarnContext(ctx, "mandate revoke failed",
			"request_id", requestID,
			"mandate_id", mandateID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "mandate revoked via api",
		"request_id", requestID,
		"mandate_id", mandateID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, toMandateResponse(m, requestcontext.Now(ctx)))
}
