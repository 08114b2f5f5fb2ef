package handler

import (
	"strings"
	"time"

	"enrollo/internal/scheduler/models"
	dErrors "enrollo/pkg/domain-errors"
)

// ScheduleRequest is the body of POST /signups/{registration_id}/schedule.
type ScheduleRequest struct {
	MandateToken string          `json:"mandate_token"`
	TriggerTime  *time.Time      `json:"trigger_time"`
	Payload      *models.Payload `json:"payload"`
}

func (r *ScheduleRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.MandateToken = strings.TrimSpace(r.MandateToken)
	if r.MandateToken == "" {
		return dErrors.New(dErrors.CodeValidation, "mandate_token is required")
	}
	if r.TriggerTime == nil || r.TriggerTime.IsZero() {
		return dErrors.New(dErrors.CodeInvalidTime, "trigger_time is required")
	}
	if r.Payload == nil {
		return dErrors.New(dErrors.CodeValidation, "payload is required")
	}
	if len(r.Payload.Participants) > 6 {
		return dErrors.New(dErrors.CodeValidation, "at most 6 participants")
	}
	return r.Payload.Validate()
}
