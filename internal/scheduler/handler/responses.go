package handler

import (
	"time"

	"enrollo/internal/audit"
	"enrollo/internal/scheduler/models"
)

type ScheduleResponse struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

// JobResponse is the parent-facing view of a job. Failure detail and
// evidence stay in the support view.
type JobResponse struct {
	ID             string        `json:"id"`
	RegistrationID string        `json:"registration_id"`
	Status         string        `json:"status"`
	TriggerTime    time.Time     `json:"trigger_time"`
	BookingRef     string        `json:"booking_ref,omitempty"`
	Attempts       int           `json:"attempts"`
	Failure        *FailureBrief `json:"failure,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
}

type FailureBrief struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// AuditResponse is the support view: the job's failure in full and every
// ledger record written while it ran.
type AuditResponse struct {
	JobID     string            `json:"job_id"`
	MandateID string            `json:"mandate_id"`
	Status    string            `json:"status"`
	Error     *models.JobError  `json:"error,omitempty"`
	Records   []AuditRecordView `json:"records"`
}

type AuditRecordView struct {
	ID          string     `json:"id"`
	Seq         int64      `json:"seq"`
	Tool        string     `json:"tool"`
	ArgsHash    string     `json:"args_hash"`
	ResultHash  *string    `json:"result_hash,omitempty"`
	Decision    string     `json:"decision,omitempty"`
	State       string     `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(job *models.Job) JobResponse {
	resp := JobResponse{
		ID:             job.ID.String(),
		RegistrationID: job.RegistrationID,
		Status:         string(job.Status),
		TriggerTime:    job.TriggerTime,
		BookingRef:     job.BookingRef,
		Attempts:       job.Attempts,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
	}
	if job.Error != nil {
		resp.Failure = &FailureBrief{
			Kind:      string(job.Error.Kind),
			Message:   job.Error.UserMessage,
			Retryable: job.Error.Retryable,
		}
	}
	return resp
}

func toAuditResponse(job *models.Job, records []*audit.Record) AuditResponse {
	views := make([]AuditRecordView, 0, len(records))
	for _, r := range records {
		views = append(views, AuditRecordView{
			ID:          r.ID.String(),
			Seq:         r.Seq,
			Tool:        r.ToolName,
			ArgsHash:    r.ArgsHash,
			ResultHash:  r.ResultHash,
			Decision:    string(r.Decision),
			State:       string(r.State),
			Reason:      r.Reason,
			CreatedAt:   r.CreatedAt,
			CompletedAt: r.CompletedAt,
		})
	}
	return AuditResponse{
		JobID:     job.ID.String(),
		MandateID: job.MandateID.String(),
		Status:    string(job.Status),
		Error:     job.Error,
		Records:   views,
	}
}
