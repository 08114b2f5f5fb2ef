package models

import (
	"time"

	"enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
)

// Status is the lifecycle state of a scheduled job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// CanTransitionTo reports whether s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no exits.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Contact is the adult the provider corresponds with.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Participant is one child being registered.
type Participant struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// Payload is everything the registration workflow submits.
type Payload struct {
	Provider        string        `json:"provider"`
	ProgramRef      string        `json:"program_ref"`
	ProgramURL      string        `json:"program_url"`
	Delegate        Contact       `json:"delegate"`
	Participants    []Participant `json:"participants"`
	ProgramFeeCents uint64        `json:"program_fee_cents"`
	SuccessFeeCents uint64        `json:"success_fee_cents,omitempty"`
}

func (p Payload) Validate() error {
	if p.Provider == "" {
		return dErrors.New(dErrors.CodeValidation, "provider is required")
	}
	if p.ProgramURL == "" {
		return dErrors.New(dErrors.CodeValidation, "program_url is required")
	}
	if p.Delegate.Name == "" || p.Delegate.Email == "" {
		return dErrors.New(dErrors.CodeValidation, "delegate name and email are required")
	}
	if len(p.Participants) == 0 {
		return dErrors.New(dErrors.CodeValidation, "at least one participant is required")
	}
	for _, c := range p.Participants {
		if c.FirstName == "" || c.LastName == "" {
			return dErrors.New(dErrors.CodeValidation, "participant first and last name are required")
		}
	}
	return nil
}

// Job is a registration to execute at TriggerTime.
type Job struct {
	ID             domain.JobID
	RegistrationID string
	MandateID      domain.MandateID
	MandateToken   string
	Subject        string
	OrgRef         string
	TriggerTime    time.Time
	Status         Status
	Payload        Payload
	BookingRef     string
	ChargeID       string
	Error          *JobError
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// FlightKey scopes single-flight execution and session reuse.
func (j *Job) FlightKey() string {
	return j.Subject + "|" + j.OrgRef
}

// Transition moves the job to next, stamping times. It refuses any move the
// state machine does not allow.
func (j *Job) Transition(next Status, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeInvariantViolation, "job cannot move from "+string(j.Status)+" to "+string(next))
	}
	j.Status = next
	j.UpdatedAt = now
	switch next {
	case StatusRunning:
		j.StartedAt = &now
		j.Attempts++
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.FinishedAt = &now
	}
	return nil
}

// Clone returns a deep copy safe to hand out of a store.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload.Participants = append([]Participant(nil), j.Payload.Participants...)
	if j.Error != nil {
		e := *j.Error
		if j.Error.Evidence != nil {
			ev := *j.Error.Evidence
			e.Evidence = &ev
		}
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
