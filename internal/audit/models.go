package audit

import (
	"time"

	id "enrollo/pkg/domain"
)

// Decision records whether the action itself succeeded. It is not the
// authorization decision, except for records written by Deny.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// State is pending between Begin and Complete. A record left pending after a
// crash is the in-doubt state and stays queryable.
type State string

const (
	StatePending  State = "pending"
	StateRecorded State = "recorded"
)

// Record is one privileged tool invocation. Hashes are "sha256:<hex>" over the
// canonical JSON of the arguments and result; payloads are never stored.
type Record struct {
	ID          id.AuditID
	Seq         int64
	MandateID   id.MandateID
	JobID       id.JobID
	ToolName    string
	ArgsHash    string
	ResultHash  *string
	Decision    Decision
	State       State
	Reason      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// InDoubt reports whether the action started but its outcome was never recorded.
func (r *Record) InDoubt() bool {
	return r.State == StatePending
}

// Completion is the write-once update applied to a pending record.
type Completion struct {
	ResultHash  string
	Decision    Decision
	Reason      string
	CompletedAt time.Time
}
