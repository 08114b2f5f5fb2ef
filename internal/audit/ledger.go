// Package audit is the append-only ledger of privileged tool invocations.
//
// Begin persists a pending record before the action runs; Complete fills in
// the result hash exactly once. Writes are synchronous and fail closed: if
// Begin cannot persist, the caller must not perform the action.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	id "enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
	"enrollo/pkg/platform/sentinel"
)

type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Complete(ctx context.Context, auditID id.AuditID, c Completion) (*Record, error)
	FindByID(ctx context.Context, auditID id.AuditID) (*Record, error)
	ListByMandate(ctx context.Context, mandateID id.MandateID) ([]*Record, error)
	ListByJob(ctx context.Context, jobID id.JobID) ([]*Record, error)
	ListPending(ctx context.Context, createdBefore time.Time) ([]*Record, error)
}

// Exporter receives recorded rows for downstream fan-out. Export must not block.
type Exporter interface {
	Export(ctx context.Context, rec Record)
}

// ErrAlreadyRecorded is returned when Complete is called twice for one record.
var ErrAlreadyRecorded = dErrors.New(dErrors.CodeConflict, "audit record already completed")

type Ledger struct {
	store    Store
	exporter Exporter
	logger   *slog.Logger
	clock    func() time.Time
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func WithExporter(e Exporter) Option {
	return func(l *Ledger) {
		l.exporter = e
	}
}

func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func NewLedger(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	l := &Ledger{store: store, logger: slog.New(slog.DiscardHandler), clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// BeginRequest identifies the action about to run. Args are hashed, never stored.
type BeginRequest struct {
	MandateID id.MandateID
	JobID     id.JobID
	ToolName  string
	Args      any
}

// Outcome is what the action returned. A non-nil Err records the call as denied.
type Outcome struct {
	Result any
	Err    error
}

// Begin persists a pending record and returns its id.
func (l *Ledger) Begin(ctx context.Context, req BeginRequest) (id.AuditID, error) {
	if req.MandateID.IsNil() || req.ToolName == "" {
		return id.AuditID{}, dErrors.New(dErrors.CodeInvariantViolation, "audit record requires mandate and tool")
	}
	argsHash, err := Hash(req.Args)
	if err != nil {
		return id.AuditID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash audit args")
	}
	rec := &Record{
		ID:        id.NewAuditID(),
		MandateID: req.MandateID,
		JobID:     req.JobID,
		ToolName:  req.ToolName,
		ArgsHash:  argsHash,
		State:     StatePending,
		CreatedAt: l.clock(),
	}
	if err := l.store.Insert(ctx, rec); err != nil {
		l.logger.ErrorContext(ctx, "audit begin failed",
			"mandate_id", req.MandateID,
			"tool", req.ToolName,
			"error", err,
		)
		return id.AuditID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist audit record")
	}
	return rec.ID, nil
}

// Complete records the outcome of a begun action. It succeeds once per record.
func (l *Ledger) Complete(ctx context.Context, auditID id.AuditID, out Outcome) error {
	c := Completion{Decision: DecisionApproved, CompletedAt: l.clock()}
	result := out.Result
	if out.Err != nil {
		c.Decision = DecisionDenied
		c.Reason = out.Err.Error()
		result = map[string]string{"error": out.Err.Error()}
	}
	resultHash, err := Hash(result)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash audit result")
	}
	c.ResultHash = resultHash
	return l.complete(ctx, auditID, c)
}

// Deny records an action that was refused before it ran, as a single
// already-recorded row.
func (l *Ledger) Deny(ctx context.Context, req BeginRequest, reason string) (id.AuditID, error) {
	auditID, err := l.Begin(ctx, req)
	if err != nil {
		return id.AuditID{}, err
	}
	resultHash, err := Hash(map[string]string{"denied": reason})
	if err != nil {
		return id.AuditID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash audit result")
	}
	err = l.complete(ctx, auditID, Completion{
		ResultHash:  resultHash,
		Decision:    DecisionDenied,
		Reason:      reason,
		CompletedAt: l.clock(),
	})
	return auditID, err
}

// Track wraps fn in Begin and Complete. If Begin fails fn is not called. The
// error from fn is returned unchanged; a Complete failure is logged, since the
// pending record already shows the action was attempted.
func (l *Ledger) Track(ctx context.Context, req BeginRequest, fn func(ctx context.Context) (any, error)) (any, error) {
	auditID, err := l.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	result, fnErr := fn(ctx)
	if err := l.Complete(ctx, auditID, Outcome{Result: result, Err: fnErr}); err != nil {
		l.logger.ErrorContext(ctx, "audit complete failed, record left in doubt",
			"audit_id", auditID,
			"tool", req.ToolName,
			"error", err,
		)
	}
	return result, fnErr
}

func (l *Ledger) complete(ctx context.Context, auditID id.AuditID, c Completion) error {
	rec, err := l.store.Complete(ctx, auditID, c)
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return dErrors.New(dErrors.CodeNotFound, "audit record not found")
		case errors.Is(err, sentinel.ErrInvalidState):
			return ErrAlreadyRecorded
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to complete audit record")
	}
	l.logger.InfoContext(ctx, "audit record completed",
		"audit_id", rec.ID,
		"mandate_id", rec.MandateID,
		"job_id", rec.JobID,
		"tool", rec.ToolName,
		"decision", rec.Decision,
		"log_type", "audit",
	)
	if l.exporter != nil {
		l.exporter.Export(ctx, *rec)
	}
	return nil
}

func (l *Ledger) ListByMandate(ctx context.Context, mandateID id.MandateID) ([]*Record, error) {
	recs, err := l.store.ListByMandate(ctx, mandateID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit records")
	}
	return recs, nil
}

func (l *Ledger) ListByJob(ctx context.Context, jobID id.JobID) ([]*Record, error) {
	recs, err := l.store.ListByJob(ctx, jobID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit records")
	}
	return recs, nil
}

// ListInDoubt returns pending records begun more than olderThan ago.
func (l *Ledger) ListInDoubt(ctx context.Context, olderThan time.Duration) ([]*Record, error) {
	recs, err := l.store.ListPending(ctx, l.clock().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("list in-doubt audit records: %w", err)
	}
	return recs, nil
}
