package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"enrollo/internal/audit"
	id "enrollo/pkg/domain"
	"enrollo/pkg/platform/sentinel"
	txcontext "enrollo/pkg/platform/tx"
)

// Store persists audit records in an append-only table. The only UPDATE is
// guarded by result_hash IS NULL, which makes completion write-once.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// execer joins the caller's transaction when one is carried in ctx.
func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const recordColumns = `id, seq, mandate_id, job_id, tool_name, args_hash, result_hash,
	decision, state, reason, created_at, completed_at`

func (s *Store) Insert(ctx context.Context, rec *audit.Record) error {
	err := s.execer(ctx).QueryRowContext(ctx, `
		INSERT INTO audit_records (id, mandate_id, job_id, tool_name, args_hash, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`,
		uuid.UUID(rec.ID), uuid.UUID(rec.MandateID), nullJobID(rec.JobID), rec.ToolName, rec.ArgsHash,
		string(rec.State), rec.CreatedAt,
	).Scan(&rec.Seq)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, auditID id.AuditID, c audit.Completion) (*audit.Record, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `
		UPDATE audit_records
		SET result_hash = $2, decision = $3, reason = $4, state = $5, completed_at = $6
		WHERE id = $1 AND result_hash IS NULL
		RETURNING `+recordColumns,
		uuid.UUID(auditID), c.ResultHash, string(c.Decision), nullString(c.Reason),
		string(audit.StateRecorded), c.CompletedAt,
	)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("complete audit record: %w", err)
	}
	if _, findErr := s.FindByID(ctx, auditID); findErr != nil {
		return nil, findErr
	}
	return nil, fmt.Errorf("audit record %s already recorded: %w", auditID, sentinel.ErrInvalidState)
}

func (s *Store) FindByID(ctx context.Context, auditID id.AuditID) (*audit.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE id = $1`, uuid.UUID(auditID))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("audit record not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find audit record: %w", err)
	}
	return rec, nil
}

func (s *Store) ListByMandate(ctx context.Context, mandateID id.MandateID) ([]*audit.Record, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE mandate_id = $1 ORDER BY seq`, uuid.UUID(mandateID))
}

func (s *Store) ListByJob(ctx context.Context, jobID id.JobID) ([]*audit.Record, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE job_id = $1 ORDER BY seq`, uuid.UUID(jobID))
}

func (s *Store) ListPending(ctx context.Context, createdBefore time.Time) ([]*audit.Record, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM audit_records
		WHERE result_hash IS NULL AND created_at < $1 ORDER BY seq`, createdBefore)
}

func (s *Store) list(ctx context.Context, query string, arg any) ([]*audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	out := make([]*audit.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*audit.Record, error) {
	var (
		rec         audit.Record
		rawID       uuid.UUID
		rawMandate  uuid.UUID
		rawJob      uuid.NullUUID
		resultHash  sql.NullString
		decision    sql.NullString
		state       string
		reason      sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(&rawID, &rec.Seq, &rawMandate, &rawJob, &rec.ToolName, &rec.ArgsHash, &resultHash,
		&decision, &state, &reason, &rec.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	rec.ID = id.AuditID(rawID)
	rec.MandateID = id.MandateID(rawMandate)
	if rawJob.Valid {
		rec.JobID = id.JobID(rawJob.UUID)
	}
	if resultHash.Valid {
		h := resultHash.String
		rec.ResultHash = &h
	}
	rec.Decision = audit.Decision(decision.String)
	rec.State = audit.State(state)
	rec.Reason = reason.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func nullJobID(jobID id.JobID) uuid.NullUUID {
	return uuid.NullUUID{UUID: uuid.UUID(jobID), Valid: !jobID.IsNil()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
