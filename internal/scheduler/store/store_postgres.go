package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"enrollo/internal/platform/postgres"
	"enrollo/internal/scheduler/models"
	id "enrollo/pkg/domain"
	"enrollo/pkg/platform/sentinel"
	txcontext "enrollo/pkg/platform/tx"
)

const jobColumns = `id, registration_id, mandate_id, mandate_token, subject, org_ref, trigger_time, status,
	payload, booking_ref, charge_id, error, attempts, created_at, updated_at, started_at, finished_at`

// PostgresStore persists jobs in PostgreSQL. The partial due-time index keeps
// ListDue cheap regardless of history size.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Create(ctx context.Context, job *models.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	jobErr, err := marshalError(job.Error)
	if err != nil {
		return err
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		uuid.UUID(job.ID), job.RegistrationID, uuid.UUID(job.MandateID), job.MandateToken, job.Subject, job.OrgRef,
		job.TriggerTime, string(job.Status), payload, nullString(job.BookingRef), nullString(job.ChargeID), jobErr,
		job.Attempts, job.CreatedAt, job.UpdatedAt, nullTime(job.StartedAt), nullTime(job.FinishedAt),
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("registration %s already scheduled: %w", job.RegistrationID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, jobID id.JobID) (*models.Job, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, uuid.UUID(jobID))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find job: %w", err)
	}
	return job, nil
}

// Update writes job when the stored status still equals expected. The row is
// locked for the check so two instances cannot both start the same job.
func (s *PostgresStore) Update(ctx context.Context, job *models.Job, expected models.Status) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	jobErr, err := marshalError(job.Error)
	if err != nil {
		return err
	}
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		var current string
		err := s.execer(ctx).QueryRowContext(ctx,
			`SELECT status FROM scheduled_jobs WHERE id = $1 FOR UPDATE`, uuid.UUID(job.ID),
		).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("job not found: %w", sentinel.ErrNotFound)
			}
			return fmt.Errorf("lock job: %w", err)
		}
		if models.Status(current) != expected {
			return fmt.Errorf("job %s is %s, expected %s: %w", job.ID, current, expected, sentinel.ErrInvalidState)
		}
		_, err = s.execer(ctx).ExecContext(ctx, `
			UPDATE scheduled_jobs SET status = $2, payload = $3, booking_ref = $4, charge_id = $5, error = $6,
				attempts = $7, updated_at = $8, started_at = $9, finished_at = $10
			WHERE id = $1`,
			uuid.UUID(job.ID), string(job.Status), payload, nullString(job.BookingRef), nullString(job.ChargeID), jobErr,
			job.Attempts, job.UpdatedAt, nullTime(job.StartedAt), nullTime(job.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE status = $1 AND trigger_time <= $2
		ORDER BY trigger_time LIMIT $3`,
		string(models.StatusPending), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.Job, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs WHERE status = $1 ORDER BY trigger_time`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job                  models.Job
		rawID, rawMandate    uuid.UUID
		status               string
		payload, rawErr      []byte
		bookingRef, chargeID sql.NullString
		startedAt, finished  sql.NullTime
	)
	err := row.Scan(&rawID, &job.RegistrationID, &rawMandate, &job.MandateToken, &job.Subject, &job.OrgRef,
		&job.TriggerTime, &status, &payload, &bookingRef, &chargeID, &rawErr, &job.Attempts,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &finished)
	if err != nil {
		return nil, err
	}
	job.ID = id.JobID(rawID)
	job.MandateID = id.MandateID(rawMandate)
	job.Status = models.Status(status)
	job.BookingRef = bookingRef.String
	job.ChargeID = chargeID.String
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	if len(rawErr) > 0 {
		var je models.JobError
		if err := json.Unmarshal(rawErr, &je); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
		job.Error = &je
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

func collect(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// marshalError returns an untyped nil for a missing error so the column is NULL.
func marshalError(e *models.JobError) (any, error) {
	if e == nil {
		return nil, nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal job error: %w", err)
	}
	return raw, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
