package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"enrollo/internal/mandate/models"
	"enrollo/internal/platform/postgres"
	id "enrollo/pkg/domain"
	"enrollo/pkg/platform/sentinel"
)

// PostgresStore persists mandates in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, m *models.Mandate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mandates (id, subject, provider, org_ref, scopes, max_amount_cents,
			valid_from, valid_until, credential_ref, child_ref, program_ref, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		uuid.UUID(m.ID), m.Subject, m.Provider, m.OrgRef, pq.Array(m.ScopeStrings()), int64(m.MaxAmountCents),
		m.ValidFrom, m.ValidUntil, uuid.UUID(m.CredentialRef), nullString(m.ChildRef), nullString(m.ProgramRef),
		string(m.Status), m.CreatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("mandate %s: %w", m.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert mandate: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, mandateID id.MandateID) (*models.Mandate, error) {
	var (
		m                 models.Mandate
		rawID, rawCred    uuid.UUID
		scopes            []string
		maxCents          int64
		childRef, progRef sql.NullString
		status            string
		revokedAt         sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject, provider, org_ref, scopes, max_amount_cents, valid_from, valid_until,
			credential_ref, child_ref, program_ref, status, created_at, revoked_at
		FROM mandates WHERE id = $1`, uuid.UUID(mandateID),
	).Scan(&rawID, &m.Subject, &m.Provider, &m.OrgRef, pq.Array(&scopes), &maxCents, &m.ValidFrom, &m.ValidUntil,
		&rawCred, &childRef, &progRef, &status, &m.CreatedAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("mandate not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find mandate: %w", err)
	}
	m.ID = id.MandateID(rawID)
	m.CredentialRef = id.CredentialID(rawCred)
	m.MaxAmountCents = uint64(maxCents)
	m.ChildRef = childRef.String
	m.ProgramRef = progRef.String
	m.Status = models.Status(status)
	for _, sc := range scopes {
		m.Scopes = append(m.Scopes, models.Scope(sc))
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		m.RevokedAt = &t
	}
	return &m, nil
}

// MarkRevoked flips an active mandate to revoked. The status guard makes a
// second revoke report ErrInvalidState.
func (s *PostgresStore) MarkRevoked(ctx context.Context, mandateID id.MandateID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mandates SET status = $2, revoked_at = $3
		WHERE id = $1 AND status = $4`,
		uuid.UUID(mandateID), string(models.StatusRevoked), at, string(models.StatusActive),
	)
	if err != nil {
		return fmt.Errorf("revoke mandate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke mandate rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.FindByID(ctx, mandateID); err != nil {
			return err
		}
		return fmt.Errorf("mandate %s: %w", mandateID, sentinel.ErrInvalidState)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
