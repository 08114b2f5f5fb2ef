package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"enrollo/internal/credential/models"
	"enrollo/internal/platform/postgres"
	id "enrollo/pkg/domain"
	"enrollo/pkg/platform/sentinel"
)

// PostgresStore persists sealed credentials in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, cred *models.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, subject, provider, blob, iv, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.UUID(cred.ID), cred.Subject, cred.Provider, cred.Blob, cred.IV, cred.CreatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("credential %s: %w", cred.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, credID id.CredentialID) (*models.Credential, error) {
	var (
		cred models.Credential
		raw  uuid.UUID
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject, provider, blob, iv, created_at
		FROM credentials WHERE id = $1`, uuid.UUID(credID),
	).Scan(&raw, &cred.Subject, &cred.Provider, &cred.Blob, &cred.IV, &cred.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credential not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find credential: %w", err)
	}
	cred.ID = id.CredentialID(raw)
	return &cred, nil
}
