package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrollo/internal/credential/models"
	"enrollo/internal/platform/postgres"
	id "enrollo/pkg/domain"
	"enrollo/pkg/platform/sentinel"
)

func TestPostgresStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgres(db)
	cred := &models.Credential{
		ID: id.NewCredentialID(), Subject: "parent-1", Provider: "skiclubpro",
		Blob: "aa:bb", IV: "cc", CreatedAt: time.Now(),
	}

	t.Run("inserts row", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credentials")).
			WithArgs(uuid.UUID(cred.ID), cred.Subject, cred.Provider, cred.Blob, cred.IV, cred.CreatedAt).
			WillReturnResult(sqlmock.NewResult(1, 1))
		require.NoError(t, store.Create(context.Background(), cred))
	})

	t.Run("unique violation maps to conflict", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credentials")).
			WillReturnError(&pq.Error{Code: postgres.UniqueViolation})
		err := store.Create(context.Background(), cred)
		assert.ErrorIs(t, err, sentinel.ErrConflict)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgres(db)
	credID := id.NewCredentialID()
	now := time.Now()

	t.Run("found", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "subject", "provider", "blob", "iv", "created_at"}).
			AddRow(credID.String(), "parent-1", "daysmart", "aa:bb", "cc", now)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, subject, provider, blob, iv, created_at")).
			WithArgs(uuid.UUID(credID)).
			WillReturnRows(rows)

		cred, err := store.FindByID(context.Background(), credID)
		require.NoError(t, err)
		assert.Equal(t, credID, cred.ID)
		assert.True(t, cred.OwnedBy("parent-1", "daysmart"))
	})

	t.Run("missing maps to not found", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, subject")).
			WithArgs(uuid.UUID(credID)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		_, err := store.FindByID(context.Background(), credID)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}
