package revocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresList persists revoked mandate jtis in PostgreSQL.
type PostgresList struct {
	db    *sql.DB
	clock Clock
}

type PostgresOption func(*PostgresList)

func WithPostgresClock(clock Clock) PostgresOption {
	return func(l *PostgresList) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func NewPostgres(db *sql.DB, opts ...PostgresOption) *PostgresList {
	l := &PostgresList{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *PostgresList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO mandate_revocations (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		jti, l.clock().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("revoke mandate token: %w", err)
	}
	return nil
}

func (l *PostgresList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var expiresAt time.Time
	err := l.db.QueryRowContext(ctx, `SELECT expires_at FROM mandate_revocations WHERE jti = $1`, jti).Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check mandate revocation: %w", err)
	}
	return !l.clock().After(expiresAt), nil
}

// Purge deletes entries whose tokens have expired anyway.
func (l *PostgresList) Purge(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM mandate_revocations WHERE expires_at < $1`, l.clock())
	if err != nil {
		return 0, fmt.Errorf("purge mandate revocations: %w", err)
	}
	return res.RowsAffected()
}
