package otp

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowledger/internal/common/database"
)

// PostgresStore implements Store on Postgres
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new OTP store
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, c *Code) error {
	_, err := s.db.Conn(ctx).Exec(ctx, `
		INSERT INTO otp_codes (id, owner_id, purpose, code_hash, expires_at, used, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, 0, $6)
	`, c.ID, c.OwnerID, c.Purpose, c.CodeHash, c.ExpiresAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating otp code: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestActive(ctx context.Context, ownerID string, purpose Purpose) (*Code, error) {
	var c Code
	err := s.db.Conn(ctx).QueryRow(ctx, `
		SELECT id, owner_id, purpose, code_hash, expires_at, used, attempts, created_at
		FROM otp_codes
		WHERE owner_id = $1 AND purpose = $2 AND NOT used
		ORDER BY created_at DESC
		LIMIT 1
	`, ownerID, purpose).Scan(
		&c.ID, &c.OwnerID, &c.Purpose, &c.CodeHash, &c.ExpiresAt, &c.Used, &c.Attempts, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("loading otp code: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id string) error {
	_, err := s.db.Conn(ctx).Exec(ctx, `UPDATE otp_codes SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("recording otp attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailedAttempts(ctx context.Context, ownerID string, purpose Purpose) (int, error) {
	var n int
	err := s.db.Conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(attempts), 0) FROM otp_codes
		WHERE owner_id = $1 AND purpose = $2 AND NOT used
	`, ownerID, purpose).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting otp attempts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Consume(ctx context.Context, c *Code) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		q := s.db.Conn(ctx)
		tag, err := q.Exec(ctx, `UPDATE otp_codes SET used = TRUE WHERE id = $1 AND NOT used`, c.ID)
		if err != nil {
			return fmt.Errorf("claiming otp code: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUsed
		}
		_, err = q.Exec(ctx, `
			UPDATE otp_codes SET used = TRUE WHERE owner_id = $1 AND purpose = $2 AND NOT used
		`, c.OwnerID, c.Purpose)
		if err != nil {
			return fmt.Errorf("consuming otp codes: %w", err)
		}
		return nil
	})
}
