package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowledger/internal/auth"
	"escrowledger/internal/common/database"
)

// Store persists accounts
type Store interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id string) (*Account, error)
	GetByPhone(ctx context.Context, phone string) (*Account, error)
	SetStatus(ctx context.Context, id string, status Status, reason string, at time.Time) error
	SetRole(ctx context.Context, id string, role auth.Role, at time.Time) error
	SetPassword(ctx context.Context, id, hash string, at time.Time) error
	// RecordLoginFailure increments and returns the failed-login counter.
	RecordLoginFailure(ctx context.Context, id string) (int, error)
	ResetLoginFailures(ctx context.Context, id string) error
}

// PostgresStore implements Store on Postgres
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new account store
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, phone, email, password_hash, status, role, failed_logins, status_reason, created_at, updated_at, verified_at`

func (s *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := s.db.Conn(ctx).Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.Phone, nullStr(a.Email), a.PasswordHash, a.Status, a.Role, a.FailedLogins,
		nullStr(a.StatusReason), a.CreatedAt, a.UpdatedAt, a.VerifiedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("account %s: %w", a.Phone, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Account, error) {
	return scanAccount(s.db.Conn(ctx).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *PostgresStore) GetByPhone(ctx context.Context, phone string) (*Account, error) {
	return scanAccount(s.db.Conn(ctx).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE phone = $1`, phone))
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status Status, reason string, at time.Time) error {
	query := `
		UPDATE accounts SET status = $2, status_reason = $3, updated_at = $4,
			verified_at = CASE WHEN $2 = 'active' AND verified_at IS NULL THEN $4 ELSE verified_at END
		WHERE id = $1
	`
	return s.exec(ctx, "updating account status", query, id, status, nullStr(reason), at)
}

func (s *PostgresStore) SetRole(ctx context.Context, id string, role auth.Role, at time.Time) error {
	return s.exec(ctx, "updating account role",
		`UPDATE accounts SET role = $2, updated_at = $3 WHERE id = $1`, id, role, at)
}

func (s *PostgresStore) SetPassword(ctx context.Context, id, hash string, at time.Time) error {
	return s.exec(ctx, "updating password",
		`UPDATE accounts SET password_hash = $2, failed_logins = 0, updated_at = $3 WHERE id = $1`, id, hash, at)
}

func (s *PostgresStore) RecordLoginFailure(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.Conn(ctx).QueryRow(ctx,
		`UPDATE accounts SET failed_logins = failed_logins + 1 WHERE id = $1 RETURNING failed_logins`, id).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, database.ErrNotFound
		}
		return 0, fmt.Errorf("recording login failure: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ResetLoginFailures(ctx context.Context, id string) error {
	return s.exec(ctx, "resetting login failures",
		`UPDATE accounts SET failed_logins = 0 WHERE id = $1 AND failed_logins <> 0`, id)
}

func (s *PostgresStore) exec(ctx context.Context, what, query string, args ...any) error {
	if _, err := s.db.Conn(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		a             Account
		email, reason *string
	)
	err := row.Scan(&a.ID, &a.Phone, &email, &a.PasswordHash, &a.Status, &a.Role, &a.FailedLogins,
		&reason, &a.CreatedAt, &a.UpdatedAt, &a.VerifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	if email != nil {
		a.Email = *email
	}
	if reason != nil {
		a.StatusReason = *reason
	}
	return &a, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
