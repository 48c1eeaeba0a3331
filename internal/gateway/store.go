package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowledger/internal/common/database"
	"escrowledger/internal/common/money"
)

// Store persists pending payments
type Store interface {
	Create(ctx context.Context, p *Payment) error
	GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*Payment, error)
	// Resolve moves a pending payment to its outcome. It returns
	// ErrAlreadyResolved when the payment is no longer pending.
	Resolve(ctx context.Context, checkoutRequestID string, r Resolution) error
	// ListPending returns payments still pending that were created before
	// cutoff, oldest first.
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error)
	RecordQuery(ctx context.Context, checkoutRequestID string, at time.Time) error
	// FlagForReview marks a pending payment for manual review. It returns
	// ErrAlreadyResolved when the payment is no longer pending.
	FlagForReview(ctx context.Context, checkoutRequestID string, at time.Time) error
	ListFlagged(ctx context.Context, limit, offset int) ([]*Payment, error)
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*Payment, error)
}

// PostgresStore implements Store on Postgres
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new payment store
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, checkout_request_id, merchant_request_id, account_id, phone, amount_minor, currency,
	purpose, purpose_ref, status, receipt, result_code, result_desc, query_attempts, review_flagged_at, created_at, updated_at, resolved_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	_, err := s.db.Conn(ctx).Exec(ctx, `
		INSERT INTO pending_payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		p.ID, p.CheckoutRequestID, nullStr(p.MerchantRequestID), p.AccountID, p.Phone,
		p.Amount.AmountMinor, p.Amount.Currency, p.Purpose, nullStr(p.PurposeRef), p.Status,
		nullStr(p.Receipt), p.ResultCode, nullStr(p.ResultDesc), p.QueryAttempts,
		p.ReviewFlaggedAt, p.CreatedAt, p.UpdatedAt, p.ResolvedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.CheckoutRequestID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*Payment, error) {
	return scanPayment(s.db.Conn(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM pending_payments WHERE checkout_request_id = $1`, checkoutRequestID))
}

func (s *PostgresStore) Resolve(ctx context.Context, checkoutRequestID string, r Resolution) error {
	tag, err := s.db.Conn(ctx).Exec(ctx, `
		UPDATE pending_payments
		SET status = $2, receipt = $3, result_code = $4, result_desc = $5, updated_at = $6, resolved_at = $6
		WHERE checkout_request_id = $1 AND status = 'pending'
	`, checkoutRequestID, r.Status, nullStr(r.Receipt), r.ResultCode, nullStr(r.ResultDesc), r.At)
	if err != nil {
		return fmt.Errorf("resolving payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func (s *PostgresStore) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	rows, err := s.db.Conn(ctx).Query(ctx, `
		SELECT `+paymentColumns+` FROM pending_payments
		WHERE status = 'pending' AND review_flagged_at IS NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending payments: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) RecordQuery(ctx context.Context, checkoutRequestID string, at time.Time) error {
	_, err := s.db.Conn(ctx).Exec(ctx, `
		UPDATE pending_payments SET query_attempts = query_attempts + 1, updated_at = $2
		WHERE checkout_request_id = $1
	`, checkoutRequestID, at)
	if err != nil {
		return fmt.Errorf("recording status query: %w", err)
	}
	return nil
}

func (s *PostgresStore) FlagForReview(ctx context.Context, checkoutRequestID string, at time.Time) error {
	tag, err := s.db.Conn(ctx).Exec(ctx, `
		UPDATE pending_payments SET review_flagged_at = $2, updated_at = $2
		WHERE checkout_request_id = $1 AND status = 'pending' AND review_flagged_at IS NULL
	`, checkoutRequestID, at)
	if err != nil {
		return fmt.Errorf("flagging payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func (s *PostgresStore) ListFlagged(ctx context.Context, limit, offset int) ([]*Payment, error) {
	rows, err := s.db.Conn(ctx).Query(ctx, `
		SELECT `+paymentColumns+` FROM pending_payments
		WHERE status = 'pending' AND review_flagged_at IS NOT NULL
		ORDER BY review_flagged_at, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing flagged payments: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*Payment, error) {
	rows, err := s.db.Conn(ctx).Query(ctx, `
		SELECT `+paymentColumns+` FROM pending_payments
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Payment, error) {
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p                               Payment
		merchantReq, ref, receipt, desc *string
		currency                        string
	)
	err := row.Scan(&p.ID, &p.CheckoutRequestID, &merchantReq, &p.AccountID, &p.Phone,
		&p.Amount.AmountMinor, &currency, &p.Purpose, &ref, &p.Status,
		&receipt, &p.ResultCode, &desc, &p.QueryAttempts, &p.ReviewFlaggedAt, &p.CreatedAt, &p.UpdatedAt, &p.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}
	p.Amount.Currency = money.Currency(currency)
	p.MerchantRequestID = deref(merchantReq)
	p.PurposeRef = deref(ref)
	p.Receipt = deref(receipt)
	p.ResultDesc = deref(desc)
	return &p, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
