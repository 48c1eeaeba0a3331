package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowledger/internal/common/database"
	"escrowledger/internal/common/money"
	"escrowledger/internal/escrow/domain"
)

// Store provides escrow, listing and merchant data access on Postgres
type Store struct {
	db *database.DB
}

// New creates a new escrow store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// CreateMerchant records a merchant profile
func (s *Store) CreateMerchant(ctx context.Context, m *domain.Merchant) error {
	_, err := s.db.Conn(ctx).Exec(ctx, `
		INSERT INTO merchants (account_id, business_name, created_at)
		VALUES ($1, $2, $3)
	`, m.AccountID, m.BusinessName, m.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("merchant %s: %w", m.AccountID, database.ErrAlreadyExists)
		}
		if database.IsForeignKeyViolation(err) {
			return fmt.Errorf("account %s: %w", m.AccountID, database.ErrNotFound)
		}
		return fmt.Errorf("creating merchant: %w", err)
	}
	return nil
}

// GetMerchant retrieves a merchant profile by account ID
func (s *Store) GetMerchant(ctx context.Context, accountID string) (*domain.Merchant, error) {
	var m domain.Merchant
	err := s.db.Conn(ctx).QueryRow(ctx, `
		SELECT account_id, business_name, created_at FROM merchants WHERE account_id = $1
	`, accountID).Scan(&m.AccountID, &m.BusinessName, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("getting merchant: %w", err)
	}
	return &m, nil
}

const listingColumns = `id, merchant_id, name, description, price_minor, currency, active, created_at, updated_at`

// CreateListing inserts a listing
func (s *Store) CreateListing(ctx context.Context, l *domain.Listing) error {
	_, err := s.db.Conn(ctx).Exec(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, l.ID, l.MerchantID, l.Name, l.Description, l.Price.AmountMinor, l.Price.Currency,
		l.Active, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return fmt.Errorf("merchant %s: %w", l.MerchantID, database.ErrNotFound)
		}
		return fmt.Errorf("creating listing: %w", err)
	}
	return nil
}

// GetListing retrieves a listing by ID
func (s *Store) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	row := s.db.Conn(ctx).QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	return scanListing(row)
}

// SetListingActive toggles a listing's availability
func (s *Store) SetListingActive(ctx context.Context, l *domain.Listing) error {
	tag, err := s.db.Conn(ctx).Exec(ctx, `
		UPDATE listings SET active = $2, updated_at = $3 WHERE id = $1
	`, l.ID, l.Active, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// ListListings lists listings matching the filter, newest first
func (s *Store) ListListings(ctx context.Context, f domain.ListingFilter) ([]*domain.Listing, error) {
	query := `
		SELECT ` + listingColumns + ` FROM listings
		WHERE ($1 = '' OR merchant_id::text = $1)
		  AND (NOT $2 OR active)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := s.db.Conn(ctx).Query(ctx, query, f.MerchantID, f.ActiveOnly, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing listings: %w", err)
	}
	defer rows.Close()

	var listings []*domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

const escrowColumns = `
	id, buyer_id, merchant_id, listing_id, listing_name,
	price_minor, platform_fee_minor, merchant_payout_minor, total_minor, currency,
	status, funding_ref, payment_ref, settlement_ref, dispute_reason,
	created_at, updated_at, paid_at, delivered_at, closed_at`

// CreateEscrow inserts a new escrow
func (s *Store) CreateEscrow(ctx context.Context, e *domain.Escrow) error {
	_, err := s.db.Conn(ctx).Exec(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		e.ID, e.BuyerID, e.MerchantID, e.ListingID, e.ListingName,
		e.Price.AmountMinor, e.PlatformFee.AmountMinor, e.MerchantPayout.AmountMinor, e.TotalToPay.AmountMinor, e.Currency,
		e.Status, nullStr(e.FundingRef), nullStr(e.PaymentRef), nullStr(e.SettlementRef), nullStr(e.DisputeReason),
		e.CreatedAt, e.UpdatedAt, e.PaidAt, e.DeliveredAt, e.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("creating escrow: %w", err)
	}
	return nil
}

// GetEscrow retrieves an escrow by ID
func (s *Store) GetEscrow(ctx context.Context, id string) (*domain.Escrow, error) {
	row := s.db.Conn(ctx).QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

// GetEscrowByFundingRef retrieves the escrow an STK push was raised for
func (s *Store) GetEscrowByFundingRef(ctx context.Context, ref string) (*domain.Escrow, error) {
	row := s.db.Conn(ctx).QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE funding_ref = $1`, ref)
	return scanEscrow(row)
}

// UpdateEscrow writes e only if its stored status is still from. A lost race
// returns database.ErrConflict.
func (s *Store) UpdateEscrow(ctx context.Context, e *domain.Escrow, from domain.Status) error {
	tag, err := s.db.Conn(ctx).Exec(ctx, `
		UPDATE escrows SET
			status = $3, funding_ref = $4, payment_ref = $5, settlement_ref = $6,
			dispute_reason = $7, updated_at = $8, paid_at = $9, delivered_at = $10, closed_at = $11
		WHERE id = $1 AND status = $2
	`,
		e.ID, from, e.Status, nullStr(e.FundingRef), nullStr(e.PaymentRef), nullStr(e.SettlementRef),
		nullStr(e.DisputeReason), e.UpdatedAt, e.PaidAt, e.DeliveredAt, e.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("updating escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow %s no longer %s: %w", e.ID, from, database.ErrConflict)
	}
	return nil
}

// ListEscrows lists escrows visible within scope, newest first
func (s *Store) ListEscrows(ctx context.Context, scope domain.Scope, limit, offset int) ([]*domain.Escrow, error) {
	var (
		where string
		args  = []any{limit, offset}
	)
	switch scope.Kind {
	case domain.ScopeAll:
		where = "TRUE"
	case domain.ScopeMerchant:
		where = "merchant_id = $3"
		args = append(args, scope.AccountID)
	default:
		where = "buyer_id = $3"
		args = append(args, scope.AccountID)
	}

	rows, err := s.db.Conn(ctx).Query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing escrows: %w", err)
	}
	defer rows.Close()

	var out []*domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanListing(row pgx.Row) (*domain.Listing, error) {
	var (
		l        domain.Listing
		price    int64
		currency string
	)
	err := row.Scan(&l.ID, &l.MerchantID, &l.Name, &l.Description, &price, &currency,
		&l.Active, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning listing: %w", err)
	}
	l.Price = money.New(price, money.Currency(currency))
	return &l, nil
}

func scanEscrow(row pgx.Row) (*domain.Escrow, error) {
	var (
		e                               domain.Escrow
		price, fee, payout, total       int64
		currency                        string
		fundingRef, paymentRef, settled *string
		reason                          *string
	)
	err := row.Scan(
		&e.ID, &e.BuyerID, &e.MerchantID, &e.ListingID, &e.ListingName,
		&price, &fee, &payout, &total, &currency,
		&e.Status, &fundingRef, &paymentRef, &settled, &reason,
		&e.CreatedAt, &e.UpdatedAt, &e.PaidAt, &e.DeliveredAt, &e.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning escrow: %w", err)
	}

	c := money.Currency(currency)
	e.Currency = c
	e.Price = money.New(price, c)
	e.PlatformFee = money.New(fee, c)
	e.MerchantPayout = money.New(payout, c)
	e.TotalToPay = money.New(total, c)
	e.FundingRef = deref(fundingRef)
	e.PaymentRef = deref(paymentRef)
	e.SettlementRef = deref(settled)
	e.DisputeReason = deref(reason)
	return &e, nil
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
