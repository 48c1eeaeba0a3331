package receipt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"

	"escrowledger/internal/common/database"
	"escrowledger/internal/common/money"
)

// Store persists receipts
type Store interface {
	// Save inserts r and reports whether it was new.
	Save(ctx context.Context, r *Receipt) (bool, error)
	Get(ctx context.Context, reference string) (*Receipt, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Receipt, error)
}

// PostgresStore implements Store on Postgres
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new receipt store
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `reference, group_id, group_reference, kind, owner_id, wallet_id, amount_minor, currency,
	counterparty, description, created_at`

func (s *PostgresStore) Save(ctx context.Context, r *Receipt) (bool, error) {
	tag, err := s.db.Conn(ctx).Exec(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (reference) DO NOTHING
	`, r.Reference, r.GroupID, r.GroupReference, r.Kind, r.OwnerID, r.WalletID,
		r.Amount.AmountMinor, r.Amount.Currency, r.Counterparty, r.Description, r.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("inserting receipt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, reference string) (*Receipt, error) {
	return scanReceipt(s.db.Conn(ctx).QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE reference = $1`, reference))
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Receipt, error) {
	rows, err := s.db.Conn(ctx).Query(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE owner_id = $1
		ORDER BY created_at DESC, reference DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	defer rows.Close()

	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var (
		r        Receipt
		currency string
	)
	err := row.Scan(&r.Reference, &r.GroupID, &r.GroupReference, &r.Kind, &r.OwnerID, &r.WalletID,
		&r.Amount.AmountMinor, &currency, &r.Counterparty, &r.Description, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}
	r.Amount.Currency = money.Currency(currency)
	return &r, nil
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu       sync.Mutex
	receipts map[string]*Receipt
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{receipts: make(map[string]*Receipt)}
}

func (m *MemoryStore) Save(_ context.Context, r *Receipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.Reference]; ok {
		return false, nil
	}
	c := *r
	m.receipts[r.Reference] = &c
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, reference string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[reference]
	if !ok {
		return nil, database.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Receipt
	for _, r := range m.receipts {
		if r.OwnerID == ownerID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Reference > out[j].Reference
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
