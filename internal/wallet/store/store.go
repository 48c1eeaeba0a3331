package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowledger/internal/common/database"
	"escrowledger/internal/common/money"
	"escrowledger/internal/wallet/domain"
)

// Store provides wallet and ledger data access on Postgres
type Store struct {
	db *database.DB
}

// New creates a new wallet store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const walletColumns = `id, owner_id, label, currency, balance, created_at, updated_at`

// CreateWallet creates a new wallet
func (s *Store) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	query := `
		INSERT INTO wallets (id, owner_id, label, currency, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.Conn(ctx).Exec(ctx, query,
		w.ID,
		w.OwnerID,
		w.Label,
		w.Currency,
		w.Balance,
		w.CreatedAt,
		w.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("wallet for owner %s in %s already exists: %w", w.OwnerID, w.Currency, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating wallet: %w", err)
	}
	return nil
}

// GetWallet retrieves a wallet by ID
func (s *Store) GetWallet(ctx context.Context, id string) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`
	return scanWallet(s.db.Conn(ctx).QueryRow(ctx, query, id))
}

// GetWalletByOwner retrieves an owner's customer wallet in a currency
func (s *Store) GetWalletByOwner(ctx context.Context, ownerID string, currency money.Currency) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE owner_id = $1 AND currency = $2 AND label = ''`
	return scanWallet(s.db.Conn(ctx).QueryRow(ctx, query, ownerID, currency))
}

// GetSystemWallet retrieves the platform wallet with a label
func (s *Store) GetSystemWallet(ctx context.Context, label domain.Label, currency money.Currency) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE owner_id = $1 AND label = $2 AND currency = $3`
	return scanWallet(s.db.Conn(ctx).QueryRow(ctx, query, domain.SystemOwnerID, label, currency))
}

// ListSystemWallets lists every platform wallet
func (s *Store) ListSystemWallets(ctx context.Context) ([]*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE label <> '' ORDER BY label, currency`

	rows, err := s.db.Conn(ctx).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing system wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*domain.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// ListEntries returns a wallet's entries, newest first
func (s *Store) ListEntries(ctx context.Context, walletID string, limit, offset int) ([]*domain.Entry, error) {
	query := `
		SELECT e.id, e.group_id, e.wallet_id, e.counterparty, e.amount, g.currency, e.kind,
			   e.reference, e.description, e.balance_after, e.sequence, e.created_at
		FROM ledger_entries e
		JOIN transaction_groups g ON g.id = e.group_id
		WHERE e.wallet_id = $1
		ORDER BY e.position DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Conn(ctx).Query(ctx, query, walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.Entry
	for rows.Next() {
		var (
			e            domain.Entry
			walletID     *string
			counterparty *string
			currency     string
		)
		if err := rows.Scan(
			&e.ID, &e.GroupID, &walletID, &counterparty, &e.Amount.AmountMinor, &currency, &e.Kind,
			&e.Reference, &e.Description, &e.BalanceAfter, &e.Sequence, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		e.Amount.Currency = money.Currency(currency)
		if walletID != nil {
			e.WalletID = *walletID
		}
		if counterparty != nil {
			e.Counterparty = *counterparty
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Commit writes a group atomically. Touched wallets are locked in id order,
// balances are checked leg by leg, hooks run inside the same transaction and
// then the group, its entries and the new balances are written.
func (s *Store) Commit(ctx context.Context, g *domain.Group, hooks ...domain.Hook) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		q := s.db.Conn(ctx)

		ids := g.WalletIDs()
		sort.Strings(ids)

		wallets, err := s.lockWallets(ctx, q, ids)
		if err != nil {
			return err
		}

		if err := applyLegs(g, wallets); err != nil {
			return err
		}

		for _, hook := range hooks {
			if err := hook(ctx, g); err != nil {
				return err
			}
		}

		_, err = q.Exec(ctx, `
			INSERT INTO transaction_groups (id, reference, kind, description, currency, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, g.ID, g.Reference, g.Kind, g.Description, g.Currency, g.CreatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("group reference %s: %w", g.Reference, database.ErrAlreadyExists)
			}
			return fmt.Errorf("inserting group: %w", err)
		}

		for _, e := range g.Entries {
			_, err := q.Exec(ctx, `
				INSERT INTO ledger_entries (
					id, group_id, wallet_id, counterparty, amount, kind, reference,
					description, balance_after, sequence, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`,
				e.ID, e.GroupID, nullable(e.WalletID), nullable(e.Counterparty), e.Amount.AmountMinor, e.Kind,
				e.Reference, e.Description, e.BalanceAfter, e.Sequence, e.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("inserting entry: %w", err)
			}
		}

		for _, id := range ids {
			w := wallets[id]
			_, err := q.Exec(ctx, `UPDATE wallets SET balance = $2, updated_at = $3 WHERE id = $1`,
				w.ID, w.Balance, g.CreatedAt)
			if err != nil {
				if database.IsCheckViolation(err) {
					return fmt.Errorf("wallet %s: %w", w.ID, domain.ErrInsufficientFunds)
				}
				return fmt.Errorf("updating wallet balance: %w", err)
			}
		}

		return nil
	})
}

func (s *Store) lockWallets(ctx context.Context, q database.Querier, ids []string) (map[string]*domain.Wallet, error) {
	wallets := make(map[string]*domain.Wallet, len(ids))
	if len(ids) == 0 {
		return wallets, nil
	}

	rows, err := q.Query(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE id = ANY($1::uuid[])
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("locking wallets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets[w.ID] = w
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("locking wallets: %w", err)
	}

	if len(wallets) != len(ids) {
		return nil, fmt.Errorf("wallet: %w", database.ErrNotFound)
	}
	return wallets, nil
}

// applyLegs moves each wallet's balance leg by leg, recording balance_after.
// Shared by the Postgres and in-memory stores.
func applyLegs(g *domain.Group, wallets map[string]*domain.Wallet) error {
	for _, e := range g.Entries {
		if e.IsExternal() {
			continue
		}
		w, ok := wallets[e.WalletID]
		if !ok {
			return fmt.Errorf("wallet %s: %w", e.WalletID, database.ErrNotFound)
		}
		if w.Currency != e.Amount.Currency {
			return domain.ErrWalletMismatch
		}
		next := w.Balance + e.Amount.AmountMinor
		if next < 0 {
			return fmt.Errorf("wallet %s: %w", w.ID, domain.ErrInsufficientFunds)
		}
		w.Balance = next
		after := next
		e.BalanceAfter = &after
		e.OwnerID = w.OwnerID
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var (
		w        domain.Wallet
		label    string
		currency string
		created  time.Time
		updated  time.Time
	)
	err := row.Scan(&w.ID, &w.OwnerID, &label, &currency, &w.Balance, &created, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning wallet: %w", err)
	}
	w.Label = domain.Label(label)
	w.Currency = money.Currency(currency)
	w.CreatedAt = created
	w.UpdatedAt = updated
	return &w, nil
}
