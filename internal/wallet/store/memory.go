package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"escrowledger/internal/common/database"
	"escrowledger/internal/common/money"
	"escrowledger/internal/wallet/domain"
)

type ownerKey struct {
	owner    string
	label    domain.Label
	currency money.Currency
}

// Memory is an in-process wallet store. Commits lock the touched wallets in
// id order and either apply every leg or none.
type Memory struct {
	mu      sync.Mutex
	wallets map[string]*domain.Wallet
	byOwner map[ownerKey]string
	entries map[string][]*domain.Entry
	refs    map[string]bool
	locks   map[string]*sync.Mutex
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		wallets: make(map[string]*domain.Wallet),
		byOwner: make(map[ownerKey]string),
		entries: make(map[string][]*domain.Entry),
		refs:    make(map[string]bool),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Memory) CreateWallet(_ context.Context, w *domain.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ownerKey{w.OwnerID, w.Label, w.Currency}
	if _, ok := m.byOwner[key]; ok {
		return fmt.Errorf("wallet for owner %s in %s already exists: %w", w.OwnerID, w.Currency, database.ErrAlreadyExists)
	}
	if _, ok := m.wallets[w.ID]; ok {
		return database.ErrAlreadyExists
	}
	c := *w
	m.wallets[w.ID] = &c
	m.byOwner[key] = w.ID
	m.locks[w.ID] = &sync.Mutex{}
	return nil
}

func (m *Memory) GetWallet(_ context.Context, id string) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	c := *w
	return &c, nil
}

func (m *Memory) GetWalletByOwner(_ context.Context, ownerID string, currency money.Currency) (*domain.Wallet, error) {
	return m.byKey(ownerKey{ownerID, domain.LabelCustomer, currency})
}

func (m *Memory) GetSystemWallet(_ context.Context, label domain.Label, currency money.Currency) (*domain.Wallet, error) {
	return m.byKey(ownerKey{domain.SystemOwnerID, label, currency})
}

func (m *Memory) byKey(key ownerKey) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOwner[key]
	if !ok {
		return nil, database.ErrNotFound
	}
	c := *m.wallets[id]
	return &c, nil
}

func (m *Memory) ListSystemWallets(_ context.Context) ([]*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Wallet
	for _, w := range m.wallets {
		if w.IsSystem() {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

func (m *Memory) ListEntries(_ context.Context, walletID string, limit, offset int) ([]*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.entries[walletID]
	out := make([]*domain.Entry, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		c := *all[i]
		out = append(out, &c)
	}
	return out, nil
}

func (m *Memory) Commit(ctx context.Context, g *domain.Group, hooks ...domain.Hook) error {
	ids := g.WalletIDs()
	sort.Strings(ids)

	m.mu.Lock()
	if m.refs[g.Reference] {
		m.mu.Unlock()
		return fmt.Errorf("group reference %s: %w", g.Reference, database.ErrAlreadyExists)
	}
	locks := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		l, ok := m.locks[id]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("wallet %s: %w", id, database.ErrNotFound)
		}
		locks = append(locks, l)
	}
	m.refs[g.Reference] = true
	m.mu.Unlock()

	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()

	committed := false
	defer func() {
		if !committed {
			m.mu.Lock()
			delete(m.refs, g.Reference)
			m.mu.Unlock()
		}
	}()

	// Work on copies so a rejected group leaves no trace.
	m.mu.Lock()
	working := make(map[string]*domain.Wallet, len(ids))
	for _, id := range ids {
		c := *m.wallets[id]
		working[id] = &c
	}
	m.mu.Unlock()

	if err := applyLegs(g, working); err != nil {
		return err
	}

	for _, hook := range hooks {
		if err := hook(ctx, g); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		w := m.wallets[id]
		w.Balance = working[id].Balance
		w.UpdatedAt = g.CreatedAt
	}
	for _, e := range g.Entries {
		if e.IsExternal() {
			continue
		}
		c := *e
		m.entries[e.WalletID] = append(m.entries[e.WalletID], &c)
	}
	committed = true
	return nil
}

// EntriesFor returns every entry of a wallet in commit order.
func (m *Memory) EntriesFor(walletID string) []*domain.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Entry, len(m.entries[walletID]))
	copy(out, m.entries[walletID])
	return out
}
