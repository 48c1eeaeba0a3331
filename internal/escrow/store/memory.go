package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"escrowledger/internal/common/database"
	"escrowledger/internal/escrow/domain"
)

// Memory is an in-process escrow store. UpdateEscrow is a compare-and-set on
// status, matching the Postgres store.
type Memory struct {
	mu        sync.RWMutex
	merchants map[string]*domain.Merchant
	listings  map[string]*domain.Listing
	escrows   map[string]*domain.Escrow
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		merchants: make(map[string]*domain.Merchant),
		listings:  make(map[string]*domain.Listing),
		escrows:   make(map[string]*domain.Escrow),
	}
}

func (m *Memory) CreateMerchant(_ context.Context, mc *domain.Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.merchants[mc.AccountID]; ok {
		return fmt.Errorf("merchant %s: %w", mc.AccountID, database.ErrAlreadyExists)
	}
	c := *mc
	m.merchants[mc.AccountID] = &c
	return nil
}

func (m *Memory) GetMerchant(_ context.Context, accountID string) (*domain.Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.merchants[accountID]
	if !ok {
		return nil, database.ErrNotFound
	}
	c := *mc
	return &c, nil
}

func (m *Memory) CreateListing(_ context.Context, l *domain.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[l.ID]; ok {
		return database.ErrAlreadyExists
	}
	c := *l
	m.listings[l.ID] = &c
	return nil
}

func (m *Memory) GetListing(_ context.Context, id string) (*domain.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	c := *l
	return &c, nil
}

func (m *Memory) SetListingActive(_ context.Context, l *domain.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.listings[l.ID]
	if !ok {
		return database.ErrNotFound
	}
	stored.Active = l.Active
	stored.UpdatedAt = l.UpdatedAt
	return nil
}

func (m *Memory) ListListings(_ context.Context, f domain.ListingFilter) ([]*domain.Listing, error) {
	m.mu.RLock()
	var all []*domain.Listing
	for _, l := range m.listings {
		if f.MerchantID != "" && l.MerchantID != f.MerchantID {
			continue
		}
		if f.ActiveOnly && !l.Active {
			continue
		}
		c := *l
		all = append(all, &c)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return page(all, f.Limit, f.Offset), nil
}

func (m *Memory) CreateEscrow(_ context.Context, e *domain.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.ID]; ok {
		return database.ErrAlreadyExists
	}
	c := *e
	m.escrows[e.ID] = &c
	return nil
}

func (m *Memory) GetEscrow(_ context.Context, id string) (*domain.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (m *Memory) GetEscrowByFundingRef(_ context.Context, ref string) (*domain.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.escrows {
		if ref != "" && e.FundingRef == ref {
			c := *e
			return &c, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *Memory) UpdateEscrow(_ context.Context, e *domain.Escrow, from domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.escrows[e.ID]
	if !ok {
		return database.ErrNotFound
	}
	if stored.Status != from {
		return fmt.Errorf("escrow %s no longer %s: %w", e.ID, from, database.ErrConflict)
	}
	c := *e
	m.escrows[e.ID] = &c
	return nil
}

func (m *Memory) ListEscrows(_ context.Context, scope domain.Scope, limit, offset int) ([]*domain.Escrow, error) {
	m.mu.RLock()
	var all []*domain.Escrow
	for _, e := range m.escrows {
		if scope.Allows(e) {
			c := *e
			all = append(all, &c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return page(all, limit, offset), nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}
