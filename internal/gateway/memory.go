package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"escrowledger/internal/common/database"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]*Payment
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.CheckoutRequestID]; ok {
		return database.ErrAlreadyExists
	}
	c := *p
	m.payments[p.CheckoutRequestID] = &c
	return nil
}

func (m *MemoryStore) GetByCheckoutID(_ context.Context, checkoutRequestID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[checkoutRequestID]
	if !ok {
		return nil, database.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) Resolve(_ context.Context, checkoutRequestID string, r Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[checkoutRequestID]
	if !ok {
		return database.ErrNotFound
	}
	if p.Status != StatusPending {
		return ErrAlreadyResolved
	}
	p.Apply(r)
	return nil
}

func (m *MemoryStore) ListPending(_ context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.Status == StatusPending && p.ReviewFlaggedAt == nil && p.CreatedAt.Before(cutoff) {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordQuery(_ context.Context, checkoutRequestID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[checkoutRequestID]
	if !ok {
		return database.ErrNotFound
	}
	p.QueryAttempts++
	p.UpdatedAt = at
	return nil
}

func (m *MemoryStore) FlagForReview(_ context.Context, checkoutRequestID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[checkoutRequestID]
	if !ok {
		return database.ErrNotFound
	}
	if p.Status != StatusPending || p.ReviewFlaggedAt != nil {
		return ErrAlreadyResolved
	}
	flagged := at
	p.ReviewFlaggedAt = &flagged
	p.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ListFlagged(_ context.Context, limit, offset int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.Status == StatusPending && p.ReviewFlaggedAt != nil {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReviewFlaggedAt.Equal(*out[j].ReviewFlaggedAt) {
			return out[i].ReviewFlaggedAt.Before(*out[j].ReviewFlaggedAt)
		}
		return out[i].ID < out[j].ID
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

func (m *MemoryStore) ListByAccount(_ context.Context, accountID string, limit, offset int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.AccountID == accountID {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
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
