package account

import (
	"context"
	"sync"
	"time"

	"escrowledger/internal/auth"
	"escrowledger/internal/common/database"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	byPhone  map[string]string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byPhone:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byPhone[a.Phone]; ok {
		return database.ErrAlreadyExists
	}
	c := *a
	m.accounts[a.ID] = &c
	m.byPhone[a.Phone] = a.ID
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) GetByPhone(ctx context.Context, phone string) (*Account, error) {
	m.mu.Lock()
	id, ok := m.byPhone[phone]
	m.mu.Unlock()
	if !ok {
		return nil, database.ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MemoryStore) update(id string, fn func(a *Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return database.ErrNotFound
	}
	fn(a)
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status, reason string, at time.Time) error {
	return m.update(id, func(a *Account) {
		a.Status = status
		a.StatusReason = reason
		a.UpdatedAt = at
		if status == StatusActive && a.VerifiedAt == nil {
			a.VerifiedAt = &at
		}
	})
}

func (m *MemoryStore) SetRole(_ context.Context, id string, role auth.Role, at time.Time) error {
	return m.update(id, func(a *Account) {
		a.Role = role
		a.UpdatedAt = at
	})
}

func (m *MemoryStore) SetPassword(_ context.Context, id, hash string, at time.Time) error {
	return m.update(id, func(a *Account) {
		a.PasswordHash = hash
		a.FailedLogins = 0
		a.UpdatedAt = at
	})
}

func (m *MemoryStore) RecordLoginFailure(_ context.Context, id string) (int, error) {
	var n int
	err := m.update(id, func(a *Account) {
		a.FailedLogins++
		n = a.FailedLogins
	})
	return n, err
}

func (m *MemoryStore) ResetLoginFailures(_ context.Context, id string) error {
	return m.update(id, func(a *Account) { a.FailedLogins = 0 })
}
