package otp

import (
	"context"
	"sync"

	"escrowledger/internal/common/database"
)

// MemoryStore is an in-process Store. Codes are kept in issue order.
type MemoryStore struct {
	mu    sync.Mutex
	codes []*Code
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(_ context.Context, c *Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.codes = append(m.codes, &cp)
	return nil
}

func (m *MemoryStore) LatestActive(_ context.Context, ownerID string, purpose Purpose) (*Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.codes) - 1; i >= 0; i-- {
		c := m.codes[i]
		if c.OwnerID == ownerID && c.Purpose == purpose && !c.Used {
			cp := *c
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *MemoryStore) RecordFailure(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.ID == id {
			c.Attempts++
			return nil
		}
	}
	return database.ErrNotFound
}

func (m *MemoryStore) FailedAttempts(_ context.Context, ownerID string, purpose Purpose) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.codes {
		if c.OwnerID == ownerID && c.Purpose == purpose && !c.Used {
			n += c.Attempts
		}
	}
	return n, nil
}

func (m *MemoryStore) Consume(_ context.Context, claimed *Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var target *Code
	for _, c := range m.codes {
		if c.ID == claimed.ID {
			target = c
		}
	}
	if target == nil {
		return database.ErrNotFound
	}
	if target.Used {
		return ErrUsed
	}
	for _, c := range m.codes {
		if c.OwnerID == target.OwnerID && c.Purpose == target.Purpose {
			c.Used = true
		}
	}
	return nil
}
