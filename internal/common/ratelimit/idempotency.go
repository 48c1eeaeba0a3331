package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Response is a completed response kept for replay.
type Response struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// slot is what a key holds: a reservation while the first request runs, then
// its response.
type slot struct {
	Pending  bool      `json:"pending,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// RedisResponseStore keeps replayable responses for the idempotency
// middleware. Keys are reserved with SET NX so one request per key runs.
type RedisResponseStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisResponseStore(client redis.UniversalClient, prefix string) *RedisResponseStore {
	return &RedisResponseStore{client: client, prefix: prefix + ":idempotency:"}
}

var pendingSlot, _ = json.Marshal(slot{Pending: true})

// Reserve claims key for hold. It returns the stored response when the key
// already completed, and reserved=false without a response while another
// request holds it.
func (s *RedisResponseStore) Reserve(ctx context.Context, key string, hold time.Duration) (*Response, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, s.prefix+key, pendingSlot, hold).Result()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return nil, true, nil
		}

		b, err := s.client.Get(ctx, s.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			// Released or expired between the two calls.
			continue
		}
		if err != nil {
			return nil, false, err
		}
		var sl slot
		if err := json.Unmarshal(b, &sl); err != nil {
			return nil, false, fmt.Errorf("decoding idempotency slot: %w", err)
		}
		return sl.Response, false, nil
	}
	return nil, false, nil
}

func (s *RedisResponseStore) Complete(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	b, err := json.Marshal(slot{Response: &resp})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, b, ttl).Err()
}

func (s *RedisResponseStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// MemoryResponseStore is the single-process response store.
type MemoryResponseStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	slot      slot
	expiresAt time.Time
}

func NewMemoryResponseStore() *MemoryResponseStore {
	return &MemoryResponseStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryResponseStore) Reserve(_ context.Context, key string, hold time.Duration) (*Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return e.slot.Response, false, nil
	}
	s.entries[key] = memoryEntry{slot: slot{Pending: true}, expiresAt: now.Add(hold)}
	return nil, true, nil
}

func (s *MemoryResponseStore) Complete(_ context.Context, key string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp.Body = append([]byte(nil), resp.Body...)
	s.entries[key] = memoryEntry{slot: slot{Response: &resp}, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryResponseStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
