package mpesa

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache holds the current Daraja access token. Token returns "" on a
// miss.
type TokenCache interface {
	Token(ctx context.Context) (string, error)
	StoreToken(ctx context.Context, token string, ttl time.Duration) error
	Forget(ctx context.Context) error
}

// MemoryTokenCache caches the token in process
type MemoryTokenCache struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewMemoryTokenCache creates an empty cache. A nil now uses time.Now.
func NewMemoryTokenCache(now func() time.Time) *MemoryTokenCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryTokenCache{now: now}
}

func (m *MemoryTokenCache) Token(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" || !m.now().Before(m.expires) {
		return "", nil
	}
	return m.token, nil
}

func (m *MemoryTokenCache) StoreToken(_ context.Context, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.expires = m.now().Add(ttl)
	return nil
}

func (m *MemoryTokenCache) Forget(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}

// RedisTokenCache shares one token across every replica so that scaling out
// does not multiply OAuth calls.
type RedisTokenCache struct {
	client redis.UniversalClient
	key    string
}

// NewRedisTokenCache creates a cache under prefix
func NewRedisTokenCache(client redis.UniversalClient, prefix string) *RedisTokenCache {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	key := "mpesa:token"
	if p != "" {
		key = p + ":" + key
	}
	return &RedisTokenCache{client: client, key: key}
}

func (r *RedisTokenCache) Token(ctx context.Context) (string, error) {
	tok, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return tok, err
}

func (r *RedisTokenCache) StoreToken(ctx context.Context, token string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key, token, ttl).Err()
}

func (r *RedisTokenCache) Forget(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}
