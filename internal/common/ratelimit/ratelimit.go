package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis configuration. An empty URL selects the in-memory limiter.
type Config struct {
	RedisURL string `envconfig:"REDIS_URL"`
	Prefix   string `envconfig:"REDIS_PREFIX" default:"escrowledger"`
}

// NewClient parses the Redis URL and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// Limiter counts events per scope and subject inside a fixed window.
type Limiter interface {
	// Consume records one event and returns the count inside the current
	// window and the seconds until it resets.
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfter int, err error)
}

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLimiter implements a distributed fixed-window limiter.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "escrowledger"
	}
	return &RedisLimiter{client: client, prefix: p + ":rate_limit"}
}

func (r *RedisLimiter) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if limit <= 0 || window <= 0 || scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	return int(count), retryAfter(ttlMs), nil
}

func retryAfter(ttlMs int64) int {
	s := int(math.Ceil(float64(ttlMs) / 1000.0))
	if s < 1 {
		s = 1
	}
	return s
}

// MemoryLimiter is a single-process Limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{now: now, windows: make(map[string]*window)}
}

func (m *MemoryLimiter) Consume(_ context.Context, scope, subject string, limit int, d time.Duration) (int, int, error) {
	if limit <= 0 || d <= 0 || scope == "" || subject == "" {
		return 0, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := scope + ":" + subject
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		m.windows[key] = w
	}
	w.count++
	return w.count, retryAfter(w.resetAt.Sub(now).Milliseconds()), nil
}

// Rule adapts a Limiter with a fixed budget to the HTTP middleware.
type Rule struct {
	Limiter Limiter
	Scope   string
	Limit   int
	Window  time.Duration
}

func (r Rule) Allow(ctx context.Context, key string) (bool, error) {
	count, _, err := r.Limiter.Consume(ctx, r.Scope, key, r.Limit, r.Window)
	if err != nil {
		return false, err
	}
	return count <= r.Limit, nil
}
