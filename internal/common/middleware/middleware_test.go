package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowledger/internal/common/ratelimit"
)

type countingLimiter struct {
	limit int
	seen  map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.seen[key]++
	return l.seen[key] <= l.limit, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIdempotencyReplaysSuccessfulResponse(t *testing.T) {
	calls := 0
	h := Idempotency(ratelimit.NewMemoryResponseStore(), time.Hour, discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":"done"}`))
	}))

	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/wallet/transfer", nil)
		req.Header.Set("Idempotency-Key", key)
		req = req.WithContext(WithUserID(req.Context(), "alice"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := send("k1")
	assert.Equal(t, http.StatusCreated, first.Code)

	replay := send("k1")
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, `{"data":"done"}`, replay.Body.String())
	assert.Equal(t, 1, calls)

	send("k2")
	assert.Equal(t, 2, calls)
}

func TestIdempotencyIgnoresReadsAndFailures(t *testing.T) {
	calls := 0
	status := http.StatusUnprocessableEntity
	h := Idempotency(ratelimit.NewMemoryResponseStore(), time.Hour, discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
	}))

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPost} {
		req := httptest.NewRequest(method, "/wallet/transfer", nil)
		req.Header.Set("Idempotency-Key", "k1")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 3, calls)
}

func TestIdempotencyRejectsConcurrentDuplicate(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	var mu sync.Mutex
	h := Idempotency(ratelimit.NewMemoryResponseStore(), time.Hour, discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"data":"queued"}`))
	}))

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/wallet/topup", nil)
		req.Header.Set("Idempotency-Key", "k1")
		return req.WithContext(WithUserID(req.Context(), "alice"))
	}

	first := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(first, newReq())
	}()
	<-entered

	second := httptest.NewRecorder()
	h.ServeHTTP(second, newReq())
	assert.Equal(t, http.StatusConflict, second.Code)

	close(release)
	<-done
	assert.Equal(t, http.StatusAccepted, first.Code)

	third := httptest.NewRecorder()
	h.ServeHTTP(third, newReq())
	assert.Equal(t, http.StatusAccepted, third.Code)
	assert.Equal(t, `{"data":"queued"}`, third.Body.String())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), calls)
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{limit: 2, seen: map[string]int{}}
	h := RateLimit(lim, func(r *http.Request) string { return r.RemoteAddr })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "10.0.0.1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRecovererAndCorrelation(t *testing.T) {
	var seen string
	h := CorrelationID(Recoverer(discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { h.ServeHTTP(rec, req) })

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))
}
