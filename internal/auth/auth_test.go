package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTokens() *Tokens {
	return NewTokens(Config{Secret: "test-secret", Issuer: "escrowledger", TTL: time.Hour})
}

func TestIssueAndParse(t *testing.T) {
	tokens := testTokens()

	signed, exp, err := tokens.Issue(Actor{AccountID: "acct-1", Role: RoleMerchant})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	actor, err := tokens.ParseActor(signed)
	require.NoError(t, err)
	assert.Equal(t, Actor{AccountID: "acct-1", Role: RoleMerchant}, actor)
}

func TestParseRejectsBadTokens(t *testing.T) {
	tokens := testTokens()

	other := NewTokens(Config{Secret: "other-secret", Issuer: "escrowledger", TTL: time.Hour})
	signed, _, err := other.Issue(Actor{AccountID: "acct-1", Role: RoleCustomer})
	require.NoError(t, err)
	_, err = tokens.ParseActor(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        "acct-1",
		"actor_type": "customer",
		"iss":        "escrowledger",
		"exp":        time.Now().Add(-time.Hour).Unix(),
	})
	s, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = tokens.ParseActor(s)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noRole := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "acct-1",
		"iss": "escrowledger",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err = noRole.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = tokens.ParseActor(s)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	tokens := testTokens()
	signed, _, err := tokens.Issue(Actor{AccountID: "acct-1", Role: RoleCustomer})
	require.NoError(t, err)

	var seen Actor
	h := Middleware(tokens, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/wallet", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/wallet", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "acct-1", seen.AccountID)
}

func TestMiddlewareRejectsInactiveAccount(t *testing.T) {
	tokens := testTokens()
	signed, _, err := tokens.Issue(Actor{AccountID: "acct-1", Role: RoleCustomer})
	require.NoError(t, err)

	check := func(ctx context.Context, id string) error { return errors.New("locked") }
	h := Middleware(tokens, check)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/wallet", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req = req.WithContext(WithActor(req.Context(), Actor{AccountID: "a", Role: RoleCustomer}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req = req.WithContext(WithActor(req.Context(), Actor{AccountID: "a", Role: RoleAdmin}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
