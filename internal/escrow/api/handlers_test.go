package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowledger/internal/auth"
	"escrowledger/internal/common/clock"
	"escrowledger/internal/common/money"
	"escrowledger/internal/escrow"
	"escrowledger/internal/escrow/store"
	"escrowledger/internal/wallet"
	walletstore "escrowledger/internal/wallet/store"
)

type noRoles struct{}

func (noRoles) PromoteToMerchant(context.Context, string) error { return nil }

type server struct {
	router  http.Handler
	wallets *wallet.Service
	engine  *wallet.Engine
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))

	ws := walletstore.NewMemory()
	engine := wallet.NewEngine(ws, nil, nil, clk, logger)
	require.NoError(t, engine.EnsureSystemWallets(ctx, money.KES))
	wallets, err := wallet.NewService(ws, engine, nil, nil, wallet.Config{Currency: money.KES, TransferFee: "5.00"}, logger)
	require.NoError(t, err)
	for _, id := range []string{"buyer", "merchant"} {
		_, err := wallets.OpenWallet(ctx, id)
		require.NoError(t, err)
	}

	svc, err := escrow.NewService(escrow.Deps{
		Store:   store.NewMemory(),
		Ledger:  engine,
		Wallets: wallets,
		Roles:   noRoles{},
		Clock:   clk,
		Logger:  logger,
	}, escrow.Config{FeeRate: "0.05"})
	require.NoError(t, err)

	h := NewHandler(svc, logger)
	r := chi.NewRouter()
	r.Mount("/escrow", h.Routes())
	r.Mount("/merchants", h.MerchantRoutes())
	return &server{router: r, wallets: wallets, engine: engine}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (s *server) do(t *testing.T, method, target, body, accountID string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{AccountID: accountID, Role: auth.RoleCustomer}))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type escrowView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	s := newServer(t)

	code, _ := s.do(t, http.MethodPost, "/merchants", `{"business_name":"Fix-It Plumbing"}`, "merchant")
	require.Equal(t, http.StatusCreated, code)

	code, env := s.do(t, http.MethodPost, "/merchants/listings",
		`{"name":"Plumbing repair","price":"1000.00","currency":"KES"}`, "merchant")
	require.Equal(t, http.StatusCreated, code)
	listing := decode[struct {
		ID string `json:"id"`
	}](t, env.Data)

	w, err := s.wallets.WalletFor(context.Background(), "buyer")
	require.NoError(t, err)
	_, err = s.engine.Deposit(context.Background(), w.ID, money.MustParse("1050", money.KES))
	require.NoError(t, err)

	code, env = s.do(t, http.MethodPost, "/escrow", `{"listing_id":"`+listing.ID+`"}`, "buyer")
	require.Equal(t, http.StatusCreated, code)
	e := decode[escrowView](t, env.Data)
	assert.Equal(t, "CREATED", e.Status)

	code, env = s.do(t, http.MethodPost, "/escrow/"+e.ID+"/pay", ``, "buyer")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PAID", decode[escrowView](t, env.Data).Status)

	code, env = s.do(t, http.MethodPost, "/escrow/"+e.ID+"/complete", ``, "buyer")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "INVALID_STATE", env.Error.Code)

	code, _ = s.do(t, http.MethodPost, "/escrow/"+e.ID+"/deliver", ``, "buyer")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, http.MethodPost, "/escrow/"+e.ID+"/deliver", ``, "merchant")
	require.Equal(t, http.StatusOK, code)

	code, env = s.do(t, http.MethodPost, "/escrow/"+e.ID+"/complete", ``, "buyer")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "COMPLETED", decode[escrowView](t, env.Data).Status)

	merchant, err := s.wallets.WalletFor(context.Background(), "merchant")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("1000", money.KES), merchant.BalanceMoney())
}

func TestEscrowRequestValidation(t *testing.T) {
	s := newServer(t)

	code, env := s.do(t, http.MethodPost, "/escrow", `{"listing_id":"not-a-uuid"}`, "buyer")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	code, _ = s.do(t, http.MethodPost, "/escrow/00000000-0000-0000-0000-000000000001/dispute", `{}`, "buyer")
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = s.do(t, http.MethodGet, "/escrow/00000000-0000-0000-0000-000000000001", ``, "buyer")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHistoryIsPaginated(t *testing.T) {
	s := newServer(t)
	code, _ := s.do(t, http.MethodPost, "/merchants", `{"business_name":"Fix-It Plumbing"}`, "merchant")
	require.Equal(t, http.StatusCreated, code)
	_, env := s.do(t, http.MethodPost, "/merchants/listings",
		`{"name":"Plumbing repair","price":"100.00","currency":"KES"}`, "merchant")
	listing := decode[struct {
		ID string `json:"id"`
	}](t, env.Data)

	for i := 0; i < 3; i++ {
		code, _ := s.do(t, http.MethodPost, "/escrow", `{"listing_id":"`+listing.ID+`"}`, "buyer")
		require.Equal(t, http.StatusCreated, code)
	}

	req := httptest.NewRequest(http.MethodGet, "/escrow?limit=2", nil)
	req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{AccountID: "buyer", Role: auth.RoleCustomer}))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Data       []escrowView `json:"data"`
		Pagination struct {
			HasMore bool `json:"has_more"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Data, 2)
	assert.True(t, page.Pagination.HasMore)
}
