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
	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/clock"
	"escrowledger/internal/common/money"
	"escrowledger/internal/wallet"
	walletstore "escrowledger/internal/wallet/store"
)

type phoneBook map[string]string

func (p phoneBook) AccountIDByPhone(_ context.Context, phone string) (string, error) {
	if id, ok := p[phone]; ok {
		return id, nil
	}
	return "", apperr.New(apperr.NotFound, "directory", "no account with that phone number")
}

type result struct {
	Code int             `json:"-"`
	Data json.RawMessage `json:"data"`
	Err  *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func newRouter(t *testing.T) (http.Handler, *wallet.Service) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ws := walletstore.NewMemory()
	engine := wallet.NewEngine(ws, nil, nil, clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)), logger)
	require.NoError(t, engine.EnsureSystemWallets(ctx, money.KES))
	svc, err := wallet.NewService(ws, engine, phoneBook{"254722000111": "bob"}, nil,
		wallet.Config{Currency: money.KES, TransferFee: "5.00"}, logger)
	require.NoError(t, err)

	for _, id := range []string{"alice", "bob"} {
		_, err := svc.OpenWallet(ctx, id)
		require.NoError(t, err)
	}
	alice, err := svc.WalletFor(ctx, "alice")
	require.NoError(t, err)
	_, err = engine.Deposit(ctx, alice.ID, money.MustParse("100", money.KES))
	require.NoError(t, err)

	h := NewHandler(svc, nil, logger)
	r := chi.NewRouter()
	r.Mount("/wallet", h.Routes())
	r.Mount("/admin/wallets", h.AdminRoutes())
	return r, svc
}

func call(t *testing.T, h http.Handler, method, target, body string) result {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{AccountID: "alice", Role: auth.RoleCustomer}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	res := result{Code: rec.Code}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	return res
}

func TestGetWallet(t *testing.T) {
	h, _ := newRouter(t)

	res := call(t, h, http.MethodGet, "/wallet", "")
	require.Equal(t, http.StatusOK, res.Code)

	var view struct {
		OwnerID string `json:"owner_id"`
		Balance struct {
			Amount string `json:"amount"`
		} `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &view))
	assert.Equal(t, "alice", view.OwnerID)
	assert.Equal(t, "100.00", view.Balance.Amount)
}

func TestSendMoneyOverHTTP(t *testing.T) {
	h, svc := newRouter(t)

	res := call(t, h, http.MethodPost, "/wallet/transfer", `{"phone":"0722 000 111","amount":"40"}`)
	require.Equal(t, http.StatusCreated, res.Code)

	var tx TransactionResponse
	require.NoError(t, json.Unmarshal(res.Data, &tx))
	assert.True(t, strings.HasPrefix(tx.Reference, "TX"), tx.Reference)
	assert.Len(t, tx.Entries, 2) // principal and fee

	alice, err := svc.WalletFor(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("55", money.KES), alice.BalanceMoney())

	res = call(t, h, http.MethodPost, "/wallet/transfer", `{"phone":"0722000111","amount":"60"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", res.Err.Code)
}

func TestSendMoneyValidation(t *testing.T) {
	h, _ := newRouter(t)

	res := call(t, h, http.MethodPost, "/wallet/transfer", `{"phone":"12345","amount":"10"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Equal(t, "VALIDATION_ERROR", res.Err.Code)

	res = call(t, h, http.MethodPost, "/wallet/transfer", `{"phone":"0733999888","amount":"10"}`)
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = call(t, h, http.MethodPost, "/wallet/airtime", `{"phone":"0722000111","amount":"1.005"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
}

func TestStatementAndSystemWallets(t *testing.T) {
	h, _ := newRouter(t)

	res := call(t, h, http.MethodPost, "/wallet/airtime", `{"phone":"0722000111","amount":"20"}`)
	require.Equal(t, http.StatusCreated, res.Code)

	res = call(t, h, http.MethodGet, "/wallet/statement?limit=1", "")
	require.Equal(t, http.StatusOK, res.Code)
	var entries []json.RawMessage
	require.NoError(t, json.Unmarshal(res.Data, &entries))
	assert.Len(t, entries, 1)

	res = call(t, h, http.MethodGet, "/admin/wallets", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.NoError(t, json.Unmarshal(res.Data, &entries))
	assert.Len(t, entries, 2)
}
