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
	"escrowledger/internal/gateway"
	"escrowledger/internal/gateway/mpesa"
	"escrowledger/internal/wallet"
	walletdomain "escrowledger/internal/wallet/domain"
	walletstore "escrowledger/internal/wallet/store"
)

type stubPusher struct{}

func (stubPusher) STKPush(context.Context, mpesa.PushRequest) (*mpesa.PushResponse, error) {
	return &mpesa.PushResponse{CheckoutRequestID: "ws_CO_0001", ResponseCode: "0"}, nil
}

func (stubPusher) QueryStatus(context.Context, string) (*mpesa.QueryResponse, error) {
	return nil, &mpesa.APIError{StatusCode: 500, ErrorCode: "500.001.1001"}
}

// ctxLedger refuses to post on a cancelled context, like a database would.
type ctxLedger struct {
	gateway.Ledger
}

func (l ctxLedger) Deposit(ctx context.Context, walletID string, amount money.Money, opts ...wallet.Option) (*walletdomain.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.Ledger.Deposit(ctx, walletID, amount, opts...)
}

func newHandler(t *testing.T, token string) (*Handler, *wallet.Service) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))

	ws := walletstore.NewMemory()
	engine := wallet.NewEngine(ws, nil, nil, clk, logger)
	require.NoError(t, engine.EnsureSystemWallets(ctx, money.KES))
	wallets, err := wallet.NewService(ws, engine, nil, nil, wallet.Config{Currency: money.KES, TransferFee: "5.00"}, logger)
	require.NoError(t, err)
	_, err = wallets.OpenWallet(ctx, "alice")
	require.NoError(t, err)

	svc := gateway.NewService(gateway.Deps{
		Pusher:  stubPusher{},
		Store:   gateway.NewMemoryStore(),
		Wallets: wallets,
		Ledger:  ctxLedger{engine},
		Clock:   clk,
		Logger:  logger,
	}, gateway.Config{})
	return NewHandler(svc, money.KES, token, logger), wallets
}

func post(h http.HandlerFunc, target, body string, actor *auth.Actor) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

const successBody = `{"Body":{"stkCallback":{"MerchantRequestID":"1","CheckoutRequestID":"ws_CO_0001","ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"Amount","Value":750},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"}]}}}}`

func TestTopUpThenCallbackCredits(t *testing.T) {
	h, wallets := newHandler(t, "")
	alice := &auth.Actor{AccountID: "alice", Role: auth.RoleCustomer}

	rec := post(h.TopUp, "/wallet/topup", `{"phone":"0712345678","amount":"750"}`, alice)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	for i := 0; i < 2; i++ {
		rec = post(h.Callback, "/mpesa/callback", successBody, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var ack mpesa.Ack
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
		assert.Equal(t, 0, ack.ResultCode)
	}

	w, err := wallets.WalletFor(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("750", money.KES), w.BalanceMoney())
}

func TestCallbackAlwaysAcknowledged(t *testing.T) {
	h, _ := newHandler(t, "")

	for _, body := range []string{successBody, `not json`, `{}`} {
		rec := post(h.Callback, "/mpesa/callback", body, nil)
		assert.Equal(t, http.StatusOK, rec.Code, body)
	}
}

func TestCallbackToken(t *testing.T) {
	h, _ := newHandler(t, "s3cret")

	rec := post(h.Callback, "/mpesa/callback?token=wrong", successBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(h.Callback, "/mpesa/callback?token=s3cret", successBody, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTopUpValidation(t *testing.T) {
	h, _ := newHandler(t, "")
	alice := &auth.Actor{AccountID: "alice", Role: auth.RoleCustomer}

	rec := post(h.TopUp, "/wallet/topup", `{"phone":"12345","amount":"750"}`, alice)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = post(h.TopUp, "/wallet/topup", `{"phone":"0712345678","amount":"10.5"}`, alice)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCallbackOutlivesCancelledRequest(t *testing.T) {
	h, wallets := newHandler(t, "")
	alice := &auth.Actor{AccountID: "alice", Role: auth.RoleCustomer}
	rec := post(h.TopUp, "/wallet/topup", `{"phone":"0712345678","amount":"750"}`, alice)
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/mpesa/callback", strings.NewReader(successBody)).WithContext(ctx)
	rec = httptest.NewRecorder()
	h.Callback(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	w, err := wallets.WalletFor(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("750", money.KES), w.BalanceMoney())
}

func TestReviewQueueAndRequery(t *testing.T) {
	h, _ := newHandler(t, "")
	admin := auth.Actor{AccountID: "ops", Role: auth.RoleAdmin}
	rec := post(h.TopUp, "/wallet/topup", `{"phone":"0712345678","amount":"750"}`, &auth.Actor{AccountID: "alice", Role: auth.RoleCustomer})
	require.Equal(t, http.StatusAccepted, rec.Code)

	r := chi.NewRouter()
	r.Mount("/admin/payments", h.AdminRoutes())
	serve := func(method, target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		req = req.WithContext(auth.WithActor(req.Context(), admin))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec = serve(http.MethodGet, "/admin/payments/review")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Data []gateway.Payment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Empty(t, page.Data)

	// The stub gateway is still processing, so there is nothing final to apply.
	rec = serve(http.MethodPost, "/admin/payments/ws_CO_0001/requery")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = serve(http.MethodPost, "/admin/payments/ws_CO_missing/requery")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
