package mpesa

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type daraja struct {
	tokenCalls atomic.Int32
	mu         sync.Mutex
	pushes     []stkPushBody
	queryCode  int
	queryBody  string
}

func (d *daraja) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		d.tokenCalls.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		var body stkPushBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		d.mu.Lock()
		d.pushes = append(d.pushes, body)
		d.mu.Unlock()
		_, _ = w.Write([]byte(`{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`))
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		if d.queryCode != 0 {
			w.WriteHeader(d.queryCode)
		}
		_, _ = w.Write([]byte(d.queryBody))
	})
	return mux
}

func newClient(t *testing.T, d *daraja) *Client {
	t.Helper()
	srv := httptest.NewServer(d.handler(t))
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:         srv.URL,
		ConsumerKey:     "key",
		ConsumerSecret:  "secret",
		ShortCode:       "174379",
		PassKey:         "passkey",
		TransactionType: "CustomerPayBillOnline",
		CallbackURL:     "https://example.com/api/v1/mpesa/callback",
		Timeout:         5 * time.Second,
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }
	return c
}

func TestTimestampAndPassword(t *testing.T) {
	ts := Timestamp(time.Date(2024, 5, 1, 22, 15, 4, 0, time.UTC))
	assert.Equal(t, "20240502011504", ts)
	assert.Equal(t, "MTc0Mzc5cGFzc2tleTIwMjQwNTAyMDExNTA0", Password("174379", "passkey", ts))
}

func TestSTKPush(t *testing.T) {
	d := &daraja{}
	c := newClient(t, d)

	resp, err := c.STKPush(context.Background(), PushRequest{
		Phone:            "0712345678",
		Amount:           1061,
		AccountReference: "ESCROW-PAYMENT-123",
		Description:      "Escrow payment",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", resp.CheckoutRequestID)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.pushes, 1)
	p := d.pushes[0]
	assert.Equal(t, "1061", p.Amount)
	assert.Equal(t, "254712345678", p.PhoneNumber)
	assert.Equal(t, "254712345678", p.PartyA)
	assert.Equal(t, "174379", p.PartyB)
	assert.Equal(t, "20240501123000", p.Timestamp)
	assert.Equal(t, Password("174379", "passkey", "20240501123000"), p.Password)
	assert.Equal(t, "ESCROW-PAYME", p.AccountReference)
}

func TestTokenIsCached(t *testing.T) {
	d := &daraja{}
	c := newClient(t, d)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.STKPush(ctx, PushRequest{Phone: "254712345678", Amount: 10})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), d.tokenCalls.Load())
}

func TestSTKPushRejectsBadInput(t *testing.T) {
	c := newClient(t, &daraja{})

	_, err := c.STKPush(context.Background(), PushRequest{Phone: "12345", Amount: 10})
	assert.Error(t, err)

	_, err = c.STKPush(context.Background(), PushRequest{Phone: "0712345678", Amount: 0})
	assert.Error(t, err)
}

func TestQueryStatus(t *testing.T) {
	d := &daraja{queryBody: `{"ResponseCode":"0","ResponseDescription":"The service request has been accepted successsfully","MerchantRequestID":"1","CheckoutRequestID":"ws_CO_1","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`}
	c := newClient(t, d)

	q, err := c.QueryStatus(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	code, ok := q.Result()
	require.True(t, ok)
	assert.Equal(t, 1032, code)
}

func TestQueryStatusStillProcessing(t *testing.T) {
	d := &daraja{
		queryCode: http.StatusInternalServerError,
		queryBody: `{"requestId":"1","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`,
	}
	c := newClient(t, d)

	_, err := c.QueryStatus(context.Background(), "ws_CO_1")
	require.Error(t, err)
	assert.True(t, IsProcessing(err))
}

func TestGatewayErrorsSurface(t *testing.T) {
	d := &daraja{queryCode: http.StatusBadGateway, queryBody: "upstream down"}
	c := newClient(t, d)

	_, err := c.QueryStatus(context.Background(), "ws_CO_1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.False(t, IsProcessing(err))
}

func TestCallbackValues(t *testing.T) {
	raw := `{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":1061.00},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"Balance"},{"Name":"TransactionDate","Value":20191219102115},{"Name":"PhoneNumber","Value":254708374149}]}}}}`

	var cb Callback
	require.NoError(t, json.Unmarshal([]byte(raw), &cb))
	s := cb.Body.StkCallback

	assert.True(t, s.Succeeded())
	assert.Equal(t, "NLJ7RT61SV", s.Receipt())
	phone, ok := s.Value("PhoneNumber")
	require.True(t, ok)
	assert.Equal(t, "254708374149", phone)
	_, ok = s.Value("Balance")
	assert.False(t, ok)
}

func TestFailedCallbackHasNoReceipt(t *testing.T) {
	raw := `{"Body":{"stkCallback":{"MerchantRequestID":"1","CheckoutRequestID":"ws_CO_2","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`

	var cb Callback
	require.NoError(t, json.Unmarshal([]byte(raw), &cb))
	assert.False(t, cb.Body.StkCallback.Succeeded())
	assert.Empty(t, cb.Body.StkCallback.Receipt())
}

func TestMemoryTokenCacheExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	cache := NewMemoryTokenCache(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, cache.StoreToken(ctx, "tok", time.Minute))
	tok, err := cache.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	now = now.Add(time.Minute)
	tok, err = cache.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)
}
