// Package mpesa is a client for the Safaricom Daraja STK push API.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"escrowledger/internal/common/phone"
)

// Config holds Daraja configuration
type Config struct {
	BaseURL         string        `envconfig:"MPESA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	ConsumerKey     string        `envconfig:"MPESA_CONSUMER_KEY"`
	ConsumerSecret  string        `envconfig:"MPESA_CONSUMER_SECRET"`
	ShortCode       string        `envconfig:"MPESA_SHORTCODE" default:"174379"`
	PassKey         string        `envconfig:"MPESA_PASSKEY"`
	TransactionType string        `envconfig:"MPESA_TRANSACTION_TYPE" default:"CustomerPayBillOnline"`
	CallbackURL     string        `envconfig:"MPESA_CALLBACK_URL"`
	CallbackToken   string        `envconfig:"MPESA_CALLBACK_TOKEN"`
	Timeout         time.Duration `envconfig:"MPESA_TIMEOUT" default:"30s"`
}

// Enabled reports whether credentials are configured
func (c Config) Enabled() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.PassKey != ""
}

// Daraja reports "still processing" on a status query with this code.
const processingErrorCode = "500.001.1001"

// EAT is the timezone Daraja expects timestamps in.
var EAT = time.FixedZone("EAT", 3*60*60)

// APIError is a non-2xx response or a rejected request.
type APIError struct {
	StatusCode   int    `json:"-"`
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mpesa: status=%d code=%s: %s", e.StatusCode, e.ErrorCode, e.ErrorMessage)
}

// IsProcessing reports whether err says the push has not finished yet.
func IsProcessing(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == processingErrorCode
}

// PushRequest is an STK push to a customer's handset
type PushRequest struct {
	Phone            string
	Amount           int64 // whole shillings
	AccountReference string
	Description      string
}

// PushResponse is Daraja's synchronous acknowledgement of a push
type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// QueryResponse is the outcome of an STK status query
type QueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// Result returns the numeric result code, if the query carried one.
func (q *QueryResponse) Result() (int, bool) {
	code, err := strconv.Atoi(strings.TrimSpace(q.ResultCode))
	if err != nil {
		return 0, false
	}
	return code, true
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkQueryBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// Client talks to Daraja. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     TokenCache
	now        func() time.Time
	logger     *slog.Logger

	refresh sync.Mutex
}

// NewClient creates a Daraja client. A nil cache keeps tokens in process.
func NewClient(cfg Config, tokens TokenCache, logger *slog.Logger) *Client {
	if tokens == nil {
		tokens = NewMemoryTokenCache(nil)
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		tokens: tokens,
		now:    time.Now,
		logger: logger,
	}
}

// Timestamp formats t the way Daraja expects
func Timestamp(t time.Time) string {
	return t.In(EAT).Format("20060102150405")
}

// Password derives the request password for a timestamp
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// STKPush asks the customer's handset to authorize a payment
func (c *Client) STKPush(ctx context.Context, req PushRequest) (*PushResponse, error) {
	p, err := phone.Normalize(req.Phone)
	if err != nil {
		return nil, err
	}
	if req.Amount < 1 {
		return nil, fmt.Errorf("mpesa: amount must be at least 1, got %d", req.Amount)
	}

	ts := Timestamp(c.now())
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		TransactionType:   c.cfg.TransactionType,
		Amount:            strconv.FormatInt(req.Amount, 10),
		PartyA:            p,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       p,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.AccountReference, 12),
		TransactionDesc:   truncate(req.Description, 13),
	}

	var resp PushResponse
	if err := c.do(ctx, "/mpesa/stkpush/v1/processrequest", body, &resp); err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return nil, &APIError{
			StatusCode:   http.StatusOK,
			ErrorCode:    resp.ResponseCode,
			ErrorMessage: resp.ResponseDescription,
		}
	}

	c.logger.Info("stk push accepted",
		"checkout_request_id", resp.CheckoutRequestID,
		"phone", phone.Mask(p),
		"amount", req.Amount,
	)
	return &resp, nil
}

// QueryStatus asks Daraja for the outcome of a push. A push still awaiting
// the customer returns an error for which IsProcessing is true.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	ts := Timestamp(c.now())
	body := stkQueryBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp QueryResponse
	if err := c.do(ctx, "/mpesa/stkpushquery/v1/query", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, path string, payload, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		if httpResp.StatusCode == http.StatusUnauthorized {
			_ = c.tokens.Forget(ctx)
		}
		apiErr := &APIError{StatusCode: httpResp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.ErrorMessage == "" {
			apiErr.ErrorMessage = string(respBody)
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// token returns a cached access token, fetching a new one when the cache is
// empty. Concurrent callers in this process share one fetch.
func (c *Client) token(ctx context.Context) (string, error) {
	if tok, err := c.tokens.Token(ctx); err == nil && tok != "" {
		return tok, nil
	}

	c.refresh.Lock()
	defer c.refresh.Unlock()

	if tok, err := c.tokens.Token(ctx); err == nil && tok != "" {
		return tok, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	httpReq.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return "", &APIError{StatusCode: httpResp.StatusCode, ErrorMessage: string(respBody)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return "", fmt.Errorf("unmarshal token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("mpesa: empty access token")
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(tr.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	// Refresh a minute early so a token never expires mid-request.
	if ttl > 2*time.Minute {
		ttl -= time.Minute
	}
	if err := c.tokens.StoreToken(ctx, tr.AccessToken, ttl); err != nil {
		c.logger.Warn("failed to cache mpesa token", "error", err)
	}
	return tr.AccessToken, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
