// Package gateway bridges mobile-money STK pushes into the wallet ledger.
// Every push is recorded as a pending payment keyed by its
// CheckoutRequestID; the callback or the reconciliation sweep resolves it
// exactly once.
package gateway

import (
	"errors"
	"time"

	"escrowledger/internal/common/money"
)

// Status of a pending payment
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrAlreadyResolved is returned when a payment has left pending.
var ErrAlreadyResolved = errors.New("payment already resolved")

// Payment is one STK push and its outcome
type Payment struct {
	ID                string      `json:"id"`
	CheckoutRequestID string      `json:"checkout_request_id"`
	MerchantRequestID string      `json:"merchant_request_id,omitempty"`
	AccountID         string      `json:"account_id"`
	Phone             string      `json:"phone"`
	Amount            money.Money `json:"amount"`
	Purpose           string      `json:"purpose"`
	PurposeRef        string      `json:"purpose_ref,omitempty"`
	Status            Status      `json:"status"`
	Receipt           string      `json:"receipt,omitempty"`
	ResultCode        *int        `json:"result_code,omitempty"`
	ResultDesc        string      `json:"result_desc,omitempty"`
	QueryAttempts     int         `json:"query_attempts,omitempty"`
	ReviewFlaggedAt   *time.Time  `json:"review_flagged_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	ResolvedAt        *time.Time  `json:"resolved_at,omitempty"`
}

// Resolution is the terminal outcome applied to a pending payment.
type Resolution struct {
	Status     Status
	Receipt    string
	ResultCode int
	ResultDesc string
	At         time.Time
}

// Apply copies r onto p
func (p *Payment) Apply(r Resolution) {
	code := r.ResultCode
	p.Status = r.Status
	p.Receipt = r.Receipt
	p.ResultCode = &code
	p.ResultDesc = r.ResultDesc
	p.UpdatedAt = r.At
	at := r.At
	p.ResolvedAt = &at
}
