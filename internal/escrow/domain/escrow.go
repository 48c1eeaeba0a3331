package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"escrowledger/internal/common/money"
)

// Status is the lifecycle state of an escrow transaction
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusAwaitingPayment  Status = "AWAITING_PAYMENT"
	StatusPaid             Status = "PAID"
	StatusServiceDelivered Status = "SERVICE_DELIVERED"
	StatusCompleted        Status = "COMPLETED"
	StatusDisputed         Status = "DISPUTED"
	StatusRefunded         Status = "REFUNDED"
)

// transitions lists every allowed move. DISPUTED -> COMPLETED is reserved for
// administrators resolving a dispute in the merchant's favour.
var transitions = map[Status][]Status{
	StatusCreated:          {StatusAwaitingPayment, StatusPaid},
	StatusAwaitingPayment:  {StatusPaid},
	StatusPaid:             {StatusServiceDelivered, StatusDisputed, StatusRefunded},
	StatusServiceDelivered: {StatusCompleted, StatusDisputed, StatusRefunded},
	StatusDisputed:         {StatusRefunded, StatusCompleted},
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// IsHeld reports whether the buyer's money sits in the escrow-hold wallet.
func (s Status) IsHeld() bool {
	return s == StatusPaid || s == StatusServiceDelivered || s == StatusDisputed
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var ErrInvalidTransition = errors.New("invalid status transition")

// Escrow is a buyer/merchant deal whose payment is held by the platform until
// the service is delivered. Escrows are never deleted.
type Escrow struct {
	ID             string         `json:"id"`
	BuyerID        string         `json:"buyer_id"`
	MerchantID     string         `json:"merchant_id"`
	ListingID      string         `json:"listing_id"`
	ListingName    string         `json:"listing_name"`
	Price          money.Money    `json:"price"`
	PlatformFee    money.Money    `json:"platform_fee"`
	MerchantPayout money.Money    `json:"merchant_payout"`
	TotalToPay     money.Money    `json:"total_to_pay"`
	Currency       money.Currency `json:"currency"`
	Status         Status         `json:"status"`
	FundingRef     string         `json:"funding_ref,omitempty"`
	PaymentRef     string         `json:"payment_reference,omitempty"`
	SettlementRef  string         `json:"settlement_reference,omitempty"`
	DisputeReason  string         `json:"dispute_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	PaidAt         *time.Time     `json:"paid_at,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
}

// NewEscrow prices a deal for listing. The platform fee is price x feeRate
// rounded half-up to the minor unit, the buyer pays price + fee and the
// merchant receives the price.
func NewEscrow(id, buyerID string, listing *Listing, feeRate decimal.Decimal, now time.Time) (*Escrow, error) {
	if id == "" || buyerID == "" {
		return nil, errors.New("id and buyer_id are required")
	}
	if listing == nil || !listing.Active {
		return nil, errors.New("listing is not available")
	}
	if listing.MerchantID == buyerID {
		return nil, errors.New("merchants cannot buy their own listings")
	}
	if !listing.Price.IsPositive() {
		return nil, errors.New("listing price must be positive")
	}
	if feeRate.IsNegative() {
		return nil, errors.New("fee rate must not be negative")
	}

	fee := listing.Price.MulRate(feeRate)
	total, err := listing.Price.Add(fee)
	if err != nil {
		return nil, err
	}

	return &Escrow{
		ID:             id,
		BuyerID:        buyerID,
		MerchantID:     listing.MerchantID,
		ListingID:      listing.ID,
		ListingName:    listing.Name,
		Price:          listing.Price,
		PlatformFee:    fee,
		MerchantPayout: listing.Price,
		TotalToPay:     total,
		Currency:       listing.Price.Currency,
		Status:         StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Transition moves the escrow to status at now, stamping the matching
// timestamp.
func (e *Escrow) Transition(to Status, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return ErrInvalidTransition
	}
	e.Status = to
	e.UpdatedAt = now
	switch to {
	case StatusPaid:
		e.PaidAt = &now
	case StatusServiceDelivered:
		e.DeliveredAt = &now
	case StatusCompleted, StatusRefunded:
		e.ClosedAt = &now
	}
	return nil
}

// IsParty reports whether accountID is the buyer or the merchant
func (e *Escrow) IsParty(accountID string) bool {
	return e.BuyerID == accountID || e.MerchantID == accountID
}
