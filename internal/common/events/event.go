package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Handler handles incoming events
type Handler interface {
	Handle(ctx context.Context, event *Event) error
	EventTypes() []string
}

// Event types
const (
	EventWalletOpened         = "wallet.opened"
	EventWalletGroupCommitted = "wallet.group.committed"

	EventEscrowStatusChanged = "escrow.status.changed"

	EventPaymentCompleted = "gateway.payment.completed"
	EventPaymentFailed    = "gateway.payment.failed"

	EventAccountRegistered = "account.registered"
	EventAccountLocked     = "account.locked"
)

// Aggregate types
const (
	AggregateWallet  = "wallet"
	AggregateGroup   = "transaction_group"
	AggregateEscrow  = "escrow"
	AggregatePayment = "payment"
	AggregateAccount = "account"
)

// Payment purposes carried on gateway events
const (
	PurposeTopUp  = "topup"
	PurposeEscrow = "escrow"
)

// LegData is one posted leg of a committed transaction group.
type LegData struct {
	Reference   string `json:"reference"`
	WalletID    string `json:"wallet_id,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	Counterpart string `json:"counterpart,omitempty"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// GroupCommittedData is the payload for wallet.group.committed
type GroupCommittedData struct {
	GroupID     string    `json:"group_id"`
	Reference   string    `json:"reference"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	Legs        []LegData `json:"legs"`
	CommittedAt time.Time `json:"committed_at"`
}

// WalletOpenedData is the payload for wallet.opened
type WalletOpenedData struct {
	WalletID string `json:"wallet_id"`
	OwnerID  string `json:"owner_id,omitempty"`
	Label    string `json:"label,omitempty"`
	Currency string `json:"currency"`
}

// EscrowStatusChangedData is the payload for escrow.status.changed
type EscrowStatusChangedData struct {
	EscrowID   string `json:"escrow_id"`
	BuyerID    string `json:"buyer_id"`
	MerchantID string `json:"merchant_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	ActorID    string `json:"actor_id"`
	Reference  string `json:"reference,omitempty"`
}

// PaymentResolvedData is the payload for gateway.payment.completed and
// gateway.payment.failed
type PaymentResolvedData struct {
	PaymentID         string `json:"payment_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	AccountID         string `json:"account_id"`
	Phone             string `json:"phone"`
	AmountMinor       int64  `json:"amount_minor"`
	Currency          string `json:"currency"`
	Receipt           string `json:"receipt,omitempty"`
	ResultCode        int    `json:"result_code"`
	ResultDesc        string `json:"result_desc"`
	Purpose           string `json:"purpose"`
	PurposeRef        string `json:"purpose_ref,omitempty"`
}

// AccountData is the payload for account lifecycle events
type AccountData struct {
	AccountID string `json:"account_id"`
	Phone     string `json:"phone"`
	Role      string `json:"role,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
