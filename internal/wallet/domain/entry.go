package domain

import (
	"context"
	"errors"
	"time"

	"escrowledger/internal/common/money"
)

// EntryKind classifies a ledger entry
type EntryKind string

const (
	KindDeposit       EntryKind = "deposit"
	KindWithdrawal    EntryKind = "withdrawal"
	KindTransferOut   EntryKind = "transfer_out"
	KindTransferIn    EntryKind = "transfer_in"
	KindFee           EntryKind = "fee"
	KindFeeRevenue    EntryKind = "fee_revenue"
	KindEscrowHold    EntryKind = "escrow_hold"
	KindEscrowRelease EntryKind = "escrow_release"
	KindRefund        EntryKind = "refund"
)

// GroupKind names the engine operation that produced a group
type GroupKind string

const (
	GroupDeposit       GroupKind = "deposit"
	GroupPurchase      GroupKind = "purchase"
	GroupPeerTransfer  GroupKind = "peer_transfer"
	GroupEscrowPay     GroupKind = "escrow_pay"
	GroupEscrowRelease GroupKind = "escrow_release"
	GroupEscrowRefund  GroupKind = "escrow_refund"
)

// Entry is one immutable leg of a transaction group. Positive amounts are
// credits, negative amounts debits. Legs against the outside world carry a
// Counterparty and no WalletID.
type Entry struct {
	ID           string      `json:"id"`
	GroupID      string      `json:"group_id"`
	WalletID     string      `json:"wallet_id,omitempty"`
	Counterparty string      `json:"counterparty,omitempty"`
	Amount       money.Money `json:"amount"`
	Kind         EntryKind   `json:"kind"`
	Reference    string      `json:"reference"`
	Description  string      `json:"description,omitempty"`
	BalanceAfter *int64      `json:"balance_after,omitempty"`
	Sequence     int         `json:"sequence"`
	CreatedAt    time.Time   `json:"created_at"`

	// OwnerID is filled in at commit time for wallet legs.
	OwnerID string `json:"-"`
}

// IsExternal reports whether the leg balances against the outside world.
func (e *Entry) IsExternal() bool {
	return e.WalletID == ""
}

// Group is a set of entries committed atomically. Its entries sum to zero.
type Group struct {
	ID          string         `json:"id"`
	Reference   string         `json:"reference"`
	Kind        GroupKind      `json:"kind"`
	Description string         `json:"description,omitempty"`
	Currency    money.Currency `json:"currency"`
	Entries     []*Entry       `json:"entries"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Hook runs inside the unit of work that commits a group, after balances
// have been checked and before anything is written. A failing hook aborts
// the group.
type Hook func(ctx context.Context, g *Group) error

// WalletIDs returns the distinct wallets the group touches.
func (g *Group) WalletIDs() []string {
	seen := make(map[string]bool, len(g.Entries))
	ids := make([]string, 0, len(g.Entries))
	for _, e := range g.Entries {
		if e.IsExternal() || seen[e.WalletID] {
			continue
		}
		seen[e.WalletID] = true
		ids = append(ids, e.WalletID)
	}
	return ids
}

// EntryFor returns the first entry posted to walletID.
func (g *Group) EntryFor(walletID string) *Entry {
	for _, e := range g.Entries {
		if e.WalletID == walletID {
			return e
		}
	}
	return nil
}

// Validate checks the group is balanced and well formed
func (g *Group) Validate() error {
	if g.Reference == "" {
		return errors.New("group reference is required")
	}
	if len(g.Entries) == 0 {
		return errors.New("group must have at least one entry")
	}
	amounts := make([]money.Money, 0, len(g.Entries))
	for _, e := range g.Entries {
		if e.Amount.Currency != g.Currency {
			return errors.New("entry currency must match group currency")
		}
		if e.Amount.IsZero() {
			return errors.New("entry amount must not be zero")
		}
		if e.WalletID == "" && e.Counterparty == "" {
			return errors.New("entry needs a wallet or a counterparty")
		}
		amounts = append(amounts, e.Amount)
	}
	total, err := money.Sum(g.Currency, amounts...)
	if err != nil {
		return err
	}
	if !total.IsZero() {
		return errors.New("group must be balanced (entries must sum to zero)")
	}
	return nil
}
