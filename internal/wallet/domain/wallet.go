package domain

import (
	"errors"
	"time"

	"escrowledger/internal/common/money"
)

// SystemOwnerID owns the platform's revenue and escrow-hold wallets.
const SystemOwnerID = "00000000-0000-0000-0000-000000000000"

// Label distinguishes system wallets from customer wallets. Customer wallets
// carry the empty label.
type Label string

const (
	LabelCustomer   Label = ""
	LabelRevenue    Label = "revenue"
	LabelEscrowHold Label = "escrow_hold"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletMismatch    = errors.New("wallet currency does not match leg currency")
)

// Wallet is a per-(owner, currency) balance. Balance always equals the sum of
// the wallet's entries and is never negative.
type Wallet struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Label     Label          `json:"label,omitempty"`
	Currency  money.Currency `json:"currency"`
	Balance   int64          `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BalanceMoney returns the balance as Money
func (w *Wallet) BalanceMoney() money.Money {
	return money.New(w.Balance, w.Currency)
}

// IsSystem reports whether the wallet belongs to the platform.
func (w *Wallet) IsSystem() bool {
	return w.Label != LabelCustomer
}

// View is the API representation of a wallet.
type View struct {
	*Wallet
	Balance money.Money `json:"balance"`
}

func (w *Wallet) View() View {
	return View{Wallet: w, Balance: w.BalanceMoney()}
}
