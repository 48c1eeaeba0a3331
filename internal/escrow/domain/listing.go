package domain

import (
	"time"

	"escrowledger/internal/common/money"
)

// Merchant is an account onboarded to sell through escrow
type Merchant struct {
	AccountID    string    `json:"account_id"`
	BusinessName string    `json:"business_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// Listing is a service or item a merchant offers
type Listing struct {
	ID          string      `json:"id"`
	MerchantID  string      `json:"merchant_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Price       money.Money `json:"price"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ListingFilter narrows listing queries
type ListingFilter struct {
	MerchantID string
	ActiveOnly bool
	Limit      int
	Offset     int
}
