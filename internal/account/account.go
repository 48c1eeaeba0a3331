// Package account manages customer, merchant and admin accounts: registration,
// phone verification, OTP-gated login and password reset.
package account

import (
	"time"

	"escrowledger/internal/auth"
)

// Status of an account. Status changes are the only mutation after creation
// apart from credentials and role.
type Status string

const (
	StatusPendingVerification Status = "pending_verification"
	StatusActive              Status = "active"
	StatusLocked              Status = "locked"
	StatusSuspended           Status = "suspended"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPendingVerification, StatusActive, StatusLocked, StatusSuspended:
		return true
	}
	return false
}

// Account is a platform user
type Account struct {
	ID           string     `json:"id"`
	Phone        string     `json:"phone"`
	Email        string     `json:"email,omitempty"`
	PasswordHash string     `json:"-"`
	Status       Status     `json:"status"`
	Role         auth.Role  `json:"role"`
	FailedLogins int        `json:"-"`
	StatusReason string     `json:"status_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
}

// Actor returns the auth actor for the account
func (a *Account) Actor() auth.Actor {
	return auth.Actor{AccountID: a.ID, Role: a.Role}
}
