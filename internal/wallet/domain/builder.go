package domain

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"escrowledger/internal/common/money"
)

// GroupBuilder helps construct balanced transaction groups
type GroupBuilder struct {
	group *Group
	seq   int
	err   error
}

// NewGroupBuilder starts a group. Leg references are reference+suffix.
func NewGroupBuilder(kind GroupKind, reference string, currency money.Currency, now time.Time) *GroupBuilder {
	if reference == "" {
		return &GroupBuilder{err: errors.New("reference is required")}
	}
	return &GroupBuilder{
		group: &Group{
			ID:        ulid.Make().String(),
			Reference: reference,
			Kind:      kind,
			Currency:  currency,
			Entries:   make([]*Entry, 0, 4),
			CreatedAt: now,
		},
	}
}

// WithDescription sets the description
func (b *GroupBuilder) WithDescription(description string) *GroupBuilder {
	if b.err != nil {
		return b
	}
	b.group.Description = description
	return b
}

// Credit adds a positive leg on a wallet
func (b *GroupBuilder) Credit(walletID string, amount money.Money, kind EntryKind, suffix string) *GroupBuilder {
	return b.leg(walletID, "", amount, kind, suffix)
}

// Debit adds a negative leg on a wallet
func (b *GroupBuilder) Debit(walletID string, amount money.Money, kind EntryKind, suffix string) *GroupBuilder {
	return b.leg(walletID, "", amount.Negate(), kind, suffix)
}

// External adds a signed leg against an outside counterparty such as the
// mobile-money gateway or an airtime provider.
func (b *GroupBuilder) External(counterparty string, signed money.Money, kind EntryKind, suffix string) *GroupBuilder {
	return b.leg("", counterparty, signed, kind, suffix)
}

func (b *GroupBuilder) leg(walletID, counterparty string, amount money.Money, kind EntryKind, suffix string) *GroupBuilder {
	if b.err != nil {
		return b
	}
	if amount.Currency != b.group.Currency {
		b.err = errors.New("entry currency must match group currency")
		return b
	}
	if amount.IsZero() {
		return b
	}
	b.seq++
	b.group.Entries = append(b.group.Entries, &Entry{
		ID:           ulid.Make().String(),
		GroupID:      b.group.ID,
		WalletID:     walletID,
		Counterparty: counterparty,
		Amount:       amount,
		Kind:         kind,
		Reference:    b.group.Reference + suffix,
		Description:  b.group.Description,
		Sequence:     b.seq,
		CreatedAt:    b.group.CreatedAt,
	})
	return b
}

// Build validates and returns the group
func (b *GroupBuilder) Build() (*Group, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, e := range b.group.Entries {
		if e.Description == "" {
			e.Description = b.group.Description
		}
	}
	if err := b.group.Validate(); err != nil {
		return nil, err
	}
	return b.group, nil
}
