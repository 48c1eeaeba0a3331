// Package receipt projects committed transaction groups into per-owner
// receipts and sends each owner a short notice.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/database"
	"escrowledger/internal/common/events"
	"escrowledger/internal/common/money"
	"escrowledger/internal/notify"
	"escrowledger/internal/otp"
	walletdomain "escrowledger/internal/wallet/domain"
)

// Receipt is one leg of a committed group seen from its wallet owner's side.
type Receipt struct {
	Reference      string      `json:"reference"`
	GroupID        string      `json:"group_id"`
	GroupReference string      `json:"group_reference"`
	Kind           string      `json:"kind"`
	OwnerID        string      `json:"owner_id"`
	WalletID       string      `json:"wallet_id"`
	Amount         money.Money `json:"amount"`
	Counterparty   string      `json:"counterparty,omitempty"`
	Description    string      `json:"description,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Credit reports whether the receipt records money coming in
func (r *Receipt) Credit() bool { return r.Amount.IsPositive() }

// Contacts finds where an owner's notices go
type Contacts interface {
	Contact(ctx context.Context, accountID string) (otp.Recipient, error)
}

// Projector builds receipts from wallet.group.committed events. Replayed
// events are ignored, so it is safe behind an at-least-once consumer.
type Projector struct {
	store    Store
	contacts Contacts
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewProjector creates a projector. Notices are skipped when contacts or
// notifier is nil.
func NewProjector(store Store, contacts Contacts, notifier notify.Notifier, logger *slog.Logger) *Projector {
	return &Projector{store: store, contacts: contacts, notifier: notifier, logger: logger}
}

func (p *Projector) EventTypes() []string {
	return []string{events.EventWalletGroupCommitted}
}

func (p *Projector) Handle(ctx context.Context, evt *events.Event) error {
	var data events.GroupCommittedData
	if err := evt.DecodeData(&data); err != nil {
		// Redelivery will not fix a bad payload.
		p.logger.Error("undecodable group event dropped", "error", err, "event_id", evt.ID)
		return nil
	}

	external := ""
	for _, leg := range data.Legs {
		if leg.WalletID == "" {
			external = leg.Counterpart
			break
		}
	}

	for _, leg := range data.Legs {
		if leg.OwnerID == "" || leg.OwnerID == walletdomain.SystemOwnerID {
			continue
		}
		r := &Receipt{
			Reference:      leg.Reference,
			GroupID:        data.GroupID,
			GroupReference: data.Reference,
			Kind:           data.Kind,
			OwnerID:        leg.OwnerID,
			WalletID:       leg.WalletID,
			Amount:         money.New(leg.AmountMinor, money.Currency(leg.Currency)),
			Counterparty:   external,
			Description:    data.Description,
			CreatedAt:      data.CommittedAt,
		}
		created, err := p.store.Save(ctx, r)
		if err != nil {
			return fmt.Errorf("saving receipt %s: %w", r.Reference, err)
		}
		if created {
			p.notice(ctx, r)
		}
	}
	return nil
}

func (p *Projector) notice(ctx context.Context, r *Receipt) {
	if p.contacts == nil || p.notifier == nil {
		return
	}
	to, err := p.contacts.Contact(ctx, r.OwnerID)
	if err != nil {
		p.logger.Warn("no contact for receipt notice", "error", err, "owner_id", r.OwnerID)
		return
	}
	err = p.notifier.Notify(ctx, notify.Message{
		AccountID: r.OwnerID,
		Phone:     to.Phone,
		Email:     to.Email,
		Kind:      notify.KindReceipt,
		Subject:   "Transaction receipt " + r.Reference,
		Body:      Notice(r),
		CreatedAt: r.CreatedAt,
	})
	if err != nil {
		p.logger.Warn("receipt notice not delivered", "error", err, "reference", r.Reference)
	}
}

// Notice renders the SMS text for a receipt
func Notice(r *Receipt) string {
	verb := "debited from"
	if r.Credit() {
		verb = "credited to"
	}
	msg := fmt.Sprintf("%s Confirmed. %s %s your wallet on %s.",
		r.Reference, r.Amount.Abs().String(), verb, r.CreatedAt.Format("2/1/06 at 15:04"))
	if r.Description != "" {
		msg += " " + r.Description + "."
	}
	return msg
}

// Service answers receipt queries
type Service struct {
	store Store
}

// NewService creates a receipt query service
func NewService(store Store) *Service {
	return &Service{store: store}
}

// List returns the owner's receipts, newest first
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]*Receipt, error) {
	out, err := s.store.ListByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "receipt.List", "listing receipts", err)
	}
	return out, nil
}

// Get returns one of the owner's receipts
func (s *Service) Get(ctx context.Context, ownerID, reference string) (*Receipt, error) {
	r, err := s.store.Get(ctx, reference)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "receipt.Get", "receipt not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "receipt.Get", "loading receipt", err)
	}
	if r.OwnerID != ownerID {
		return nil, apperr.New(apperr.NotFound, "receipt.Get", "receipt not found")
	}
	return r, nil
}
