package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"escrowledger/internal/common/events"
	"escrowledger/internal/notify"
)

// EscrowNotices tells both parties when an escrow changes status.
type EscrowNotices struct {
	contacts Contacts
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewEscrowNotices creates the escrow status notifier
func NewEscrowNotices(contacts Contacts, notifier notify.Notifier, logger *slog.Logger) *EscrowNotices {
	return &EscrowNotices{contacts: contacts, notifier: notifier, logger: logger}
}

func (n *EscrowNotices) EventTypes() []string {
	return []string{events.EventEscrowStatusChanged}
}

func (n *EscrowNotices) Handle(ctx context.Context, evt *events.Event) error {
	var data events.EscrowStatusChangedData
	if err := evt.DecodeData(&data); err != nil {
		n.logger.Error("undecodable escrow event dropped", "error", err, "event_id", evt.ID)
		return nil
	}

	body := fmt.Sprintf("Escrow %s is now %s.", shortID(data.EscrowID), strings.ToLower(strings.ReplaceAll(data.To, "_", " ")))
	for _, accountID := range []string{data.BuyerID, data.MerchantID} {
		if accountID == "" || accountID == data.ActorID {
			continue
		}
		to, err := n.contacts.Contact(ctx, accountID)
		if err != nil {
			n.logger.Warn("no contact for escrow notice", "error", err, "account_id", accountID)
			continue
		}
		err = n.notifier.Notify(ctx, notify.Message{
			AccountID: accountID,
			Phone:     to.Phone,
			Email:     to.Email,
			Kind:      notify.KindEscrow,
			Subject:   "Escrow update",
			Body:      body,
			CreatedAt: evt.OccurredAt,
		})
		if err != nil {
			n.logger.Warn("escrow notice not delivered", "error", err, "escrow_id", data.EscrowID)
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return strings.ToUpper(id[:8])
	}
	return strings.ToUpper(id)
}
