// Package notify delivers customer notifications (OTP codes, receipts,
// escrow updates). Delivery is best effort: callers log failures and carry on.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"escrowledger/internal/common/phone"
)

// Kind of notification, used as the routing key suffix
type Kind string

const (
	KindOTP     Kind = "otp"
	KindReceipt Kind = "receipt"
	KindEscrow  Kind = "escrow"
)

// Message is one notification to one account
type Message struct {
	AccountID string    `json:"account_id"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Kind      Kind      `json:"kind"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier sends messages
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes notifications to the log. Used when no broker is
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a logging notifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	attrs := []any{
		"account_id", msg.AccountID,
		"phone", phone.Mask(msg.Phone),
		"kind", msg.Kind,
	}
	// OTP bodies carry the code and never reach the log.
	if msg.Kind != KindOTP {
		attrs = append(attrs, "body", msg.Body)
	}
	n.logger.Info("notification", attrs...)
	return nil
}

// Outbox keeps every message. Used by tests.
type Outbox struct {
	mu       sync.Mutex
	Messages []Message
	Err      error
}

func (o *Outbox) Notify(_ context.Context, msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return o.Err
	}
	o.Messages = append(o.Messages, msg)
	return nil
}

// Last returns the most recent message for an account
func (o *Outbox) Last(accountID string) (Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.Messages) - 1; i >= 0; i-- {
		if o.Messages[i].AccountID == accountID {
			return o.Messages[i], true
		}
	}
	return Message{}, false
}
