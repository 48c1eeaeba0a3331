package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/clock"
	"escrowledger/internal/common/database"
	"escrowledger/internal/common/events"
	"escrowledger/internal/common/metrics"
	"escrowledger/internal/common/middleware"
	"escrowledger/internal/common/money"
	"escrowledger/internal/wallet/domain"
)

// Store is the persistence the engine needs. Commit must apply a group and
// run its hooks as one unit of work.
type Store interface {
	CreateWallet(ctx context.Context, w *domain.Wallet) error
	GetWallet(ctx context.Context, id string) (*domain.Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID string, currency money.Currency) (*domain.Wallet, error)
	GetSystemWallet(ctx context.Context, label domain.Label, currency money.Currency) (*domain.Wallet, error)
	ListSystemWallets(ctx context.Context) ([]*domain.Wallet, error)
	ListEntries(ctx context.Context, walletID string, limit, offset int) ([]*domain.Entry, error)
	Commit(ctx context.Context, g *domain.Group, hooks ...domain.Hook) error
}

// Counterparties for legs that leave or enter the platform.
const (
	CounterpartyMpesa   = "mpesa"
	CounterpartyAirtime = "airtime"
)

const commitAttempts = 3

// Engine posts every money movement as one balanced, atomic group.
type Engine struct {
	store     Store
	refs      *domain.ReferenceGenerator
	publisher events.Publisher
	metrics   *metrics.Metrics
	clock     clock.Clock
	logger    *slog.Logger
}

// NewEngine creates a transfer engine
func NewEngine(store Store, publisher events.Publisher, m *metrics.Metrics, clk clock.Clock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{
		store:     store,
		refs:      domain.NewReferenceGenerator(),
		publisher: publisher,
		metrics:   m,
		clock:     clk,
		logger:    logger,
	}
}

// Option adjusts a single engine operation
type Option func(*postOptions)

type postOptions struct {
	description  string
	counterparty string
	hooks        []domain.Hook
}

// WithDescription sets the narration stored on every leg.
func WithDescription(d string) Option {
	return func(o *postOptions) { o.description = d }
}

// WithCounterparty names the outside party of a deposit or purchase.
func WithCounterparty(c string) Option {
	return func(o *postOptions) { o.counterparty = c }
}

// WithHook runs h inside the unit of work that commits the group.
func WithHook(h domain.Hook) Option {
	return func(o *postOptions) { o.hooks = append(o.hooks, h) }
}

func collect(opts []Option, defaults postOptions) postOptions {
	o := defaults
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// EnsureSystemWallets creates the revenue and escrow-hold wallets for a
// currency if they do not exist yet.
func (e *Engine) EnsureSystemWallets(ctx context.Context, currency money.Currency) error {
	for _, label := range []domain.Label{domain.LabelRevenue, domain.LabelEscrowHold} {
		if _, err := e.store.GetSystemWallet(ctx, label, currency); err == nil {
			continue
		} else if !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("loading %s wallet: %w", label, err)
		}
		now := e.clock.Now()
		w := &domain.Wallet{
			ID:        uuid.NewString(),
			OwnerID:   domain.SystemOwnerID,
			Label:     label,
			Currency:  currency,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.store.CreateWallet(ctx, w); err != nil && !errors.Is(err, database.ErrAlreadyExists) {
			return fmt.Errorf("creating %s wallet: %w", label, err)
		}
		e.logger.Info("system wallet created", "label", label, "currency", currency, "wallet_id", w.ID)
	}
	return nil
}

// Deposit credits a wallet with money arriving from outside.
func (e *Engine) Deposit(ctx context.Context, walletID string, amount money.Money, opts ...Option) (*domain.Group, error) {
	const op = "wallet.Deposit"
	o := collect(opts, postOptions{counterparty: CounterpartyMpesa, description: "Deposit"})
	if err := positive(op, amount); err != nil {
		return nil, err
	}

	b := e.builder(domain.GroupDeposit, amount.Currency, o).
		External(o.counterparty, amount.Negate(), domain.KindDeposit, "-EXT").
		Credit(walletID, amount, domain.KindDeposit, "-IN")
	return e.post(ctx, op, b, o)
}

// Purchase debits a wallet for something bought outside the platform, such
// as airtime.
func (e *Engine) Purchase(ctx context.Context, walletID string, amount money.Money, opts ...Option) (*domain.Group, error) {
	const op = "wallet.Purchase"
	o := collect(opts, postOptions{counterparty: CounterpartyAirtime, description: "Purchase"})
	if err := positive(op, amount); err != nil {
		return nil, err
	}

	b := e.builder(domain.GroupPurchase, amount.Currency, o).
		Debit(walletID, amount, domain.KindWithdrawal, "-OUT").
		External(o.counterparty, amount, domain.KindWithdrawal, "-EXT")
	return e.post(ctx, op, b, o)
}

// Transfer moves amount from sender to recipient and fee from sender to the
// revenue wallet. A zero fee posts only the -OUT and -IN legs.
func (e *Engine) Transfer(ctx context.Context, senderWalletID, recipientWalletID string, amount, fee money.Money, opts ...Option) (*domain.Group, error) {
	const op = "wallet.Transfer"
	o := collect(opts, postOptions{description: "Transfer"})
	if err := positive(op, amount); err != nil {
		return nil, err
	}
	if fee.IsNegative() {
		return nil, apperr.New(apperr.Validation, op, "fee must not be negative")
	}
	if fee.Currency != amount.Currency {
		return nil, apperr.New(apperr.Validation, op, "fee currency must match amount currency")
	}
	if senderWalletID == recipientWalletID {
		return nil, apperr.New(apperr.Validation, op, "cannot transfer to the same wallet")
	}

	b := e.builder(domain.GroupPeerTransfer, amount.Currency, o).
		Debit(senderWalletID, amount, domain.KindTransferOut, "-OUT").
		Debit(senderWalletID, fee, domain.KindFee, "-FEE").
		Credit(recipientWalletID, amount, domain.KindTransferIn, "-IN")

	if fee.IsPositive() {
		revenue, err := e.systemWallet(ctx, op, domain.LabelRevenue, amount.Currency)
		if err != nil {
			return nil, err
		}
		b.Credit(revenue.ID, fee, domain.KindFeeRevenue, "-REV")
	}
	return e.post(ctx, op, b, o)
}

// EscrowPay moves the total to pay from the buyer into the escrow-hold wallet.
func (e *Engine) EscrowPay(ctx context.Context, buyerWalletID string, total money.Money, opts ...Option) (*domain.Group, error) {
	const op = "wallet.EscrowPay"
	o := collect(opts, postOptions{description: "Escrow payment"})
	if err := positive(op, total); err != nil {
		return nil, err
	}
	hold, err := e.systemWallet(ctx, op, domain.LabelEscrowHold, total.Currency)
	if err != nil {
		return nil, err
	}

	b := e.builder(domain.GroupEscrowPay, total.Currency, o).
		Debit(buyerWalletID, total, domain.KindEscrowHold, "-OUT").
		Credit(hold.ID, total, domain.KindEscrowHold, "-HOLD")
	return e.post(ctx, op, b, o)
}

// EscrowRelease pays the merchant out of the hold wallet and retains the
// platform fee in the revenue wallet.
func (e *Engine) EscrowRelease(ctx context.Context, merchantWalletID string, payout, fee money.Money, opts ...Option) (*domain.Group, error) {
	const op = "wallet.EscrowRelease"
	o := collect(opts, postOptions{description: "Escrow release"})
	if err := positive(op, payout); err != nil {
		return nil, err
	}
	if fee.IsNegative() || fee.Currency != payout.Currency {
		return nil, apperr.New(apperr.Validation, op, "invalid platform fee")
	}
	hold, err := e.systemWallet(ctx, op, domain.LabelEscrowHold, payout.Currency)
	if err != nil {
		return nil, err
	}

	total := payout.MustAdd(fee)
	b := e.builder(domain.GroupEscrowRelease, payout.Currency, o).
		Debit(hold.ID, total, domain.KindEscrowRelease, "-HOLD").
		Credit(merchantWalletID, payout, domain.KindEscrowRelease, "-IN")

	if fee.IsPositive() {
		revenue, err := e.systemWallet(ctx, op, domain.LabelRevenue, payout.Currency)
		if err != nil {
			return nil, err
		}
		b.Credit(revenue.ID, fee, domain.KindFeeRevenue, "-REV")
	}
	return e.post(ctx, op, b, o)
}

// EscrowRefund returns the held total to the buyer.
func (e *Engine) EscrowRefund(ctx context.Context, buyerWalletID string, total money.Money, opts ...Option) (*domain.Group, error) {
	const op = "wallet.EscrowRefund"
	o := collect(opts, postOptions{description: "Escrow refund"})
	if err := positive(op, total); err != nil {
		return nil, err
	}
	hold, err := e.systemWallet(ctx, op, domain.LabelEscrowHold, total.Currency)
	if err != nil {
		return nil, err
	}

	b := e.builder(domain.GroupEscrowRefund, total.Currency, o).
		Debit(hold.ID, total, domain.KindRefund, "-HOLD").
		Credit(buyerWalletID, total, domain.KindRefund, "-IN")
	return e.post(ctx, op, b, o)
}

func (e *Engine) builder(kind domain.GroupKind, currency money.Currency, o postOptions) *domain.GroupBuilder {
	return domain.NewGroupBuilder(kind, e.refs.Next(e.clock.Now()), currency, e.clock.Now()).
		WithDescription(o.description)
}

func (e *Engine) systemWallet(ctx context.Context, op string, label domain.Label, currency money.Currency) (*domain.Wallet, error) {
	w, err := e.store.GetSystemWallet(ctx, label, currency)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.Newf(apperr.Internal, op, "%s wallet for %s is not provisioned", label, currency)
		}
		return nil, apperr.Wrap(apperr.Internal, op, "loading system wallet", err)
	}
	return w, nil
}

func (e *Engine) post(ctx context.Context, op string, b *domain.GroupBuilder, o postOptions) (*domain.Group, error) {
	g, err := b.Build()
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, op, "invalid transaction", err)
	}

	start := time.Now()
	err = database.Retry(ctx, commitAttempts, func() error {
		return e.store.Commit(ctx, g, o.hooks...)
	})
	if err != nil {
		err = classify(op, err)
		e.metrics.GroupRejected(string(g.Kind), string(apperr.KindOf(err)))
		return nil, err
	}
	e.metrics.GroupCommitted(string(g.Kind), time.Since(start))

	e.logger.Info("transaction group committed",
		"group_id", g.ID,
		"reference", g.Reference,
		"kind", g.Kind,
		"entries", len(g.Entries),
	)

	e.publish(ctx, g)
	return g, nil
}

// classify maps store failures onto error kinds. Errors already carrying a
// kind, typically returned by hooks, pass through untouched.
func classify(op string, err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return apperr.Wrap(apperr.InsufficientFunds, op, "insufficient funds", err)
	case errors.Is(err, domain.ErrWalletMismatch):
		return apperr.Wrap(apperr.Validation, op, "wallet currency does not match amount", err)
	case errors.Is(err, database.ErrNotFound):
		return apperr.Wrap(apperr.NotFound, op, "wallet not found", err)
	case errors.Is(err, database.ErrAlreadyExists), database.IsRetryable(err):
		return apperr.Wrap(apperr.Conflict, op, "concurrent update, please retry", err)
	}
	return apperr.Wrap(apperr.Internal, op, "transaction failed", err)
}

func positive(op string, amount money.Money) error {
	if !money.Supported(amount.Currency) {
		return apperr.Newf(apperr.Validation, op, "unsupported currency %q", amount.Currency)
	}
	if !amount.IsPositive() {
		return apperr.New(apperr.Validation, op, "amount must be positive")
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, g *domain.Group) {
	if e.publisher == nil {
		return
	}
	legs := make([]events.LegData, 0, len(g.Entries))
	for _, en := range g.Entries {
		legs = append(legs, events.LegData{
			Reference:   en.Reference,
			WalletID:    en.WalletID,
			OwnerID:     en.OwnerID,
			Counterpart: en.Counterparty,
			AmountMinor: en.Amount.AmountMinor,
			Currency:    string(en.Amount.Currency),
		})
	}
	evt, err := events.NewEvent(events.EventWalletGroupCommitted, events.AggregateGroup, g.ID, events.GroupCommittedData{
		GroupID:     g.ID,
		Reference:   g.Reference,
		Kind:        string(g.Kind),
		Description: g.Description,
		Legs:        legs,
		CommittedAt: g.CreatedAt,
	})
	if err != nil {
		e.logger.Error("failed to build event", "error", err, "group_id", g.ID)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx), g.Reference)
	if err := e.publisher.Publish(ctx, evt); err != nil {
		e.logger.Error("failed to publish event", "error", err, "group_id", g.ID)
	}
}
