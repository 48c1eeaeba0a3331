package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/clock"
	"escrowledger/internal/common/database"
	"escrowledger/internal/common/events"
	"escrowledger/internal/common/metrics"
	"escrowledger/internal/common/money"
	"escrowledger/internal/common/phone"
	"escrowledger/internal/gateway/mpesa"
	"escrowledger/internal/wallet"
	walletdomain "escrowledger/internal/wallet/domain"
)

// Config holds gateway bridge configuration
type Config struct {
	ReconcileSchedule string        `envconfig:"GATEWAY_RECONCILE_SCHEDULE" default:"@every 1m"`
	StaleAfter        time.Duration `envconfig:"GATEWAY_RECONCILE_STALE_AFTER" default:"2m"`
	ReviewAfter       time.Duration `envconfig:"GATEWAY_REVIEW_AFTER" default:"24h"`
	BatchSize         int           `envconfig:"GATEWAY_RECONCILE_BATCH" default:"50"`
	RequestTimeout    time.Duration `envconfig:"GATEWAY_REQUEST_TIMEOUT" default:"30s"`
}

// Pusher sends STK pushes. Implemented by *mpesa.Client.
type Pusher interface {
	STKPush(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error)
}

// Wallets resolves the wallet a payment credits
type Wallets interface {
	WalletFor(ctx context.Context, ownerID string) (*walletdomain.Wallet, error)
	Currency() money.Currency
}

// Ledger posts deposits
type Ledger interface {
	Deposit(ctx context.Context, walletID string, amount money.Money, opts ...wallet.Option) (*walletdomain.Group, error)
}

// Deps bundles the collaborators of the gateway service
type Deps struct {
	Pusher    Pusher
	Store     Store
	Wallets   Wallets
	Ledger    Ledger
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Service initiates pushes and resolves their outcomes
type Service struct {
	pusher    Pusher
	store     Store
	wallets   Wallets
	ledger    Ledger
	publisher events.Publisher
	metrics   *metrics.Metrics
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger
}

// NewService creates a gateway service. A nil Pusher leaves pushes
// unavailable while callbacks and history keep working.
func NewService(deps Deps, cfg Config) *Service {
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Service{
		pusher:    deps.Pusher,
		store:     deps.Store,
		wallets:   deps.Wallets,
		ledger:    deps.Ledger,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		clock:     clk,
		cfg:       cfg,
		logger:    deps.Logger,
	}
}

// InitiatePush asks the customer's handset to pay amount and records the
// push as pending. Gateway failures surface as GatewayUnavailable and are
// never retried here.
func (s *Service) InitiatePush(ctx context.Context, accountID, rawPhone string, amount money.Money, purpose, purposeRef string) (*Payment, error) {
	const op = "gateway.InitiatePush"

	if s.pusher == nil {
		return nil, apperr.New(apperr.GatewayUnavailable, op, "mobile money is not configured")
	}
	p, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, apperr.New(apperr.Validation, op, "invalid phone number")
	}
	if amount.Currency != s.wallets.Currency() {
		return nil, apperr.Newf(apperr.Validation, op, "mobile money pays in %s only", s.wallets.Currency())
	}
	whole, ok := amount.WholeUnits()
	if !ok || whole < 1 {
		return nil, apperr.New(apperr.Validation, op, "amount must be a whole number of at least 1")
	}

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := s.pusher.STKPush(ctx, mpesa.PushRequest{
		Phone:            p,
		Amount:           whole,
		AccountReference: accountReference(purpose, purposeRef),
		Description:      description(purpose),
	})
	s.metrics.GatewayRequest("stk_push", err)
	if err != nil {
		s.logger.Warn("stk push failed", "error", err, "account_id", accountID, "purpose", purpose)
		return nil, apperr.Wrap(apperr.GatewayUnavailable, op, "payment gateway unavailable, please try again", err)
	}

	now := s.clock.Now()
	payment := &Payment{
		ID:                uuid.NewString(),
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		AccountID:         accountID,
		Phone:             p,
		Amount:            amount,
		Purpose:           purpose,
		PurposeRef:        purposeRef,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(context.WithoutCancel(ctx), payment); err != nil {
		// The handset has the prompt; without this row the callback is dropped.
		s.logger.Error("stk push accepted but not recorded",
			"error", err,
			"checkout_request_id", resp.CheckoutRequestID,
			"account_id", accountID,
		)
		return nil, apperr.Wrap(apperr.Internal, op, "recording payment", err)
	}

	s.logger.Info("payment pending",
		"checkout_request_id", payment.CheckoutRequestID,
		"account_id", accountID,
		"amount", amount.String(),
		"purpose", purpose,
	)
	return payment, nil
}

// TopUp pushes a wallet top-up to the caller's handset
func (s *Service) TopUp(ctx context.Context, accountID, rawPhone string, amount money.Money) (*Payment, error) {
	return s.InitiatePush(ctx, accountID, rawPhone, amount, events.PurposeTopUp, accountID)
}

// RequestFunding pushes a payment whose proceeds land in the account's
// wallet and returns the CheckoutRequestID.
func (s *Service) RequestFunding(ctx context.Context, accountID, rawPhone string, amount money.Money, purpose, purposeRef string) (string, error) {
	p, err := s.InitiatePush(ctx, accountID, rawPhone, amount, purpose, purposeRef)
	if err != nil {
		return "", err
	}
	return p.CheckoutRequestID, nil
}

// History lists the caller's mobile-money payments, newest first
func (s *Service) History(ctx context.Context, accountID string, limit, offset int) ([]*Payment, error) {
	out, err := s.store.ListByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "gateway.History", "listing payments", err)
	}
	return out, nil
}

// HandleCallback resolves the payment a callback reports on. Callbacks for
// payments already resolved succeed without effect.
func (s *Service) HandleCallback(ctx context.Context, cb mpesa.StkCallback) error {
	const op = "gateway.HandleCallback"

	p, err := s.store.GetByCheckoutID(ctx, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.metrics.GatewayCallback("unknown")
			return apperr.New(apperr.NotFound, op, "unknown checkout request")
		}
		return apperr.Wrap(apperr.Internal, op, "loading payment", err)
	}
	if p.Status != StatusPending {
		s.metrics.GatewayCallback("duplicate")
		s.logger.Info("duplicate callback ignored", "checkout_request_id", p.CheckoutRequestID, "status", p.Status)
		return nil
	}

	res := Resolution{
		Status:     StatusFailed,
		ResultCode: cb.ResultCode,
		ResultDesc: cb.ResultDesc,
		At:         s.clock.Now(),
	}
	if cb.Succeeded() {
		res.Status = StatusCompleted
		res.Receipt = cb.Receipt()
	}
	return s.resolve(ctx, op, p, res)
}

// resolve applies res to p exactly once. A completed payment's status change
// and deposit commit in the same group.
func (s *Service) resolve(ctx context.Context, op string, p *Payment, res Resolution) error {
	if res.Status == StatusFailed {
		if err := s.store.Resolve(ctx, p.CheckoutRequestID, res); err != nil {
			if errors.Is(err, ErrAlreadyResolved) {
				s.metrics.GatewayCallback("duplicate")
				return nil
			}
			return apperr.Wrap(apperr.Internal, op, "resolving payment", err)
		}
		p.Apply(res)
		s.metrics.GatewayCallback("failed")
		s.logger.Warn("payment failed",
			"checkout_request_id", p.CheckoutRequestID,
			"result_code", res.ResultCode,
			"result_desc", res.ResultDesc,
		)
		s.publish(ctx, events.EventPaymentFailed, p)
		return nil
	}

	w, err := s.wallets.WalletFor(ctx, p.AccountID)
	if err != nil {
		return err
	}
	counterparty := wallet.CounterpartyMpesa
	if res.Receipt != "" {
		counterparty += ":" + res.Receipt
	}
	_, err = s.ledger.Deposit(ctx, w.ID, p.Amount,
		wallet.WithDescription("Mobile money deposit"),
		wallet.WithCounterparty(counterparty),
		wallet.WithHook(func(ctx context.Context, _ *walletdomain.Group) error {
			if err := s.store.Resolve(ctx, p.CheckoutRequestID, res); err != nil {
				if errors.Is(err, ErrAlreadyResolved) {
					return apperr.Wrap(apperr.InvalidState, op, "payment already resolved", err)
				}
				return err
			}
			return nil
		}),
	)
	if err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			s.metrics.GatewayCallback("duplicate")
			return nil
		}
		return err
	}

	p.Apply(res)
	s.metrics.GatewayCallback("completed")
	s.logger.Info("payment completed",
		"checkout_request_id", p.CheckoutRequestID,
		"receipt", res.Receipt,
		"account_id", p.AccountID,
		"amount", p.Amount.String(),
	)
	s.publish(ctx, events.EventPaymentCompleted, p)
	return nil
}

func (s *Service) publish(ctx context.Context, eventType string, p *Payment) {
	if s.publisher == nil {
		return
	}
	data := events.PaymentResolvedData{
		PaymentID:         p.ID,
		CheckoutRequestID: p.CheckoutRequestID,
		AccountID:         p.AccountID,
		Phone:             p.Phone,
		AmountMinor:       p.Amount.AmountMinor,
		Currency:          string(p.Amount.Currency),
		Receipt:           p.Receipt,
		ResultDesc:        p.ResultDesc,
		Purpose:           p.Purpose,
		PurposeRef:        p.PurposeRef,
	}
	if p.ResultCode != nil {
		data.ResultCode = *p.ResultCode
	}
	evt, err := events.NewEvent(eventType, events.AggregatePayment, p.ID, data)
	if err != nil {
		s.logger.Error("failed to build payment event", "error", err, "payment_id", p.ID)
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Error("failed to publish payment event", "error", err, "payment_id", p.ID)
	}
}

func accountReference(purpose, ref string) string {
	if purpose == events.PurposeEscrow && ref != "" {
		return "ESC" + strings.ToUpper(strings.ReplaceAll(ref, "-", ""))
	}
	return "WALLET"
}

func description(purpose string) string {
	if purpose == events.PurposeEscrow {
		return "Escrow pay"
	}
	return "Wallet topup"
}
