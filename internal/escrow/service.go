package escrow

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowledger/internal/auth"
	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/clock"
	"escrowledger/internal/common/database"
	"escrowledger/internal/common/events"
	"escrowledger/internal/common/metrics"
	"escrowledger/internal/common/money"
	"escrowledger/internal/common/phone"
	"escrowledger/internal/escrow/domain"
	"escrowledger/internal/wallet"
	walletdomain "escrowledger/internal/wallet/domain"
)

// Config holds escrow configuration
type Config struct {
	FeeRate string `envconfig:"ESCROW_FEE_RATE" default:"0.05"`
}

// Store is the escrow persistence
type Store interface {
	CreateMerchant(ctx context.Context, m *domain.Merchant) error
	GetMerchant(ctx context.Context, accountID string) (*domain.Merchant, error)
	CreateListing(ctx context.Context, l *domain.Listing) error
	GetListing(ctx context.Context, id string) (*domain.Listing, error)
	SetListingActive(ctx context.Context, l *domain.Listing) error
	ListListings(ctx context.Context, f domain.ListingFilter) ([]*domain.Listing, error)
	CreateEscrow(ctx context.Context, e *domain.Escrow) error
	GetEscrow(ctx context.Context, id string) (*domain.Escrow, error)
	GetEscrowByFundingRef(ctx context.Context, ref string) (*domain.Escrow, error)
	UpdateEscrow(ctx context.Context, e *domain.Escrow, from domain.Status) error
	ListEscrows(ctx context.Context, scope domain.Scope, limit, offset int) ([]*domain.Escrow, error)
}

// Ledger moves escrow money. Implemented by *wallet.Engine.
type Ledger interface {
	EscrowPay(ctx context.Context, buyerWalletID string, total money.Money, opts ...wallet.Option) (*walletdomain.Group, error)
	EscrowRelease(ctx context.Context, merchantWalletID string, payout, fee money.Money, opts ...wallet.Option) (*walletdomain.Group, error)
	EscrowRefund(ctx context.Context, buyerWalletID string, total money.Money, opts ...wallet.Option) (*walletdomain.Group, error)
}

// Wallets resolves an account's wallet. Implemented by *wallet.Service.
type Wallets interface {
	WalletFor(ctx context.Context, ownerID string) (*walletdomain.Wallet, error)
}

// Funding raises a mobile-money push that tops up the buyer's wallet and
// returns the gateway's checkout reference.
type Funding interface {
	RequestFunding(ctx context.Context, accountID, phone string, amount money.Money, purpose, purposeRef string) (string, error)
}

// Roles grants the merchant role on onboarding.
type Roles interface {
	PromoteToMerchant(ctx context.Context, accountID string) error
}

// Service runs the escrow lifecycle and the merchant portal.
type Service struct {
	store     Store
	ledger    Ledger
	wallets   Wallets
	funding   Funding
	roles     Roles
	publisher events.Publisher
	metrics   *metrics.Metrics
	clock     clock.Clock
	feeRate   decimal.Decimal
	logger    *slog.Logger
}

// Deps bundles the collaborators of the escrow service
type Deps struct {
	Store     Store
	Ledger    Ledger
	Wallets   Wallets
	Funding   Funding
	Roles     Roles
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    *slog.Logger
}

// NewService creates an escrow service
func NewService(deps Deps, cfg Config) (*Service, error) {
	rate, err := decimal.NewFromString(cfg.FeeRate)
	if err != nil {
		return nil, err
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, errors.New("escrow fee rate must be in [0, 1)")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{
		store:     deps.Store,
		ledger:    deps.Ledger,
		wallets:   deps.Wallets,
		funding:   deps.Funding,
		roles:     deps.Roles,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		clock:     clk,
		feeRate:   rate,
		logger:    deps.Logger,
	}, nil
}

// FeeRate returns the platform commission rate
func (s *Service) FeeRate() decimal.Decimal {
	return s.feeRate
}

// Initiate opens an escrow for a listing. Nothing moves until Pay.
func (s *Service) Initiate(ctx context.Context, actor auth.Actor, listingID string) (*domain.Escrow, error) {
	const op = "escrow.Initiate"

	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, op, "listing not found")
		}
		return nil, apperr.Wrap(apperr.Internal, op, "loading listing", err)
	}
	if !listing.Active {
		return nil, apperr.New(apperr.Validation, op, "listing is not available")
	}
	if listing.MerchantID == actor.AccountID {
		return nil, apperr.New(apperr.Validation, op, "merchants cannot buy their own listings")
	}

	e, err := domain.NewEscrow(uuid.NewString(), actor.AccountID, listing, s.feeRate, s.clock.Now())
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, op, err.Error(), err)
	}
	if err := s.store.CreateEscrow(ctx, e); err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, "creating escrow", err)
	}

	s.logger.Info("escrow created",
		"escrow_id", e.ID,
		"buyer_id", e.BuyerID,
		"merchant_id", e.MerchantID,
		"total", e.TotalToPay.String(),
	)
	s.changed(ctx, actor.AccountID, "", e, "")
	return e, nil
}

// Checkout raises an STK push for the escrow total, rounded up to whole
// units, into the buyer's wallet. The escrow is paid automatically once the
// gateway confirms the deposit.
func (s *Service) Checkout(ctx context.Context, actor auth.Actor, id, buyerPhone string) (*domain.Escrow, error) {
	const op = "escrow.Checkout"

	p, err := phone.Normalize(buyerPhone)
	if err != nil {
		return nil, apperr.New(apperr.Validation, op, "invalid phone number")
	}
	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.BuyerID != actor.AccountID {
		return nil, apperr.New(apperr.InvalidState, op, "escrow is not payable by this account")
	}
	if e.Status != domain.StatusCreated && e.Status != domain.StatusAwaitingPayment {
		return nil, invalidState(op, e.Status)
	}
	if s.funding == nil {
		return nil, apperr.New(apperr.GatewayUnavailable, op, "mobile money checkout is not available")
	}

	ref, err := s.funding.RequestFunding(ctx, e.BuyerID, p, e.TotalToPay.CeilWhole(), events.PurposeEscrow, e.ID)
	if err != nil {
		return nil, err
	}

	from := e.Status
	next := *e
	if from == domain.StatusCreated {
		if err := next.Transition(domain.StatusAwaitingPayment, s.clock.Now()); err != nil {
			return nil, invalidState(op, from)
		}
	}
	next.FundingRef = ref
	next.UpdatedAt = s.clock.Now()
	if err := s.update(ctx, op, &next, from); err != nil {
		return nil, err
	}
	if from != next.Status {
		s.changed(ctx, actor.AccountID, from, &next, ref)
	}
	return &next, nil
}

// Pay debits the buyer's wallet for the total and holds it in escrow.
func (s *Service) Pay(ctx context.Context, actor auth.Actor, id string) (*domain.Escrow, error) {
	const op = "escrow.Pay"

	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.BuyerID != actor.AccountID {
		return nil, apperr.New(apperr.InvalidState, op, "escrow is not payable by this account")
	}
	return s.pay(ctx, op, actor.AccountID, e)
}

func (s *Service) pay(ctx context.Context, op, actorID string, e *domain.Escrow) (*domain.Escrow, error) {
	if !domain.CanTransition(e.Status, domain.StatusPaid) {
		return nil, invalidState(op, e.Status)
	}
	w, err := s.wallets.WalletFor(ctx, e.BuyerID)
	if err != nil {
		return nil, err
	}

	var next domain.Escrow
	g, err := s.ledger.EscrowPay(ctx, w.ID, e.TotalToPay,
		wallet.WithDescription("Escrow payment: "+e.ListingName),
		wallet.WithHook(s.moveWith(op, e, domain.StatusPaid, &next, func(n *domain.Escrow, g *walletdomain.Group) {
			n.PaymentRef = g.Reference
		})),
	)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, actorID, e.Status, &next, g.Reference)
	return &next, nil
}

// Deliver marks the service as delivered. Merchant only.
func (s *Service) Deliver(ctx context.Context, actor auth.Actor, id string) (*domain.Escrow, error) {
	const op = "escrow.Deliver"

	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.MerchantID != actor.AccountID {
		return nil, apperr.New(apperr.Unauthorized, op, "only the merchant can mark delivery")
	}
	return s.move(ctx, op, actor.AccountID, e, domain.StatusServiceDelivered, nil)
}

// Complete releases the held money: the merchant receives the payout and the
// platform keeps the fee. Buyer, or an administrator settling a dispute.
func (s *Service) Complete(ctx context.Context, actor auth.Actor, id string) (*domain.Escrow, error) {
	const op = "escrow.Complete"

	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.BuyerID != actor.AccountID && !actor.IsAdmin() {
		return nil, apperr.New(apperr.Unauthorized, op, "only the buyer can confirm completion")
	}
	if e.Status == domain.StatusDisputed && !actor.IsAdmin() {
		return nil, apperr.New(apperr.Unauthorized, op, "disputed escrows are settled by an administrator")
	}
	if !domain.CanTransition(e.Status, domain.StatusCompleted) {
		return nil, invalidState(op, e.Status)
	}

	w, err := s.wallets.WalletFor(ctx, e.MerchantID)
	if err != nil {
		return nil, err
	}

	var next domain.Escrow
	g, err := s.ledger.EscrowRelease(ctx, w.ID, e.MerchantPayout, e.PlatformFee,
		wallet.WithDescription("Escrow release: "+e.ListingName),
		wallet.WithHook(s.moveWith(op, e, domain.StatusCompleted, &next, func(n *domain.Escrow, g *walletdomain.Group) {
			n.SettlementRef = g.Reference
		})),
	)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, actor.AccountID, e.Status, &next, g.Reference)
	return &next, nil
}

// Dispute freezes a held escrow until an administrator resolves it.
func (s *Service) Dispute(ctx context.Context, actor auth.Actor, id, reason string) (*domain.Escrow, error) {
	const op = "escrow.Dispute"

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.Validation, op, "a reason is required")
	}
	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actor.AccountID) {
		return nil, apperr.New(apperr.Unauthorized, op, "only the buyer or the merchant can raise a dispute")
	}
	return s.move(ctx, op, actor.AccountID, e, domain.StatusDisputed, func(n *domain.Escrow) {
		n.DisputeReason = reason
	})
}

// Refund returns exactly the held total to the buyer. Administrators, or the
// merchant voluntarily.
func (s *Service) Refund(ctx context.Context, actor auth.Actor, id string) (*domain.Escrow, error) {
	const op = "escrow.Refund"

	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.MerchantID != actor.AccountID && !actor.IsAdmin() {
		return nil, apperr.New(apperr.Unauthorized, op, "only the merchant or an administrator can refund")
	}
	if !domain.CanTransition(e.Status, domain.StatusRefunded) {
		return nil, invalidState(op, e.Status)
	}

	w, err := s.wallets.WalletFor(ctx, e.BuyerID)
	if err != nil {
		return nil, err
	}

	var next domain.Escrow
	g, err := s.ledger.EscrowRefund(ctx, w.ID, e.TotalToPay,
		wallet.WithDescription("Escrow refund: "+e.ListingName),
		wallet.WithHook(s.moveWith(op, e, domain.StatusRefunded, &next, func(n *domain.Escrow, g *walletdomain.Group) {
			n.SettlementRef = g.Reference
		})),
	)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, actor.AccountID, e.Status, &next, g.Reference)
	return &next, nil
}

// Get returns an escrow visible to the actor
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*domain.Escrow, error) {
	const op = "escrow.Get"

	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !e.IsParty(actor.AccountID) {
		return nil, apperr.New(apperr.Unauthorized, op, "not a party to this escrow")
	}
	return e, nil
}

// ScopeFor resolves which escrows an actor may list
func ScopeFor(actor auth.Actor) domain.Scope {
	switch actor.Role {
	case auth.RoleAdmin:
		return domain.All()
	case auth.RoleMerchant:
		return domain.ForMerchant(actor.AccountID)
	default:
		return domain.Own(actor.AccountID)
	}
}

// History lists the actor's escrows, newest first
func (s *Service) History(ctx context.Context, actor auth.Actor, limit, offset int) ([]*domain.Escrow, error) {
	out, err := s.store.ListEscrows(ctx, ScopeFor(actor), clampPage(limit), offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "escrow.History", "listing escrows", err)
	}
	return out, nil
}

// Handle pays escrows whose STK push has been confirmed. The deposit has
// already landed in the buyer's wallet, so a payment that can no longer be
// applied leaves the money there.
func (s *Service) Handle(ctx context.Context, evt *events.Event) error {
	const op = "escrow.FundingSettled"

	var data events.PaymentResolvedData
	if err := evt.DecodeData(&data); err != nil {
		return err
	}
	if data.Purpose != events.PurposeEscrow {
		return nil
	}

	log := s.logger.With("escrow_id", data.PurposeRef, "checkout_request_id", data.CheckoutRequestID)
	if evt.Type == events.EventPaymentFailed {
		log.Info("escrow checkout failed", "result_desc", data.ResultDesc)
		return nil
	}

	var e *domain.Escrow
	var err error
	if data.PurposeRef != "" {
		e, err = s.store.GetEscrow(ctx, data.PurposeRef)
	} else {
		e, err = s.store.GetEscrowByFundingRef(ctx, data.CheckoutRequestID)
	}
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			log.Warn("funded escrow not found")
			return nil
		}
		return err
	}
	if e.Status != domain.StatusAwaitingPayment {
		log.Info("escrow no longer awaiting payment", "status", e.Status)
		return nil
	}

	if _, err := s.pay(ctx, op, e.BuyerID, e); err != nil {
		switch apperr.KindOf(err) {
		case apperr.InvalidState, apperr.InsufficientFunds:
			log.Warn("escrow could not be paid from funded wallet", "error", err)
			return nil
		}
		return err
	}
	return nil
}

// EventTypes implements events.Handler
func (s *Service) EventTypes() []string {
	return []string{events.EventPaymentCompleted, events.EventPaymentFailed}
}

// move runs a transition that touches no money.
func (s *Service) move(ctx context.Context, op, actorID string, e *domain.Escrow, to domain.Status, mutate func(*domain.Escrow)) (*domain.Escrow, error) {
	next := *e
	if err := next.Transition(to, s.clock.Now()); err != nil {
		return nil, invalidState(op, e.Status)
	}
	if mutate != nil {
		mutate(&next)
	}
	if err := s.update(ctx, op, &next, e.Status); err != nil {
		return nil, err
	}
	s.changed(ctx, actorID, e.Status, &next, "")
	return &next, nil
}

// moveWith returns a ledger hook that persists the transition inside the
// group's unit of work, so the status and the money commit together.
func (s *Service) moveWith(op string, e *domain.Escrow, to domain.Status, next *domain.Escrow, record func(*domain.Escrow, *walletdomain.Group)) walletdomain.Hook {
	return func(ctx context.Context, g *walletdomain.Group) error {
		*next = *e
		if err := next.Transition(to, s.clock.Now()); err != nil {
			return invalidState(op, e.Status)
		}
		record(next, g)
		return s.update(ctx, op, next, e.Status)
	}
}

func (s *Service) update(ctx context.Context, op string, e *domain.Escrow, from domain.Status) error {
	err := s.store.UpdateEscrow(ctx, e, from)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrConflict):
		// Not wrapped: a lost status race must not be retried by the ledger.
		return apperr.New(apperr.InvalidState, op, "escrow was updated concurrently")
	case errors.Is(err, database.ErrNotFound):
		return apperr.New(apperr.NotFound, op, "escrow not found")
	}
	return apperr.Wrap(apperr.Internal, op, "updating escrow", err)
}

func (s *Service) load(ctx context.Context, op, id string) (*domain.Escrow, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, op, "escrow not found")
		}
		return nil, apperr.Wrap(apperr.Internal, op, "loading escrow", err)
	}
	return e, nil
}

func (s *Service) changed(ctx context.Context, actorID string, from domain.Status, e *domain.Escrow, ref string) {
	s.metrics.EscrowTransition(string(e.Status))
	s.logger.Info("escrow status changed",
		"escrow_id", e.ID,
		"from", from,
		"to", e.Status,
		"actor_id", actorID,
	)

	if s.publisher == nil {
		return
	}
	evt, err := events.NewEvent(events.EventEscrowStatusChanged, events.AggregateEscrow, e.ID, events.EscrowStatusChangedData{
		EscrowID:   e.ID,
		BuyerID:    e.BuyerID,
		MerchantID: e.MerchantID,
		From:       string(from),
		To:         string(e.Status),
		ActorID:    actorID,
		Reference:  ref,
	})
	if err != nil {
		s.logger.Error("failed to build escrow event", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish escrow event", "error", err, "escrow_id", e.ID)
	}
}

func invalidState(op string, status domain.Status) error {
	return apperr.Newf(apperr.InvalidState, op, "not allowed while escrow is %s", status)
}
