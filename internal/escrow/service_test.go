package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowledger/internal/auth"
	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/clock"
	"escrowledger/internal/common/events"
	"escrowledger/internal/common/money"
	"escrowledger/internal/escrow/domain"
	"escrowledger/internal/escrow/store"
	"escrowledger/internal/wallet"
	walletdomain "escrowledger/internal/wallet/domain"
	walletstore "escrowledger/internal/wallet/store"
)

type roleBook struct {
	mu       sync.Mutex
	promoted []string
}

func (r *roleBook) PromoteToMerchant(_ context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promoted = append(r.promoted, accountID)
	return nil
}

type fakeFunding struct {
	err   error
	calls []money.Money
}

func (f *fakeFunding) RequestFunding(_ context.Context, _, _ string, amount money.Money, purpose, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if purpose != events.PurposeEscrow {
		return "", errors.New("unexpected purpose")
	}
	f.calls = append(f.calls, amount)
	return "ws_CO_0001", nil
}

type fixture struct {
	svc      *Service
	wallets  *wallet.Service
	ledger   *wallet.Engine
	wstore   *walletstore.Memory
	recorder *events.Recorder
	roles    *roleBook
	funding  *fakeFunding

	buyer    auth.Actor
	merchant auth.Actor
	admin    auth.Actor
	listing  *domain.Listing
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	rec := &events.Recorder{}

	ws := walletstore.NewMemory()
	engine := wallet.NewEngine(ws, rec, nil, clk, logger)
	require.NoError(t, engine.EnsureSystemWallets(ctx, money.KES))
	wallets, err := wallet.NewService(ws, engine, nil, rec, wallet.Config{Currency: money.KES, TransferFee: "5.00"}, logger)
	require.NoError(t, err)

	f := &fixture{
		wallets:  wallets,
		ledger:   engine,
		wstore:   ws,
		recorder: rec,
		roles:    &roleBook{},
		funding:  &fakeFunding{},
		buyer:    auth.Actor{AccountID: "buyer-1", Role: auth.RoleCustomer},
		merchant: auth.Actor{AccountID: "merchant-1", Role: auth.RoleCustomer},
		admin:    auth.Actor{AccountID: "admin-1", Role: auth.RoleAdmin},
	}
	f.svc, err = NewService(Deps{
		Store:     store.NewMemory(),
		Ledger:    engine,
		Wallets:   wallets,
		Funding:   f.funding,
		Roles:     f.roles,
		Publisher: rec,
		Clock:     clk,
		Logger:    logger,
	}, Config{FeeRate: "0.05"})
	require.NoError(t, err)

	for _, id := range []string{"buyer-1", "merchant-1"} {
		_, err := wallets.OpenWallet(ctx, id)
		require.NoError(t, err)
	}

	_, err = f.svc.Onboard(ctx, f.merchant, "Fix-It Plumbing")
	require.NoError(t, err)
	f.listing, err = f.svc.CreateListing(ctx, f.merchant, "Plumbing repair", "", kes("1000.00"))
	require.NoError(t, err)
	return f
}

func (f *fixture) fund(t *testing.T, ownerID, amount string) {
	t.Helper()
	w, err := f.wallets.WalletFor(context.Background(), ownerID)
	require.NoError(t, err)
	_, err = f.ledger.Deposit(context.Background(), w.ID, kes(amount))
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, ownerID string) money.Money {
	t.Helper()
	w, err := f.wallets.WalletFor(context.Background(), ownerID)
	require.NoError(t, err)
	return w.BalanceMoney()
}

func (f *fixture) system(t *testing.T, label walletdomain.Label) money.Money {
	t.Helper()
	w, err := f.wstore.GetSystemWallet(context.Background(), label, money.KES)
	require.NoError(t, err)
	return w.BalanceMoney()
}

func (f *fixture) initiate(t *testing.T) *domain.Escrow {
	t.Helper()
	e, err := f.svc.Initiate(context.Background(), f.buyer, f.listing.ID)
	require.NoError(t, err)
	return e
}

func kes(s string) money.Money { return money.MustParse(s, money.KES) }

func TestInitiateAndPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "buyer-1", "2000.00")

	e := f.initiate(t)
	assert.Equal(t, kes("50.00"), e.PlatformFee)
	assert.Equal(t, kes("1050.00"), e.TotalToPay)
	assert.Equal(t, domain.StatusCreated, e.Status)

	paid, err := f.svc.Pay(ctx, f.buyer, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, paid.Status)
	assert.NotEmpty(t, paid.PaymentRef)
	assert.NotNil(t, paid.PaidAt)

	assert.Equal(t, kes("950.00"), f.balance(t, "buyer-1"))
	assert.Equal(t, kes("1050.00"), f.system(t, walletdomain.LabelEscrowHold))

	_, err = f.svc.Pay(ctx, f.buyer, e.ID)
	assert.True(t, apperr.Is(err, apperr.InvalidState))
	assert.Equal(t, kes("950.00"), f.balance(t, "buyer-1"))
}

func TestPayByNonOwner(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "merchant-1", "2000.00")
	e := f.initiate(t)

	_, err := f.svc.Pay(context.Background(), f.merchant, e.ID)
	assert.True(t, apperr.Is(err, apperr.InvalidState))
	assert.Equal(t, kes("2000.00"), f.balance(t, "merchant-1"))

	got, err := f.svc.Get(context.Background(), f.buyer, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, got.Status)
}

func TestPayInsufficientFundsLeavesEscrowCreated(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer-1", "1049.99")
	e := f.initiate(t)

	_, err := f.svc.Pay(context.Background(), f.buyer, e.ID)
	assert.True(t, apperr.Is(err, apperr.InsufficientFunds))

	got, err := f.svc.Get(context.Background(), f.buyer, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, got.Status)
	assert.Equal(t, kes("1049.99"), f.balance(t, "buyer-1"))
}

func TestConcurrentPaysDebitOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer-1", "5000.00")
	e := f.initiate(t)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
		invalid atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Pay(context.Background(), f.buyer, e.ID)
			switch {
			case err == nil:
				success.Add(1)
			case apperr.Is(err, apperr.InvalidState):
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
	assert.Equal(t, int32(19), invalid.Load())
	assert.Equal(t, kes("3950.00"), f.balance(t, "buyer-1"))
	assert.Equal(t, kes("1050.00"), f.system(t, walletdomain.LabelEscrowHold))
}

func TestDeliverAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "buyer-1", "1050.00")
	e := f.initiate(t)
	_, err := f.svc.Pay(ctx, f.buyer, e.ID)
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, f.buyer, e.ID)
	assert.True(t, apperr.Is(err, apperr.InvalidState))

	_, err = f.svc.Deliver(ctx, f.buyer, e.ID)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))

	delivered, err := f.svc.Deliver(ctx, f.merchant, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusServiceDelivered, delivered.Status)

	done, err := f.svc.Complete(ctx, f.buyer, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.NotEmpty(t, done.SettlementRef)

	assert.Equal(t, kes("0.00"), f.balance(t, "buyer-1"))
	assert.Equal(t, kes("1000.00"), f.balance(t, "merchant-1"))
	assert.Equal(t, kes("50.00"), f.system(t, walletdomain.LabelRevenue))
	assert.True(t, f.system(t, walletdomain.LabelEscrowHold).IsZero())

	_, err = f.svc.Refund(ctx, f.admin, e.ID)
	assert.True(t, apperr.Is(err, apperr.InvalidState))
}

func TestDisputeThenRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "buyer-1", "2000.00")
	e := f.initiate(t)
	_, err := f.svc.Pay(ctx, f.buyer, e.ID)
	require.NoError(t, err)

	_, err = f.svc.Dispute(ctx, f.buyer, e.ID, "  ")
	assert.True(t, apperr.Is(err, apperr.Validation))

	disputed, err := f.svc.Dispute(ctx, f.buyer, e.ID, "plumber never arrived")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDisputed, disputed.Status)
	assert.Equal(t, "plumber never arrived", disputed.DisputeReason)

	_, err = f.svc.Complete(ctx, f.buyer, e.ID)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))

	_, err = f.svc.Refund(ctx, f.buyer, e.ID)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))

	refunded, err := f.svc.Refund(ctx, f.admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, refunded.Status)
	assert.NotNil(t, refunded.ClosedAt)

	assert.Equal(t, kes("2000.00"), f.balance(t, "buyer-1"))
	assert.True(t, f.system(t, walletdomain.LabelEscrowHold).IsZero())
	assert.True(t, f.system(t, walletdomain.LabelRevenue).IsZero())
}

func TestAdminSettlesDisputeForMerchant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "buyer-1", "1050.00")
	e := f.initiate(t)
	_, err := f.svc.Pay(ctx, f.buyer, e.ID)
	require.NoError(t, err)
	_, err = f.svc.Dispute(ctx, f.merchant, e.ID, "buyer unreachable")
	require.NoError(t, err)

	done, err := f.svc.Complete(ctx, f.admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, kes("1000.00"), f.balance(t, "merchant-1"))
}

func TestMerchantVoluntaryRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "buyer-1", "1050.00")
	e := f.initiate(t)
	_, err := f.svc.Pay(ctx, f.buyer, e.ID)
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, f.merchant, e.ID)
	require.NoError(t, err)
	assert.Equal(t, kes("1050.00"), f.balance(t, "buyer-1"))
}

func TestHistoryScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := auth.Actor{AccountID: "buyer-2", Role: auth.RoleCustomer}

	first := f.initiate(t)
	_, err := f.svc.Initiate(ctx, other, f.listing.ID)
	require.NoError(t, err)

	own, err := f.svc.History(ctx, f.buyer, 0, 0)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, first.ID, own[0].ID)

	sold, err := f.svc.History(ctx, auth.Actor{AccountID: "merchant-1", Role: auth.RoleMerchant}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, sold, 2)

	all, err := f.svc.History(ctx, f.admin, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.Get(ctx, other, first.ID)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))
}

func TestCheckoutThenGatewayConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.initiate(t)

	pending, err := f.svc.Checkout(ctx, f.buyer, e.ID, "0712345678")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingPayment, pending.Status)
	assert.Equal(t, "ws_CO_0001", pending.FundingRef)
	require.Len(t, f.funding.calls, 1)
	assert.Equal(t, kes("1050.00"), f.funding.calls[0])

	// The gateway credits the wallet before announcing the payment.
	f.fund(t, "buyer-1", "1050.00")
	evt, err := events.NewEvent(events.EventPaymentCompleted, events.AggregatePayment, "payment-1", events.PaymentResolvedData{
		CheckoutRequestID: "ws_CO_0001",
		AccountID:         "buyer-1",
		Purpose:           events.PurposeEscrow,
		PurposeRef:        e.ID,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Handle(ctx, evt))

	got, err := f.svc.Get(ctx, f.buyer, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, got.Status)
	assert.True(t, f.balance(t, "buyer-1").IsZero())

	// A redelivered event is ignored.
	require.NoError(t, f.svc.Handle(ctx, evt))
	assert.Equal(t, kes("1050.00"), f.system(t, walletdomain.LabelEscrowHold))
}

func TestCheckoutGatewayFailureKeepsEscrowCreated(t *testing.T) {
	f := newFixture(t)
	f.funding.err = apperr.New(apperr.GatewayUnavailable, "gateway", "payment gateway unavailable")
	e := f.initiate(t)

	_, err := f.svc.Checkout(context.Background(), f.buyer, e.ID, "0712345678")
	assert.True(t, apperr.Is(err, apperr.GatewayUnavailable))

	got, err := f.svc.Get(context.Background(), f.buyer, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, got.Status)
}

func TestStatusEventsPublished(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer-1", "1050.00")
	e := f.initiate(t)
	_, err := f.svc.Pay(context.Background(), f.buyer, e.ID)
	require.NoError(t, err)

	evts := f.recorder.OfType(events.EventEscrowStatusChanged)
	require.Len(t, evts, 2)

	var data events.EscrowStatusChangedData
	require.NoError(t, evts[1].DecodeData(&data))
	assert.Equal(t, string(domain.StatusCreated), data.From)
	assert.Equal(t, string(domain.StatusPaid), data.To)
	assert.NotEmpty(t, data.Reference)
}

func TestMerchantPortal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, []string{"merchant-1"}, f.roles.promoted)

	_, err := f.svc.Onboard(ctx, f.merchant, "Again")
	assert.True(t, apperr.Is(err, apperr.Conflict))

	_, err = f.svc.CreateListing(ctx, f.buyer, "Not a merchant", "", kes("10.00"))
	assert.True(t, apperr.Is(err, apperr.Unauthorized))

	_, err = f.svc.Initiate(ctx, f.merchant, f.listing.ID)
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = f.svc.SetListingActive(ctx, f.buyer, f.listing.ID, false)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))

	off, err := f.svc.SetListingActive(ctx, f.merchant, f.listing.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Active)

	active, err := f.svc.ActiveListings(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, active)

	mine, err := f.svc.MyListings(ctx, f.merchant, 0, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	_, err = f.svc.Initiate(ctx, f.buyer, f.listing.ID)
	assert.True(t, apperr.Is(err, apperr.Validation))
}
