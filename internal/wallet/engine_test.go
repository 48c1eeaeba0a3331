package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/clock"
	"escrowledger/internal/common/events"
	"escrowledger/internal/common/money"
	"escrowledger/internal/wallet/domain"
	"escrowledger/internal/wallet/store"
)

type fixture struct {
	store    Store
	mem      *store.Memory
	engine   *Engine
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	f := newFixtureWith(t, mem)
	f.mem = mem
	return f
}

func newFixtureWith(t *testing.T, st Store) *fixture {
	t.Helper()
	rec := &events.Recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := NewEngine(st, rec, nil, clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)), logger)
	require.NoError(t, eng.EnsureSystemWallets(context.Background(), money.KES))
	return &fixture{store: st, engine: eng, recorder: rec}
}

func (f *fixture) wallet(t *testing.T, balance string) *domain.Wallet {
	t.Helper()
	w := &domain.Wallet{ID: uuid.NewString(), OwnerID: uuid.NewString(), Currency: money.KES}
	require.NoError(t, f.store.CreateWallet(context.Background(), w))
	if balance != "" {
		_, err := f.engine.Deposit(context.Background(), w.ID, money.MustParse(balance, money.KES))
		require.NoError(t, err)
	}
	return w
}

func (f *fixture) balance(t *testing.T, id string) money.Money {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), id)
	require.NoError(t, err)
	return w.BalanceMoney()
}

func (f *fixture) system(t *testing.T, label domain.Label) *domain.Wallet {
	t.Helper()
	w, err := f.store.GetSystemWallet(context.Background(), label, money.KES)
	require.NoError(t, err)
	return w
}

func kes(s string) money.Money { return money.MustParse(s, money.KES) }

func TestDepositAndPurchase(t *testing.T) {
	f := newFixture(t)
	w := f.wallet(t, "")
	ctx := context.Background()

	g, err := f.engine.Deposit(ctx, w.ID, kes("250.00"))
	require.NoError(t, err)
	assert.Equal(t, domain.GroupDeposit, g.Kind)
	require.Len(t, g.Entries, 2)
	assert.True(t, g.Entries[0].IsExternal())
	assert.Equal(t, kes("250.00"), f.balance(t, w.ID))

	_, err = f.engine.Purchase(ctx, w.ID, kes("100.00"))
	require.NoError(t, err)
	assert.Equal(t, kes("150.00"), f.balance(t, w.ID))

	_, err = f.engine.Purchase(ctx, w.ID, kes("150.01"))
	assert.True(t, apperr.Is(err, apperr.InsufficientFunds))
	assert.Equal(t, kes("150.00"), f.balance(t, w.ID))
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	f := newFixture(t)
	w := f.wallet(t, "10.00")
	ctx := context.Background()

	_, err := f.engine.Deposit(ctx, w.ID, money.Zero(money.KES))
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = f.engine.Purchase(ctx, w.ID, kes("-1.00"))
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestDepositUnknownWallet(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Deposit(context.Background(), uuid.NewString(), kes("1.00"))
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestTransferLegs(t *testing.T) {
	f := newFixture(t)
	sender := f.wallet(t, "500.00")
	recipient := f.wallet(t, "")
	revenue := f.system(t, domain.LabelRevenue)

	g, err := f.engine.Transfer(context.Background(), sender.ID, recipient.ID, kes("100.00"), kes("5.00"))
	require.NoError(t, err)

	require.Len(t, g.Entries, 4)
	suffixes := map[string]int64{}
	for _, e := range g.Entries {
		suffixes[e.Reference[len(g.Reference):]] = e.Amount.AmountMinor
	}
	assert.Equal(t, map[string]int64{"-OUT": -10000, "-FEE": -500, "-IN": 10000, "-REV": 500}, suffixes)

	assert.Equal(t, kes("395.00"), f.balance(t, sender.ID))
	assert.Equal(t, kes("100.00"), f.balance(t, recipient.ID))
	assert.Equal(t, kes("5.00"), f.balance(t, revenue.ID))
}

func TestTransferZeroFee(t *testing.T) {
	f := newFixture(t)
	sender := f.wallet(t, "100.00")
	recipient := f.wallet(t, "")

	g, err := f.engine.Transfer(context.Background(), sender.ID, recipient.ID, kes("100.00"), money.Zero(money.KES))
	require.NoError(t, err)
	assert.Len(t, g.Entries, 2)
	assert.True(t, f.balance(t, sender.ID).IsZero())
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t)
	w := f.wallet(t, "100.00")
	other := f.wallet(t, "")
	ctx := context.Background()

	_, err := f.engine.Transfer(ctx, w.ID, w.ID, kes("1.00"), kes("0.00"))
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = f.engine.Transfer(ctx, w.ID, other.ID, kes("1.00"), kes("-1.00"))
	assert.True(t, apperr.Is(err, apperr.Validation))

	// The fee counts toward the sender's available balance.
	_, err = f.engine.Transfer(ctx, w.ID, other.ID, kes("96.00"), kes("5.00"))
	assert.True(t, apperr.Is(err, apperr.InsufficientFunds))
	assert.Equal(t, kes("100.00"), f.balance(t, w.ID))
	assert.True(t, f.balance(t, other.ID).IsZero())
}

func TestHookFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	w := f.wallet(t, "")
	before := len(f.mem.EntriesFor(w.ID))
	boom := errors.New("callback already resolved")

	_, err := f.engine.Deposit(context.Background(), w.ID, kes("10.00"),
		WithHook(func(ctx context.Context, g *domain.Group) error { return boom }))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.True(t, f.balance(t, w.ID).IsZero())
	assert.Len(t, f.mem.EntriesFor(w.ID), before)
	assert.Empty(t, f.recorder.OfType(events.EventWalletGroupCommitted))
}

func TestHookErrorKindIsPreserved(t *testing.T) {
	f := newFixture(t)
	w := f.wallet(t, "50.00")

	_, err := f.engine.EscrowPay(context.Background(), w.ID, kes("10.00"),
		WithHook(func(ctx context.Context, g *domain.Group) error {
			return apperr.New(apperr.InvalidState, "escrow.Pay", "escrow already paid")
		}))
	assert.True(t, apperr.Is(err, apperr.InvalidState))
	assert.Equal(t, kes("50.00"), f.balance(t, w.ID))
}

func TestHookNotRunOnInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	w := f.wallet(t, "5.00")
	ran := false

	_, err := f.engine.EscrowPay(context.Background(), w.ID, kes("10.00"),
		WithHook(func(ctx context.Context, g *domain.Group) error { ran = true; return nil }))
	assert.True(t, apperr.Is(err, apperr.InsufficientFunds))
	assert.False(t, ran)
}

func TestEscrowPayReleaseRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.wallet(t, "2000.00")
	merchant := f.wallet(t, "")
	hold := f.system(t, domain.LabelEscrowHold)
	revenue := f.system(t, domain.LabelRevenue)

	_, err := f.engine.EscrowPay(ctx, buyer.ID, kes("1050.00"))
	require.NoError(t, err)
	assert.Equal(t, kes("950.00"), f.balance(t, buyer.ID))
	assert.Equal(t, kes("1050.00"), f.balance(t, hold.ID))

	g, err := f.engine.EscrowRelease(ctx, merchant.ID, kes("1000.00"), kes("50.00"))
	require.NoError(t, err)
	assert.Len(t, g.Entries, 3)
	assert.Equal(t, kes("1000.00"), f.balance(t, merchant.ID))
	assert.Equal(t, kes("50.00"), f.balance(t, revenue.ID))
	assert.True(t, f.balance(t, hold.ID).IsZero())

	_, err = f.engine.EscrowPay(ctx, buyer.ID, kes("525.00"))
	require.NoError(t, err)
	_, err = f.engine.EscrowRefund(ctx, buyer.ID, kes("525.00"))
	require.NoError(t, err)
	assert.Equal(t, kes("950.00"), f.balance(t, buyer.ID))
	assert.True(t, f.balance(t, hold.ID).IsZero())

	// Nothing left in the hold wallet to refund.
	_, err = f.engine.EscrowRefund(ctx, buyer.ID, kes("1.00"))
	assert.True(t, apperr.Is(err, apperr.InsufficientFunds))
}

func TestConcurrentFullBalanceTransfersOnlyOneSucceeds(t *testing.T) {
	fullBalanceRace(t, newFixture(t))
}

// fullBalanceRace drains one wallet from many goroutines and returns it.
func fullBalanceRace(t *testing.T, f *fixture) *domain.Wallet {
	t.Helper()
	sender := f.wallet(t, "100.00")

	const n = 25
	recipients := make([]*domain.Wallet, n)
	for i := range recipients {
		recipients[i] = f.wallet(t, "")
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(to string) {
			defer wg.Done()
			_, err := f.engine.Transfer(context.Background(), sender.ID, to, kes("100.00"), money.Zero(money.KES))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if apperr.Is(err, apperr.InsufficientFunds) {
				rejected++
			}
		}(recipients[i].ID)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, rejected)
	assert.True(t, f.balance(t, sender.ID).IsZero())
	return sender
}

func TestConservationUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const walletsN, each = 8, "100.00"
	ws := make([]*domain.Wallet, walletsN)
	for i := range ws {
		ws[i] = f.wallet(t, each)
	}
	revenue := f.system(t, domain.LabelRevenue)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := ws[i%walletsN]
			to := ws[(i*3+1)%walletsN]
			if from.ID == to.ID {
				return
			}
			_, _ = f.engine.Transfer(ctx, from.ID, to.ID, kes("7.00"), kes("0.50"))
		}(i)
	}
	wg.Wait()

	total := money.Zero(money.KES)
	for _, w := range ws {
		b := f.balance(t, w.ID)
		assert.False(t, b.IsNegative())
		total = total.MustAdd(b)

		// Balance equals the sum of the wallet's entries.
		sum := money.Zero(money.KES)
		for _, e := range f.mem.EntriesFor(w.ID) {
			sum = sum.MustAdd(e.Amount)
		}
		assert.Equal(t, b, sum)
	}
	total = total.MustAdd(f.balance(t, revenue.ID))
	assert.Equal(t, kes("800.00"), total)
}

func TestStatementNewestFirst(t *testing.T) {
	f := newFixture(t)
	w := f.wallet(t, "")
	ctx := context.Background()

	for _, a := range []string{"1.00", "2.00", "3.00"} {
		_, err := f.engine.Deposit(ctx, w.ID, kes(a))
		require.NoError(t, err)
	}

	entries, err := f.store.ListEntries(ctx, w.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, kes("3.00"), entries[0].Amount)
	assert.Equal(t, kes("2.00"), entries[1].Amount)
	require.NotNil(t, entries[0].BalanceAfter)
	assert.Equal(t, int64(600), *entries[0].BalanceAfter)
}

func TestCommittedGroupEvent(t *testing.T) {
	f := newFixture(t)
	sender := f.wallet(t, "50.00")
	recipient := f.wallet(t, "")

	g, err := f.engine.Transfer(context.Background(), sender.ID, recipient.ID, kes("10.00"), kes("1.00"))
	require.NoError(t, err)

	evts := f.recorder.OfType(events.EventWalletGroupCommitted)
	last := evts[len(evts)-1]
	var data events.GroupCommittedData
	require.NoError(t, last.DecodeData(&data))
	assert.Equal(t, g.Reference, data.Reference)
	assert.Len(t, data.Legs, 4)
	for _, leg := range data.Legs {
		if leg.WalletID == recipient.ID {
			assert.Equal(t, recipient.OwnerID, leg.OwnerID)
		}
	}
}
