package account

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/database"
	"escrowledger/internal/common/database/dbtest"
	"escrowledger/internal/otp"
	walletdomain "escrowledger/internal/wallet/domain"
)

type brokenWallets struct{}

func (brokenWallets) OpenWallet(context.Context, string) (*walletdomain.Wallet, error) {
	return nil, errors.New("wallet store unavailable")
}

func newPostgresFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	return newFixtureWith(t, NewPostgresStore(db), otp.NewPostgresStore(db), db)
}

func TestPostgresRegisterStoresPendingAccount(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()

	a, err := f.svc.Register(ctx, testPhone, "Jane@Example.com", testPassword)
	require.NoError(t, err)

	got, err := f.store.GetByPhone(ctx, "254712345678")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, StatusPendingVerification, got.Status)
	assert.Equal(t, "jane@example.com", got.Email)
	assert.Nil(t, got.VerifiedAt)

	_, err = f.svc.Register(ctx, "+254712345678", "", testPassword)
	assert.True(t, apperr.Is(err, apperr.Conflict))

	verified, err := f.svc.VerifyPhone(ctx, testPhone, f.code(t, a.ID))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, verified.Status)

	got, err = f.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.NotNil(t, got.VerifiedAt)
}

func TestPostgresRegisterRollsBackWithoutWallet(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	f.svc.wallets = brokenWallets{}

	_, err := f.svc.Register(ctx, testPhone, "", testPassword)
	require.Error(t, err)

	_, err = f.store.GetByPhone(ctx, "254712345678")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestPostgresLoginFailureCounter(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	a := f.active(t)

	for want := 1; want <= 3; want++ {
		n, err := f.store.RecordLoginFailure(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	require.NoError(t, f.store.ResetLoginFailures(ctx, a.ID))

	got, err := f.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailedLogins)
}
