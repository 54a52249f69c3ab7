package query_test

import (
	"EscrowLedger/internal/ledger"
	fpmath "EscrowLedger/internal/math"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/query"
	"EscrowLedger/internal/state"
	"EscrowLedger/internal/transfer"
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queryFixture struct {
	store   *ledger.MemoryStore
	wallet  *transfer.SimulatedGateway
	alerter *observability.RecordingAlerter
	lm      *state.LockManager
	qs      *query.QueryService
}

func newQueryFixture(walletBalance int64) *queryFixture {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	f := &queryFixture{
		store:   ledger.NewMemoryStore(),
		wallet:  transfer.NewSimulatedGateway(walletBalance),
		alerter: &observability.RecordingAlerter{},
	}
	f.lm = state.NewLockManager(f.store, state.DefaultLockConfig(), clock, f.alerter, nil, zerolog.Nop())
	f.qs = query.NewQueryService(f.store, f.wallet, fpmath.AmountConfig, f.alerter, nil, clock, zerolog.Nop())
	return f
}

func TestGetBalance_RefundRaisesAvailable(t *testing.T) {
	f := newQueryFixture(1_000)
	ctx := context.Background()

	l, err := f.lm.CreateLock(ctx, state.CreateLockRequest{PlayerID: "p1", Amount: 400, DepositRef: "d1", PayoutAddress: "a1"})
	require.NoError(t, err)

	b, err := f.qs.GetBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), b.WalletBalance)
	assert.Equal(t, int64(400), b.HeldAmount)
	assert.Equal(t, int64(600), b.AvailableBalance)
	assert.True(t, b.CustodyOK)

	_, err = f.lm.Refund(ctx, l.ID, ledger.ReasonNoOpponentFound)
	require.NoError(t, err)

	b, err = f.qs.GetBalance(ctx)
	require.NoError(t, err)
	assert.Zero(t, b.HeldAmount)
	assert.Equal(t, int64(1_000), b.AvailableBalance, "available grows by the refunded stake")
	assert.Equal(t, int64(400), b.OwedAmount, "the refund transfer is still owed")
	assert.Equal(t, int64(600), b.FreeBalance)
	assert.Equal(t, "0.00000400", b.Owed)
}

func TestGetBalance_CustodyBreachAlarmsOnce(t *testing.T) {
	f := newQueryFixture(100)
	ctx := context.Background()

	_, err := f.lm.CreateLock(ctx, state.CreateLockRequest{PlayerID: "p1", Amount: 500, DepositRef: "d1", PayoutAddress: "a1"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		b, err := f.qs.GetBalance(ctx)
		require.NoError(t, err)
		assert.False(t, b.CustodyOK)
		assert.Equal(t, int64(-400), b.AvailableBalance)
	}
	assert.Equal(t, 1, f.alerter.Count(observability.AlarmCustody, "wallet"))

	// Funds arrive: the breach clears and a later breach alarms again.
	f.wallet.Deposit(1_000)
	b, err := f.qs.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, b.CustodyOK)
}

func TestGetStats_AllStatusesPresent(t *testing.T) {
	f := newQueryFixture(10_000)
	ctx := context.Background()

	for _, p := range []string{"p1", "p2", "p3"} {
		_, err := f.lm.CreateLock(ctx, state.CreateLockRequest{PlayerID: p, Amount: 100, DepositRef: "d-" + p, PayoutAddress: "a-" + p})
		require.NoError(t, err)
	}

	stats, err := f.qs.GetStats(ctx)
	require.NoError(t, err)
	assert.Len(t, stats.Locks, len(ledger.AllLockStatuses))
	assert.Len(t, stats.Payouts, len(ledger.AllPayoutStatuses))
	assert.Equal(t, int64(3), stats.Locks["PENDING"].Count)
	assert.Equal(t, int64(300), stats.Locks["PENDING"].Amount)
	assert.Zero(t, stats.Locks["RELEASED"].Count)
	assert.Zero(t, stats.Payouts["FAILED"].Count)
}

func TestLookups(t *testing.T) {
	f := newQueryFixture(10_000)
	ctx := context.Background()

	l, err := f.lm.CreateLock(ctx, state.CreateLockRequest{PlayerID: "p1", Amount: 150_000_000, DepositRef: "d1", PayoutAddress: "a1"})
	require.NoError(t, err)

	got, err := f.qs.GetLock(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.50000000", got.AmountDecimal)
	assert.Equal(t, "PENDING", got.Status)

	active, err := f.qs.GetActiveLock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, l.ID, active.LockID)

	_, err = f.qs.GetActiveLock(ctx, "nobody")
	assert.ErrorIs(t, err, ledger.ErrLockNotFound)

	_, err = f.qs.GetMatchPayout(ctx, "m-none")
	assert.ErrorIs(t, err, ledger.ErrPayoutNotFound)

	pending, err := f.qs.ListLocks(ctx, ledger.LockPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
