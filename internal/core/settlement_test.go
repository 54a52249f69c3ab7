package core_test

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/ledger"
	fpmath "EscrowLedger/internal/math"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/state"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type submitted struct {
	mu      sync.Mutex
	records []*ledger.PayoutRecord
}

func (s *submitted) Submit(p *ledger.PayoutRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, p)
}

func (s *submitted) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fixture struct {
	store   *ledger.MemoryStore
	clock   *clockwork.FakeClock
	alerter *observability.RecordingAlerter
	sink    *submitted
	lm      *state.LockManager
	engine  *core.SettlementEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   ledger.NewMemoryStore(),
		clock:   clockwork.NewFakeClockAt(start),
		alerter: &observability.RecordingAlerter{},
		sink:    &submitted{},
	}
	f.lm = state.NewLockManager(f.store, state.DefaultLockConfig(), f.clock, f.alerter, nil, zerolog.Nop())
	fees, err := fpmath.NewFeeCalculator(fpmath.DefaultRakePPM)
	require.NoError(t, err)
	f.engine = core.NewSettlementEngine(f.store, f.lm, fees, f.sink, f.alerter, nil, f.clock, zerolog.Nop())
	return f
}

// match creates and activates one lock per player at the given stake.
func (f *fixture) match(t *testing.T, matchID string, stake int64, players ...string) []*ledger.Lock {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, len(players))
	for _, p := range players {
		l, err := f.lm.CreateLock(ctx, state.CreateLockRequest{
			PlayerID: p, Amount: stake, DepositRef: "dep-" + matchID + "-" + p, PayoutAddress: "addr-" + p,
		})
		require.NoError(t, err)
		ids = append(ids, l.ID)
	}
	locks, err := f.lm.ActivateMatch(ctx, matchID, ids)
	require.NoError(t, err)
	return locks
}

// ============================================================================
// Test: Settle
// ============================================================================

func TestSettle_SplitsPot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.match(t, "m1", 50_000_000, "p1", "p2")

	res, err := f.engine.Settle(ctx, "m1", "p1")
	require.NoError(t, err)
	assert.False(t, res.AlreadySettled)
	assert.Equal(t, int64(100_000_000), res.Pot)
	assert.Equal(t, int64(3_500_000), res.Payout.Fee)
	assert.Equal(t, int64(96_500_000), res.Payout.Amount)
	assert.Equal(t, ledger.PayoutPending, res.Payout.Status)
	assert.Equal(t, "p1", res.Payout.WinnerID)
	assert.Equal(t, "addr-p1", res.Payout.Destination)
	assert.Equal(t, "payout:m1", res.Payout.IdempotencyKey)

	locks, err := f.store.ListLocksByMatch(ctx, "m1")
	require.NoError(t, err)
	for _, l := range locks {
		assert.Equal(t, ledger.LockReleased, l.Status)
	}
	held, _ := f.store.SumHeldAmount(ctx)
	assert.Zero(t, held)
	assert.Equal(t, 1, f.sink.Len())
}

func TestSettle_RedeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.match(t, "m1", 1_000, "p1", "p2")

	first, err := f.engine.Settle(ctx, "m1", "p2")
	require.NoError(t, err)
	outboxBefore := len(f.store.Outbox())

	second, err := f.engine.Settle(ctx, "m1", "p2")
	require.NoError(t, err)
	assert.True(t, second.AlreadySettled)
	assert.Equal(t, first.Payout.ID, second.Payout.ID)
	assert.Equal(t, first.Pot, second.Pot)
	assert.Len(t, f.store.Outbox(), outboxBefore)
	assert.Empty(t, f.alerter.Alerts())
}

func TestSettle_WinnerConflictAlarms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.match(t, "m1", 1_000, "p1", "p2")

	first, err := f.engine.Settle(ctx, "m1", "p1")
	require.NoError(t, err)

	_, err = f.engine.Settle(ctx, "m1", "p2")
	assert.ErrorIs(t, err, ledger.ErrWinnerConflict)
	assert.Equal(t, 1, f.alerter.Count(observability.AlarmWinnerConflict, "m1"))

	p, err := f.store.GetPayoutByMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, first.Payout.ID, p.ID)
	assert.Equal(t, "p1", p.WinnerID)
}

func TestSettle_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Settle(ctx, "", "p1")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = f.engine.Settle(ctx, "nope", "p1")
	assert.ErrorIs(t, err, ledger.ErrMatchNotFound)

	f.match(t, "m1", 1_000, "p1", "p2")
	_, err = f.engine.Settle(ctx, "m1", "stranger")
	assert.ErrorIs(t, err, ledger.ErrInvalidWinner)

	locks := f.match(t, "m2", 1_000, "p3", "p4")
	_, err = f.lm.Refund(ctx, locks[1].ID, ledger.ReasonOperator)
	require.NoError(t, err)
	_, err = f.engine.Settle(ctx, "m2", "p3")
	assert.ErrorIs(t, err, ledger.ErrIncompleteMatch)

	// The surviving lock was not touched by the rejected settle.
	l, err := f.store.GetLock(ctx, locks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LockLocked, l.Status)
	assert.Zero(t, f.sink.Len())
}

func TestSettle_ConcurrentCallsCommitOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.match(t, "m1", 10_000, "p1", "p2")

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*core.SettlementResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Settle(ctx, "m1", "p1")
		}(i)
	}
	wg.Wait()

	fresh := 0
	var payoutID string
	for i := range results {
		require.NoError(t, errs[i])
		if payoutID == "" {
			payoutID = results[i].Payout.ID
		}
		assert.Equal(t, payoutID, results[i].Payout.ID)
		if !results[i].AlreadySettled {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	stats, err := f.store.PayoutStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[ledger.PayoutPending].Count)
}

func TestSettle_LosesToSweeperRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locks := f.match(t, "m1", 1_000, "p1", "p2")

	f.clock.Advance(11 * time.Minute)
	for _, l := range locks {
		_, err := f.lm.ExpireAndRefund(ctx, l.ID, ledger.LockLocked, ledger.ReasonMatchTimeout)
		require.NoError(t, err)
	}

	_, err := f.engine.Settle(ctx, "m1", "p1")
	assert.ErrorIs(t, err, ledger.ErrIncompleteMatch)
	_, err = f.store.GetPayoutByMatch(ctx, "m1")
	assert.ErrorIs(t, err, ledger.ErrPayoutNotFound)
}
