package core_test

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/state"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recoverer struct {
	mu    sync.Mutex
	calls []time.Time
}

func (r *recoverer) RecoverStale(_ context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, olderThan)
	return 0, nil
}

func (f *fixture) sweeper(rec core.PayoutRecoverer) *core.ExpirySweeper {
	return core.NewExpirySweeper(f.store, f.lm, rec, core.DefaultSweeperConfig(), f.clock, nil, zerolog.Nop())
}

// ============================================================================
// Test: PENDING expiry
// ============================================================================

func TestSweep_PendingPastDeadlineRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sweeper(nil)

	l, err := f.lm.CreateLock(ctx, state.CreateLockRequest{PlayerID: "p1", Amount: 500, DepositRef: "d1", PayoutAddress: "a1"})
	require.NoError(t, err)
	held, _ := f.store.SumHeldAmount(ctx)
	require.Equal(t, int64(500), held)

	f.clock.Advance(4 * time.Minute)
	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PendingRefunded)

	f.clock.Advance(time.Minute + time.Second)
	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PendingRefunded)

	got, err := f.store.GetLock(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LockRefunded, got.Status)
	assert.Equal(t, ledger.ReasonNoOpponentFound, got.Reason)

	refund, err := f.store.GetPayoutByLock(ctx, ledger.KindRefund, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), refund.Amount)
	assert.Equal(t, "a1", refund.Destination)

	held, _ = f.store.SumHeldAmount(ctx)
	assert.Zero(t, held)

	// The player may stake again.
	_, err = f.lm.CreateLock(ctx, state.CreateLockRequest{PlayerID: "p1", Amount: 500, DepositRef: "d2", PayoutAddress: "a1"})
	assert.NoError(t, err)
}

func TestSweep_SkipsLockActivatedInTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sweeper(nil)

	f.match(t, "m1", 500, "p1", "p2")
	f.clock.Advance(6 * time.Minute)

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PendingRefunded)
	assert.Zero(t, report.MatchesTimedOut)

	locks, _ := f.store.ListLocksByMatch(ctx, "m1")
	for _, l := range locks {
		assert.Equal(t, ledger.LockLocked, l.Status)
	}
}

// ============================================================================
// Test: LOCKED ceiling
// ============================================================================

func TestSweep_LockedPastCeilingRefundsAllAndFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sweeper(nil)

	locks := f.match(t, "m1", 500, "p1", "p2")
	f.clock.Advance(10*time.Minute + time.Second)

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MatchesTimedOut)
	assert.Equal(t, 2, report.LocksTimedOut)

	for _, l := range locks {
		got, err := f.store.GetLock(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.LockRefunded, got.Status)
		assert.Equal(t, ledger.ReasonMatchTimeout, got.Reason)
	}
	assert.Equal(t, 1, f.alerter.Count(observability.AlarmReviewRequired, "m1"))

	var flagged int
	for _, o := range f.store.Outbox() {
		if o.EventType == ledger.EventMatchReview {
			flagged++
		}
	}
	assert.Equal(t, 1, flagged)

	// A late completion finds nothing to settle.
	_, err = f.engine.Settle(ctx, "m1", "p1")
	assert.ErrorIs(t, err, ledger.ErrIncompleteMatch)
}

func TestSweep_CeilingFlagsWhenFirstLockAlreadyRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sweeper(nil)

	locks := f.match(t, "m1", 500, "p1", "p2")
	ordered, err := f.store.ListLocksByMatch(ctx, "m1")
	require.NoError(t, err)
	_, err = f.lm.Refund(ctx, ordered[0].ID, ledger.ReasonOperator)
	require.NoError(t, err)
	f.clock.Advance(11 * time.Minute)

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LocksTimedOut)
	assert.Equal(t, 1, report.MatchesTimedOut)
	assert.Equal(t, 1, f.alerter.Count(observability.AlarmReviewRequired, "m1"))

	for _, l := range locks {
		got, _ := f.store.GetLock(ctx, l.ID)
		assert.Equal(t, ledger.LockRefunded, got.Status)
	}
}

func TestSweep_CeilingFlagsAfterInterruptedSweep(t *testing.T) {
	// An earlier sweep expired one lock and stopped; either lock may sort first.
	for _, stranded := range []int{0, 1} {
		t.Run(fmt.Sprintf("stranded_%d", stranded), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			s := f.sweeper(nil)

			f.match(t, "m1", 500, "p1", "p2")
			ordered, err := f.store.ListLocksByMatch(ctx, "m1")
			require.NoError(t, err)
			f.clock.Advance(11 * time.Minute)
			_, err = f.lm.Expire(ctx, ordered[stranded].ID, ledger.ReasonMatchTimeout)
			require.NoError(t, err)

			report, err := s.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, report.MatchesTimedOut)
			assert.Equal(t, 1, f.alerter.Count(observability.AlarmReviewRequired, "m1"))

			for _, l := range ordered {
				got, _ := f.store.GetLock(ctx, l.ID)
				assert.Equal(t, ledger.LockRefunded, got.Status)
				assert.Equal(t, ledger.ReasonMatchTimeout, got.Reason)
			}

			again, err := s.Sweep(ctx)
			require.NoError(t, err)
			assert.Zero(t, again.MatchesTimedOut)
			assert.Equal(t, 1, f.alerter.Count(observability.AlarmReviewRequired, "m1"))
		})
	}
}

func TestSweep_FlagsMatchWhoseLocksWereAllStranded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sweeper(nil)

	locks := f.match(t, "m1", 500, "p1", "p2")
	f.clock.Advance(11 * time.Minute)
	for _, l := range locks {
		_, err := f.lm.Expire(ctx, l.ID, ledger.ReasonMatchTimeout)
		require.NoError(t, err)
	}

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ExpiredRefunded)
	assert.Equal(t, 1, report.MatchesTimedOut)
	assert.Equal(t, 1, f.alerter.Count(observability.AlarmReviewRequired, "m1"))
}

func TestSweep_OverlappingRunsActOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sweeper(nil)

	f.match(t, "m1", 500, "p1", "p2")
	for _, p := range []string{"p3", "p4", "p5"} {
		_, err := f.lm.CreateLock(ctx, state.CreateLockRequest{PlayerID: p, Amount: 100, DepositRef: "d-" + p, PayoutAddress: "a-" + p})
		require.NoError(t, err)
	}
	f.clock.Advance(11 * time.Minute)

	const sweeps = 6
	reports := make([]core.SweepReport, sweeps)
	var wg sync.WaitGroup
	for i := 0; i < sweeps; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := s.Sweep(ctx)
			assert.NoError(t, err)
			reports[i] = r
		}(i)
	}
	wg.Wait()

	var pending, matches int
	for _, r := range reports {
		pending += r.PendingRefunded
		matches += r.MatchesTimedOut
		assert.Zero(t, r.Errors)
	}
	assert.Equal(t, 3, pending)
	assert.Equal(t, 1, matches)
	assert.Equal(t, 1, f.alerter.Count(observability.AlarmReviewRequired, "m1"))

	stats, err := f.store.PayoutStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats[ledger.PayoutPending].Count)
	held, _ := f.store.SumHeldAmount(ctx)
	assert.Zero(t, held)
}

// ============================================================================
// Test: crash recovery
// ============================================================================

func TestSweep_FinishesStrandedExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &recoverer{}
	s := f.sweeper(rec)

	l, err := f.lm.CreateLock(ctx, state.CreateLockRequest{PlayerID: "p1", Amount: 500, DepositRef: "d1", PayoutAddress: "a1"})
	require.NoError(t, err)
	// EXPIRED committed but the refund did not.
	_, err = f.lm.Expire(ctx, l.ID, ledger.ReasonNoOpponentFound)
	require.NoError(t, err)

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredRefunded)

	got, _ := f.store.GetLock(ctx, l.ID)
	assert.Equal(t, ledger.LockRefunded, got.Status)
	assert.Equal(t, ledger.ReasonNoOpponentFound, got.Reason)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, start.Add(-2*time.Minute), rec.calls[0])
}
