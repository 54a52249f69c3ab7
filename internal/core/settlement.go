package core

import (
	"EscrowLedger/internal/ledger"
	fpmath "EscrowLedger/internal/math"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/state"
	"context"
	"errors"
	"fmt"
	stdmath "math"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// PayoutSubmitter queues a committed payout for asynchronous execution.
// Submit must not block on the external transfer.
type PayoutSubmitter interface {
	Submit(p *ledger.PayoutRecord)
}

// SettlementResult is the outcome of settle. AlreadySettled is true when the
// match had been settled by an earlier call and nothing was mutated.
type SettlementResult struct {
	MatchID        string
	WinnerID       string
	Pot            int64
	Payout         *ledger.PayoutRecord
	AlreadySettled bool
}

// SettlementEngine turns a completed match into released locks and exactly
// one PENDING payout record, then hands the payout to the executor.
type SettlementEngine struct {
	store     ledger.Store
	locks     *state.LockManager
	fees      *fpmath.FeeCalculator
	validator *ledger.InvariantValidator
	executor  PayoutSubmitter
	alerter   observability.Alerter
	metrics   *observability.Metrics
	clock     clockwork.Clock
	log       zerolog.Logger
}

func NewSettlementEngine(
	store ledger.Store,
	locks *state.LockManager,
	fees *fpmath.FeeCalculator,
	executor PayoutSubmitter,
	alerter observability.Alerter,
	metrics *observability.Metrics,
	clock clockwork.Clock,
	log zerolog.Logger,
) *SettlementEngine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if alerter == nil {
		alerter = observability.NewLogAlerter(log, metrics)
	}
	return &SettlementEngine{
		store:     store,
		locks:     locks,
		fees:      fees,
		validator: ledger.NewInvariantValidator(0),
		executor:  executor,
		alerter:   alerter,
		metrics:   metrics,
		clock:     clock,
		log:       log,
	}
}

// Settle is idempotent per match: a repeated call with the same winner returns
// the existing payout without touching any lock. A repeated call naming a
// different winner is a consistency violation.
func (e *SettlementEngine) Settle(ctx context.Context, matchID, winnerID string) (*SettlementResult, error) {
	start := e.clock.Now()
	res, err := e.settle(ctx, matchID, winnerID)

	result := "settled"
	var fee int64
	switch {
	case err != nil:
		result = errorCode(err)
	case res.AlreadySettled:
		result = "duplicate"
	default:
		fee = res.Payout.Fee
	}
	e.metrics.Settlement(result, fee, e.clock.Since(start))
	return res, err
}

func (e *SettlementEngine) settle(ctx context.Context, matchID, winnerID string) (*SettlementResult, error) {
	if matchID == "" || winnerID == "" {
		return nil, ledger.ErrInvalidInput.Detailf("match id and winner id are required")
	}

	// Step 1: an existing payout makes this a redelivery.
	if res, err := e.existing(ctx, matchID, winnerID); res != nil || err != nil {
		return res, err
	}

	// Step 2: load and check the pot.
	locks, err := e.store.ListLocksByMatch(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("list locks for match %s: %w", matchID, err)
	}
	if len(locks) == 0 {
		return nil, ledger.ErrMatchNotFound.Detailf("match %s has no locks", matchID)
	}
	for _, l := range locks {
		if l.Status != ledger.LockLocked {
			// A concurrent settle may have committed since step 1.
			if res, err := e.existing(ctx, matchID, winnerID); res != nil || err != nil {
				return res, err
			}
			return nil, ledger.ErrIncompleteMatch.Detailf("lock %s of match %s is %s", l.ID, matchID, l.Status)
		}
	}
	var winner *ledger.Lock
	for _, l := range locks {
		if l.PlayerID == winnerID {
			winner = l
			break
		}
	}
	if winner == nil {
		return nil, ledger.ErrInvalidWinner.Detailf("player %s holds no lock in match %s", winnerID, matchID)
	}

	// Step 3: compute the split.
	pot, err := sumAmounts(locks)
	if err != nil {
		return nil, err
	}
	fee, amount, err := e.fees.Split(pot)
	if err != nil {
		return nil, ledger.ErrInvalidInput.Detailf("match %s: %v", matchID, err)
	}
	if err := e.validator.ValidateSplit(pot, fee, amount); err != nil {
		return nil, err
	}

	// Step 4: release every lock and commit the payout together.
	record := ledger.NewMatchPayout(matchID, winner, amount, fee, e.clock.Now())
	payout, err := e.locks.ReleaseMatch(ctx, matchID, locks, record)
	if errors.Is(err, ledger.ErrStaleStatus) {
		// Lost to a concurrent settle or sweeper refund; whichever won is final.
		if res, rerr := e.existing(ctx, matchID, winnerID); res != nil || rerr != nil {
			return res, rerr
		}
		return nil, ledger.ErrIncompleteMatch.Detailf("locks of match %s changed during settlement", matchID)
	}
	if err != nil {
		return nil, fmt.Errorf("release match %s: %w", matchID, err)
	}

	e.log.Info().
		Str("match_id", matchID).
		Str("winner_id", winnerID).
		Str("payout_id", payout.ID).
		Int64("pot", pot).
		Int64("fee", fee).
		Int64("payout", amount).
		Msg("match settled")

	// Step 5: hand off; execution happens out of band.
	e.submit(payout)

	return &SettlementResult{
		MatchID:  matchID,
		WinnerID: winnerID,
		Pot:      pot,
		Payout:   payout,
	}, nil
}

// existing returns the prior result for an already settled match, nil when
// the match has no payout yet.
func (e *SettlementEngine) existing(ctx context.Context, matchID, winnerID string) (*SettlementResult, error) {
	p, err := e.store.GetPayoutByMatch(ctx, matchID)
	if errors.Is(err, ledger.ErrPayoutNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup payout for match %s: %w", matchID, err)
	}

	if p.WinnerID != winnerID {
		e.alerter.Raise(ctx, observability.Alert{
			Kind:    observability.AlarmWinnerConflict,
			Subject: matchID,
			Message: "match completion names a different winner than the committed settlement",
			Fields: map[string]any{
				"settled_winner":   p.WinnerID,
				"requested_winner": winnerID,
				"payout_id":        p.ID,
			},
		})
		return nil, ledger.ErrWinnerConflict.Detailf("match %s settled for %s, got %s", matchID, p.WinnerID, winnerID)
	}

	// A redelivery nudges a payout still waiting for its first attempt.
	if p.Status == ledger.PayoutPending {
		e.submit(p)
	}
	return &SettlementResult{
		MatchID:        matchID,
		WinnerID:       winnerID,
		Pot:            p.Amount + p.Fee,
		Payout:         p,
		AlreadySettled: true,
	}, nil
}

// submit is a no-op without an executor; the payout poller picks the record up.
func (e *SettlementEngine) submit(p *ledger.PayoutRecord) {
	if e.executor != nil {
		e.executor.Submit(p)
	}
}

func sumAmounts(locks []*ledger.Lock) (int64, error) {
	var pot int64
	for _, l := range locks {
		if l.Amount > stdmath.MaxInt64-pot {
			return 0, ledger.ErrInvalidAmount.Detailf("pot overflows at lock %s", l.ID)
		}
		pot += l.Amount
	}
	return pot, nil
}

func errorCode(err error) string {
	var le *ledger.Error
	if errors.As(err, &le) {
		return le.Code
	}
	return "internal"
}
