package ingestion

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/state"
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Dispatch results, also used as the ingest metric label.
const (
	ResultProcessed = "processed"
	ResultDuplicate = "duplicate"
	ResultMalformed = "malformed"
	ResultRejected  = "rejected"
	ResultRetry     = "retry"
)

// Dispatcher applies inbound lifecycle events to the lock manager and the
// settlement engine. Every ledger operation is idempotent on its own; the
// dedup checker only saves work on redelivery.
type Dispatcher struct {
	parser  *Parser
	dedup   *core.IdempotencyChecker
	locks   *state.LockManager
	settler *core.SettlementEngine
	workers int
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewDispatcher(
	parser *Parser,
	dedup *core.IdempotencyChecker,
	locks *state.LockManager,
	settler *core.SettlementEngine,
	workers int,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		parser:  parser,
		dedup:   dedup,
		locks:   locks,
		settler: settler,
		workers: workers,
		metrics: metrics,
		log:     log,
	}
}

// Run consumes events until ctx is cancelled or events is closed, then waits
// for in-flight handlers.
func (d *Dispatcher) Run(ctx context.Context, events <-chan RawEvent) error {
	p := pool.New().WithMaxGoroutines(d.workers)
	defer p.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-events:
			if !ok {
				return nil
			}
			p.Go(func() {
				d.Handle(ctx, raw)
			})
		}
	}
}

// Handle processes one message, acks, naks or terminates it, and returns the
// result label.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) string {
	result := d.handle(ctx, raw)
	d.metrics.IngestMessage(raw.EventType, result)

	switch result {
	case ResultProcessed, ResultDuplicate:
		raw.ack()
	case ResultMalformed, ResultRejected:
		raw.term()
	default:
		raw.nak()
	}
	return result
}

func (d *Dispatcher) handle(ctx context.Context, raw RawEvent) string {
	evt, err := d.parser.Parse(raw, raw.EventType)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("malformed event dropped")
		return ResultMalformed
	}

	kind := dedupKind(evt.EventType())
	key := evt.IdempotencyKey()
	if d.dedup != nil && d.dedup.IsDuplicate(ctx, kind, key) {
		d.log.Debug().Str("kind", kind).Str("key", key).Msg("duplicate event skipped")
		return ResultDuplicate
	}

	err = d.apply(ctx, evt)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateDeposit):
		// Bound by an earlier delivery that the dedup tiers did not see.
	default:
		return d.classify(evt, err)
	}

	if d.dedup != nil {
		d.dedup.MarkProcessed(kind, key)
	}
	return ResultProcessed
}

func (d *Dispatcher) apply(ctx context.Context, evt event.Event) error {
	switch e := evt.(type) {
	case *event.DepositConfirmed:
		_, err := d.locks.CreateLock(ctx, state.CreateLockRequest{
			PlayerID:      e.PlayerID,
			Amount:        e.Amount,
			DepositRef:    e.DepositRef,
			PayoutAddress: e.PayoutAddress,
		})
		return err
	case *event.MatchStarted:
		var err error
		if e.ByPlayer() {
			_, err = d.locks.ActivatePlayers(ctx, e.MatchID, e.PlayerIDs)
		} else {
			_, err = d.locks.ActivateMatch(ctx, e.MatchID, e.LockIDs)
		}
		return err
	case *event.MatchCompleted:
		res, err := d.settler.Settle(ctx, e.MatchID, e.WinnerID)
		if err == nil && !res.AlreadySettled {
			d.log.Info().Str("match_id", e.MatchID).Str("winner_id", e.WinnerID).
				Str("payout_id", res.Payout.ID).Msg("match settled")
		}
		return err
	default:
		return ledger.ErrInvalidInput.Detailf("unhandled event type %s", evt.EventType())
	}
}

// classify decides between terminating and redelivering a failed event.
// Missing records may appear once an earlier message lands, and lost races or
// infrastructure errors are transient; everything else is final.
func (d *Dispatcher) classify(evt event.Event, err error) string {
	l := d.log.With().Str("event_type", evt.EventType().String()).Str("key", evt.IdempotencyKey()).Logger()

	switch ledger.KindOf(err) {
	case ledger.KindNotFound, ledger.KindConflict, ledger.KindUnknown, ledger.KindTransferFailure:
		l.Warn().Err(err).Msg("event failed, will redeliver")
		return ResultRetry
	case ledger.KindConsistency:
		l.Error().Err(err).Msg("event rejected by consistency check")
		return ResultRejected
	default:
		if _, ok := evt.(*event.DepositConfirmed); ok {
			// Funds are in custody with no lock to release them.
			l.Error().Err(err).Msg("deposit rejected, manual refund required")
		} else {
			l.Warn().Err(err).Msg("event rejected")
		}
		return ResultRejected
	}
}

func dedupKind(t event.EventType) string {
	switch t {
	case event.EventTypeDepositConfirmed:
		return core.KindDepositConfirmed
	case event.EventTypeMatchStarted:
		return core.KindMatchStarted
	case event.EventTypeMatchCompleted:
		return core.KindMatchCompleted
	default:
		return t.String()
	}
}
