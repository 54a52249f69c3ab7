// Package payout executes committed payout and refund records against the
// transfer network with bounded retry.
package payout

import (
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/transfer"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

type Config struct {
	MaxRetries     int           // attempts before FAILED
	BaseDelay      time.Duration // first retry delay; doubles per retry
	MaxDelay       time.Duration
	ConfirmTimeout time.Duration // how long a pending transfer is polled per attempt
	ConfirmPoll    time.Duration
	Workers        int
	PollInterval   time.Duration // scan for due records
	QueueSize      int
	BatchSize      int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BaseDelay:      2 * time.Second,
		MaxDelay:       time.Minute,
		ConfirmTimeout: 30 * time.Second,
		ConfirmPoll:    time.Second,
		Workers:        8,
		PollInterval:   time.Second,
		QueueSize:      1024,
		BatchSize:      100,
	}
}

// OutcomeRecorder stores the confirmed transfer reference on a lock.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, lockID, transferRef string) error
}

// Executor drives PayoutRecords PENDING → PROCESSING → CONFIRMED | FAILED.
// Every attempt queries the network by idempotency key before sending, so a
// transfer that went through before a crash or lost response is never sent twice.
type Executor struct {
	store    ledger.Store
	gateway  transfer.Gateway
	outcomes OutcomeRecorder
	alerter  observability.Alerter
	metrics  *observability.Metrics
	clock    clockwork.Clock
	log      zerolog.Logger
	cfg      Config

	queue    chan *ledger.PayoutRecord
	inflight sync.Map // payout id -> struct{}
}

func NewExecutor(
	store ledger.Store,
	gateway transfer.Gateway,
	outcomes OutcomeRecorder,
	alerter observability.Alerter,
	metrics *observability.Metrics,
	clock clockwork.Clock,
	cfg Config,
	log zerolog.Logger,
) *Executor {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay << 5
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = def.ConfirmPoll
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if alerter == nil {
		alerter = observability.NewLogAlerter(log, metrics)
	}
	return &Executor{
		store:    store,
		gateway:  gateway,
		outcomes: outcomes,
		alerter:  alerter,
		metrics:  metrics,
		clock:    clock,
		log:      log,
		cfg:      cfg,
		queue:    make(chan *ledger.PayoutRecord, cfg.QueueSize),
	}
}

// Submit queues a record without blocking. A full queue drops the hint; the
// record is durable and the next poll picks it up.
func (e *Executor) Submit(p *ledger.PayoutRecord) {
	select {
	case e.queue <- p:
	default:
		e.log.Warn().Str("payout_id", p.ID).Msg("payout queue full, deferring to poller")
	}
	e.metrics.SetChannelMetrics("payout_queue", len(e.queue), cap(e.queue))
}

// Run executes queued and due records on a bounded worker pool until ctx is
// cancelled, then waits for in-flight attempts to finish.
func (e *Executor) Run(ctx context.Context) error {
	p := pool.New().WithMaxGoroutines(e.cfg.Workers)
	ticker := e.clock.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.log.Info().Int("workers", e.cfg.Workers).Msg("payout executor started")
	e.poll(ctx, p)
	for {
		select {
		case <-ctx.Done():
			p.Wait()
			e.log.Info().Msg("payout executor stopped")
			return nil
		case rec := <-e.queue:
			e.dispatch(ctx, p, rec)
		case <-ticker.Chan():
			e.poll(ctx, p)
		}
	}
}

func (e *Executor) poll(ctx context.Context, p *pool.Pool) {
	due, err := e.store.ListPayoutsDue(ctx, e.clock.Now(), e.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error().Err(err).Msg("list due payouts")
		}
		return
	}
	for _, rec := range due {
		e.dispatch(ctx, p, rec)
	}
}

func (e *Executor) dispatch(ctx context.Context, p *pool.Pool, rec *ledger.PayoutRecord) {
	if rec.Status != ledger.PayoutPending || rec.NextAttemptAt.After(e.clock.Now()) {
		return
	}
	if _, busy := e.inflight.LoadOrStore(rec.ID, struct{}{}); busy {
		return
	}
	p.Go(func() {
		defer e.inflight.Delete(rec.ID)
		if _, err := e.Execute(ctx, rec); err != nil && ctx.Err() == nil {
			e.log.Error().Err(err).Str("payout_id", rec.ID).Msg("payout attempt")
		}
	})
}

// Execute performs one attempt for a PENDING record. Losing the claim to
// another worker is not an error; the current record is returned.
func (e *Executor) Execute(ctx context.Context, rec *ledger.PayoutRecord) (*ledger.PayoutRecord, error) {
	now := e.clock.Now()
	claimed, err := e.store.TransitionPayout(ctx, ledger.PayoutTransition{
		PayoutID:    rec.ID,
		From:        ledger.PayoutPending,
		To:          ledger.PayoutProcessing,
		ExpectRetry: rec.RetryCount,
		At:          now,
		RetryCount:  rec.RetryCount,
		LastError:   rec.LastError,
	})
	if errors.Is(err, ledger.ErrStaleStatus) {
		return e.store.GetPayout(ctx, rec.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("claim payout %s: %w", rec.ID, err)
	}

	start := e.clock.Now()
	ref, attemptErr := e.attempt(ctx, claimed)
	if ctx.Err() != nil {
		// Left PROCESSING; stale recovery re-queues it after a restart.
		return claimed, ctx.Err()
	}

	if attemptErr == nil {
		e.metrics.PayoutAttempt(string(claimed.Kind), "confirmed", e.clock.Since(start))
		return e.confirm(ctx, claimed, ref)
	}
	e.metrics.PayoutAttempt(string(claimed.Kind), "failed", e.clock.Since(start))
	return e.fail(ctx, claimed, attemptErr)
}

// attempt returns the confirmed transfer reference or why the attempt failed.
func (e *Executor) attempt(ctx context.Context, rec *ledger.PayoutRecord) (string, error) {
	q, err := e.gateway.QueryTransfer(ctx, rec.IdempotencyKey)
	if err != nil {
		// Unknown network state: sending now could double-pay.
		return "", fmt.Errorf("query before send: %w", err)
	}
	switch q.Status {
	case transfer.StatusConfirmed:
		e.log.Info().Str("payout_id", rec.ID).Str("ref", q.Reference).Msg("transfer already confirmed on network")
		return q.Reference, nil
	case transfer.StatusPending:
		return e.awaitConfirmation(ctx, rec)
	}

	res, err := e.gateway.Transfer(ctx, rec.Destination, rec.Amount, rec.IdempotencyKey)
	if err != nil {
		return "", fmt.Errorf("transfer: %w", err)
	}
	switch res.Status {
	case transfer.StatusConfirmed:
		return res.Reference, nil
	case transfer.StatusPending:
		return e.awaitConfirmation(ctx, rec)
	default:
		msg := res.Message
		if msg == "" {
			msg = string(res.Status)
		}
		return "", ledger.ErrTransferFailed.Detailf("%s", msg)
	}
}

func (e *Executor) awaitConfirmation(ctx context.Context, rec *ledger.PayoutRecord) (string, error) {
	deadline := e.clock.Now().Add(e.cfg.ConfirmTimeout)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-e.clock.After(e.cfg.ConfirmPoll):
		}

		q, err := e.gateway.QueryTransfer(ctx, rec.IdempotencyKey)
		if err == nil {
			switch q.Status {
			case transfer.StatusConfirmed:
				return q.Reference, nil
			case transfer.StatusFailed:
				return "", ledger.ErrTransferFailed.Detailf("rejected after acceptance: %s", q.Message)
			}
		}
		if !e.clock.Now().Before(deadline) {
			return "", ledger.ErrTransferFailed.Detailf("confirmation timeout after %s", e.cfg.ConfirmTimeout)
		}
	}
}

func (e *Executor) confirm(ctx context.Context, rec *ledger.PayoutRecord, ref string) (*ledger.PayoutRecord, error) {
	now := e.clock.Now()
	next := rec.Clone()
	next.Status = ledger.PayoutConfirmed
	next.TransferRef = ref

	done, err := e.store.TransitionPayout(ctx, ledger.PayoutTransition{
		PayoutID:    rec.ID,
		From:        ledger.PayoutProcessing,
		To:          ledger.PayoutConfirmed,
		ExpectRetry: rec.RetryCount,
		At:          now,
		RetryCount:  rec.RetryCount,
		TransferRef: ref,
		Events:      []ledger.OutboxEvent{ledger.PayoutEvent(next, ledger.EventPayoutConfirmed, now)},
	})
	if err != nil {
		return nil, fmt.Errorf("confirm payout %s: %w", rec.ID, err)
	}

	e.log.Info().
		Str("payout_id", done.ID).
		Str("kind", string(done.Kind)).
		Str("match_id", done.MatchID).
		Int64("amount", done.Amount).
		Int("retry_count", done.RetryCount).
		Str("ref", ref).
		Msg("payout confirmed")
	e.metrics.PayoutConfirmed(string(done.Kind), now.Sub(done.CreatedAt))
	e.recordOutcome(ctx, done)
	return done, nil
}

// recordOutcome stamps the transfer reference on the locks the record consumed.
func (e *Executor) recordOutcome(ctx context.Context, p *ledger.PayoutRecord) {
	if e.outcomes == nil {
		return
	}
	lockIDs := []string{p.LockID}
	if p.Kind == ledger.KindPayout {
		locks, err := e.store.ListLocksByMatch(ctx, p.MatchID)
		if err == nil {
			lockIDs = lockIDs[:0]
			for _, l := range locks {
				if l.Status == ledger.LockReleased {
					lockIDs = append(lockIDs, l.ID)
				}
			}
		}
	}
	for _, id := range lockIDs {
		if err := e.outcomes.RecordOutcome(ctx, id, p.TransferRef); err != nil {
			e.log.Error().Err(err).Str("lock_id", id).Str("payout_id", p.ID).Msg("record lock outcome")
		}
	}
}

func (e *Executor) fail(ctx context.Context, rec *ledger.PayoutRecord, cause error) (*ledger.PayoutRecord, error) {
	now := e.clock.Now()
	retries := rec.RetryCount + 1
	next := rec.Clone()
	next.RetryCount = retries
	next.LastError = cause.Error()

	if retries < e.cfg.MaxRetries {
		delay := RetryDelay(e.cfg.BaseDelay, e.cfg.MaxDelay, rec.RetryCount)
		next.Status = ledger.PayoutPending
		out, err := e.store.TransitionPayout(ctx, ledger.PayoutTransition{
			PayoutID:      rec.ID,
			From:          ledger.PayoutProcessing,
			To:            ledger.PayoutPending,
			ExpectRetry:   rec.RetryCount,
			At:            now,
			RetryCount:    retries,
			LastError:     cause.Error(),
			NextAttemptAt: now.Add(delay),
			Events:        []ledger.OutboxEvent{ledger.PayoutEvent(next, ledger.EventPayoutRetry, now)},
		})
		if err != nil {
			return nil, fmt.Errorf("schedule retry for payout %s: %w", rec.ID, err)
		}
		e.metrics.PayoutRetry()
		e.log.Warn().
			Err(cause).
			Str("payout_id", rec.ID).
			Int("retry_count", retries).
			Dur("delay", delay).
			Msg("payout attempt failed, retry scheduled")
		return out, nil
	}

	next.Status = ledger.PayoutFailed
	out, err := e.store.TransitionPayout(ctx, ledger.PayoutTransition{
		PayoutID:    rec.ID,
		From:        ledger.PayoutProcessing,
		To:          ledger.PayoutFailed,
		ExpectRetry: rec.RetryCount,
		At:          now,
		RetryCount:  retries,
		LastError:   cause.Error(),
		Events:      []ledger.OutboxEvent{ledger.PayoutEvent(next, ledger.EventPayoutFailed, now)},
	})
	if err != nil {
		return nil, fmt.Errorf("fail payout %s: %w", rec.ID, err)
	}

	// Only the caller that committed FAILED gets here, so the alarm fires once.
	e.alerter.Raise(ctx, observability.Alert{
		Kind:    observability.AlarmPayoutFailed,
		Subject: out.ID,
		Message: "payout exhausted retries and needs manual settlement",
		Fields: map[string]any{
			"kind":        string(out.Kind),
			"match_id":    out.MatchID,
			"lock_id":     out.LockID,
			"winner_id":   out.WinnerID,
			"amount":      out.Amount,
			"retry_count": out.RetryCount,
			"last_error":  out.LastError,
		},
	})
	return out, nil
}

// RecoverStale returns PROCESSING records untouched since olderThan to
// PENDING, or confirms them if the network already settled the key.
func (e *Executor) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	stale, err := e.store.ListPayoutsStale(ctx, olderThan, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(stale) > 0 {
		names := make([]string, 0, len(stale))
		for _, rec := range stale {
			names = append(names, rec.ID)
		}
		e.log.Warn().Strs("payout_ids", names).Msg("recovering stale processing payouts")
	}

	recovered := 0
	for _, rec := range stale {
		if _, busy := e.inflight.Load(rec.ID); busy {
			continue
		}
		q, err := e.gateway.QueryTransfer(ctx, rec.IdempotencyKey)
		if err == nil && q.Status == transfer.StatusConfirmed {
			if _, err := e.confirm(ctx, rec, q.Reference); err == nil {
				recovered++
			}
			continue
		}

		now := e.clock.Now()
		next := rec.Clone()
		next.Status = ledger.PayoutPending
		_, err = e.store.TransitionPayout(ctx, ledger.PayoutTransition{
			PayoutID:      rec.ID,
			From:          ledger.PayoutProcessing,
			To:            ledger.PayoutPending,
			ExpectRetry:   rec.RetryCount,
			At:            now,
			RetryCount:    rec.RetryCount,
			LastError:     rec.LastError,
			NextAttemptAt: now,
			Events:        []ledger.OutboxEvent{ledger.PayoutEvent(next, ledger.EventPayoutRecovered, now)},
		})
		if err != nil {
			if !errors.Is(err, ledger.ErrStaleStatus) {
				e.log.Error().Err(err).Str("payout_id", rec.ID).Msg("recover stale payout")
			}
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Redrive returns a FAILED record to PENDING with a fresh retry budget.
func (e *Executor) Redrive(ctx context.Context, payoutID string) (*ledger.PayoutRecord, error) {
	rec, err := e.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if rec.Status != ledger.PayoutFailed {
		return nil, ledger.ErrInvalidTransition.Detailf("payout %s is %s, only FAILED can be redriven", rec.ID, rec.Status)
	}

	now := e.clock.Now()
	next := rec.Clone()
	next.Status = ledger.PayoutPending
	next.RetryCount = 0
	out, err := e.store.TransitionPayout(ctx, ledger.PayoutTransition{
		PayoutID:      rec.ID,
		From:          ledger.PayoutFailed,
		To:            ledger.PayoutPending,
		ExpectRetry:   rec.RetryCount,
		At:            now,
		LastError:     rec.LastError,
		NextAttemptAt: now,
		Events:        []ledger.OutboxEvent{ledger.PayoutEvent(next, ledger.EventPayoutRedriven, now)},
	})
	if err != nil {
		return nil, err
	}
	e.log.Warn().Str("payout_id", out.ID).Msg("payout redriven by operator")
	e.Submit(out)
	return out, nil
}

// ResolveManually records that an operator settled a FAILED record outside
// the executor, with the reference of that transfer.
func (e *Executor) ResolveManually(ctx context.Context, payoutID, reference string) (*ledger.PayoutRecord, error) {
	if reference == "" {
		return nil, ledger.ErrInvalidInput.Detailf("transfer reference is required")
	}
	rec, err := e.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if rec.Status == ledger.PayoutConfirmed && rec.TransferRef == reference {
		return rec, nil
	}
	if rec.Status != ledger.PayoutFailed {
		return nil, ledger.ErrInvalidTransition.Detailf("payout %s is %s, only FAILED can be resolved", rec.ID, rec.Status)
	}

	now := e.clock.Now()
	next := rec.Clone()
	next.Status = ledger.PayoutConfirmed
	next.TransferRef = reference
	out, err := e.store.TransitionPayout(ctx, ledger.PayoutTransition{
		PayoutID:    rec.ID,
		From:        ledger.PayoutFailed,
		To:          ledger.PayoutConfirmed,
		ExpectRetry: rec.RetryCount,
		At:          now,
		RetryCount:  rec.RetryCount,
		LastError:   rec.LastError,
		TransferRef: reference,
		Events:      []ledger.OutboxEvent{ledger.PayoutEvent(next, ledger.EventPayoutConfirmed, now)},
	})
	if err != nil {
		return nil, err
	}
	e.log.Warn().Str("payout_id", out.ID).Str("ref", reference).Msg("payout resolved manually")
	e.recordOutcome(ctx, out)
	return out, nil
}

// RetryDelay is base × 2^retryCount, capped at max, where retryCount is the
// number of retries already scheduled before this one.
func RetryDelay(base, max time.Duration, retryCount int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < retryCount; i++ {
		d = b.NextBackOff()
	}
	return d
}
