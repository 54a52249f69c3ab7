package state

import (
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// LockConfig holds lock deadline policy.
type LockConfig struct {
	PendingTTL   time.Duration // PENDING locks expire this long after creation
	MatchCeiling time.Duration // absolute LOCKED ceiling measured from creation
	MaxAmount    int64         // 0 disables the per-lock cap

	// AllowMixedStakes lets a match activate locks of different amounts.
	AllowMixedStakes bool
}

func DefaultLockConfig() LockConfig {
	return LockConfig{
		PendingTTL:   5 * time.Minute,
		MatchCeiling: 10 * time.Minute,
	}
}

// maxCASAttempts bounds re-read loops after a lost compare-and-swap.
const maxCASAttempts = 4

// PayoutSink receives payout records committed by the lock manager so they
// can be executed without waiting for the next poll.
type PayoutSink interface {
	Submit(p *ledger.PayoutRecord)
}

// CreateLockRequest is a confirmed deposit to be held in escrow.
type CreateLockRequest struct {
	PlayerID      string
	Amount        int64
	DepositRef    string
	PayoutAddress string
	ExpiryTTL     time.Duration // zero uses LockConfig.PendingTTL
}

// LockManager owns every EscrowLock mutation. All transitions are
// compare-and-swap operations against the store; a lost race re-reads the
// lock and re-evaluates instead of overwriting.
type LockManager struct {
	store     ledger.Store
	cfg       LockConfig
	clock     clockwork.Clock
	validator *ledger.InvariantValidator
	alerter   observability.Alerter
	metrics   *observability.Metrics
	log       zerolog.Logger
	sink      PayoutSink
}

func NewLockManager(
	store ledger.Store,
	cfg LockConfig,
	clock clockwork.Clock,
	alerter observability.Alerter,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *LockManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if alerter == nil {
		alerter = observability.NewLogAlerter(log, metrics)
	}
	return &LockManager{
		store:     store,
		cfg:       cfg,
		clock:     clock,
		validator: ledger.NewInvariantValidator(cfg.MaxAmount),
		alerter:   alerter,
		metrics:   metrics,
		log:       log,
	}
}

// SetPayoutSink wires refund records to the payout executor.
func (m *LockManager) SetPayoutSink(sink PayoutSink) {
	m.sink = sink
}

func (m *LockManager) Config() LockConfig {
	return m.cfg
}

// CreateLock holds a confirmed deposit as a PENDING lock. Uniqueness of the
// deposit ref and of the player's active lock is enforced by the store.
func (m *LockManager) CreateLock(ctx context.Context, req CreateLockRequest) (*ledger.Lock, error) {
	if err := m.validator.ValidateDeposit(req.PlayerID, req.Amount, req.DepositRef, req.PayoutAddress); err != nil {
		m.metrics.LockRejected("create", errorCode(err))
		return nil, err
	}

	ttl := req.ExpiryTTL
	if ttl <= 0 {
		ttl = m.cfg.PendingTTL
	}
	if ttl > m.cfg.MatchCeiling {
		ttl = m.cfg.MatchCeiling
	}

	now := m.clock.Now()
	l := ledger.NewLock(req.PlayerID, req.Amount, req.DepositRef, req.PayoutAddress, now, ttl, m.cfg.MatchCeiling)
	if err := m.store.InsertLock(ctx, l, ledger.LockEvent(l, "", ledger.EventLockCreated, now)); err != nil {
		m.metrics.LockRejected("create", errorCode(err))
		return nil, err
	}

	m.metrics.LockCreated()
	m.log.Info().
		Str("lock_id", l.ID).
		Str("player_id", l.PlayerID).
		Int64("amount", l.Amount).
		Str("deposit_ref", l.DepositRef).
		Time("expires_at", l.ExpiresAt).
		Msg("lock created")
	return l, nil
}

// Activate moves a PENDING lock to LOCKED for matchID. Re-activating a lock
// already LOCKED for the same match is a no-op. A lock past its PENDING
// deadline is refunded instead and ErrExpired is returned.
func (m *LockManager) Activate(ctx context.Context, lockID, matchID string) (*ledger.Lock, error) {
	l, _, err := m.activate(ctx, lockID, matchID)
	return l, err
}

// activate is Activate that also reports whether this call moved the lock
// from PENDING to LOCKED.
func (m *LockManager) activate(ctx context.Context, lockID, matchID string) (*ledger.Lock, bool, error) {
	if matchID == "" {
		return nil, false, ledger.ErrInvalidInput.Detailf("match id is required")
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		l, err := m.store.GetLock(ctx, lockID)
		if err != nil {
			return nil, false, err
		}

		switch l.Status {
		case ledger.LockPending:
		case ledger.LockLocked:
			if l.MatchID == matchID {
				return l, false, nil
			}
			return nil, false, m.rejectTransition("activate", l, ledger.LockLocked,
				fmt.Sprintf("already bound to match %s", l.MatchID))
		default:
			return nil, false, m.rejectTransition("activate", l, ledger.LockLocked, "")
		}

		now := m.clock.Now()
		if now.After(l.ExpiresAt) {
			if _, err := m.expireAndRefund(ctx, l.ID, ledger.LockPending, ledger.ReasonActivationLate, now); err != nil {
				m.log.Error().Err(err).Str("lock_id", l.ID).Msg("refund after late activation failed")
			}
			m.metrics.LockRejected("activate", ledger.ErrExpired.Code)
			return nil, false, ledger.ErrExpired.Detailf("lock %s expired at %s", l.ID, l.ExpiresAt.Format(time.RFC3339))
		}

		next := l.Clone()
		next.Status = ledger.LockLocked
		next.MatchID = matchID
		updated, err := m.store.TransitionLock(ctx, ledger.LockTransition{
			LockID:  l.ID,
			From:    ledger.LockPending,
			To:      ledger.LockLocked,
			At:      now,
			MatchID: matchID,
			Events:  []ledger.OutboxEvent{ledger.LockEvent(next, ledger.LockPending, ledger.EventLockActivated, now)},
		})
		if errors.Is(err, ledger.ErrStaleStatus) {
			continue
		}
		if err != nil {
			return nil, false, err
		}

		m.metrics.LockTransition(string(ledger.LockPending), string(ledger.LockLocked))
		m.log.Info().Str("lock_id", l.ID).Str("match_id", matchID).Msg("lock activated")
		return updated, true, nil
	}
	return nil, false, ledger.ErrStaleStatus.Detailf("lock %s kept changing during activation", lockID)
}

// ActivateMatch activates every lock of a match, with equal stakes unless
// AllowMixedStakes is set. If any activation fails, the locks this call moved
// to LOCKED are refunded with ReasonMatchAborted. Locks an earlier call bound
// to the match are left for the ceiling sweep.
func (m *LockManager) ActivateMatch(ctx context.Context, matchID string, lockIDs []string) ([]*ledger.Lock, error) {
	locks := make([]*ledger.Lock, 0, len(lockIDs))
	for _, id := range lockIDs {
		l, err := m.store.GetLock(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("match %s: %w", matchID, err)
		}
		locks = append(locks, l)
	}
	check := m.validator.ValidateMatchStakes
	if m.cfg.AllowMixedStakes {
		check = m.validator.ValidateMatchParticipants
	}
	if err := check(locks); err != nil {
		m.metrics.LockRejected("activate_match", errorCode(err))
		return nil, err
	}

	out := make([]*ledger.Lock, 0, len(locks))
	var moved []*ledger.Lock
	for _, l := range locks {
		a, ok, err := m.activate(ctx, l.ID, matchID)
		if err != nil {
			m.abortMatch(ctx, matchID, moved)
			return nil, fmt.Errorf("activate lock %s for match %s: %w", l.ID, matchID, err)
		}
		if ok {
			moved = append(moved, a)
		}
		out = append(out, a)
	}
	return out, nil
}

// ActivatePlayers resolves each player's active lock and activates the match.
func (m *LockManager) ActivatePlayers(ctx context.Context, matchID string, playerIDs []string) ([]*ledger.Lock, error) {
	ids := make([]string, 0, len(playerIDs))
	for _, p := range playerIDs {
		l, err := m.store.GetActiveLockByPlayer(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("match %s player %s: %w", matchID, p, err)
		}
		ids = append(ids, l.ID)
	}
	return m.ActivateMatch(ctx, matchID, ids)
}

func (m *LockManager) abortMatch(ctx context.Context, matchID string, activated []*ledger.Lock) {
	for _, l := range activated {
		if _, err := m.Refund(ctx, l.ID, ledger.ReasonMatchAborted); err != nil {
			m.log.Error().Err(err).
				Str("lock_id", l.ID).
				Str("match_id", matchID).
				Msg("refund of aborted match lock failed")
		}
	}
}

// Release moves one LOCKED lock to RELEASED. Releasing an already released
// lock of the same match is a no-op; a refunded lock raises a consistency alarm.
func (m *LockManager) Release(ctx context.Context, lockID, matchID string) (*ledger.Lock, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		l, err := m.store.GetLock(ctx, lockID)
		if err != nil {
			return nil, err
		}

		switch l.Status {
		case ledger.LockReleased:
			if l.MatchID == matchID {
				return l, nil
			}
			return nil, m.consistencyViolation(ctx, "release", l, ledger.LockReleased)
		case ledger.LockRefunded, ledger.LockExpired:
			return nil, m.consistencyViolation(ctx, "release", l, ledger.LockReleased)
		case ledger.LockPending:
			return nil, m.rejectTransition("release", l, ledger.LockReleased, "")
		}
		if l.MatchID != matchID {
			return nil, m.rejectTransition("release", l, ledger.LockReleased,
				fmt.Sprintf("bound to match %s", l.MatchID))
		}

		now := m.clock.Now()
		next := l.Clone()
		next.Status = ledger.LockReleased
		updated, err := m.store.TransitionLock(ctx, ledger.LockTransition{
			LockID: l.ID,
			From:   ledger.LockLocked,
			To:     ledger.LockReleased,
			At:     now,
			Events: []ledger.OutboxEvent{ledger.LockEvent(next, ledger.LockLocked, ledger.EventLockReleased, now)},
		})
		if errors.Is(err, ledger.ErrStaleStatus) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.metrics.LockTransition(string(ledger.LockLocked), string(ledger.LockReleased))
		return updated, nil
	}
	return nil, ledger.ErrStaleStatus.Detailf("lock %s kept changing during release", lockID)
}

// ReleaseMatch releases every lock of a settled match and commits the winner's
// payout in one atomic store operation. ErrStaleStatus means another caller
// changed a lock first; nothing was applied.
func (m *LockManager) ReleaseMatch(ctx context.Context, matchID string, locks []*ledger.Lock, payout *ledger.PayoutRecord) (*ledger.PayoutRecord, error) {
	now := m.clock.Now()
	ids := make([]string, 0, len(locks))
	events := make([]ledger.OutboxEvent, 0, len(locks)+1)
	for _, l := range locks {
		ids = append(ids, l.ID)
		next := l.Clone()
		next.Status = ledger.LockReleased
		events = append(events, ledger.LockEvent(next, l.Status, ledger.EventLockReleased, now))
	}
	events = append(events, ledger.PayoutEvent(payout, ledger.EventPayoutCreated, now))

	p, err := m.store.ReleaseMatch(ctx, ledger.ReleaseMatch{
		MatchID: matchID,
		LockIDs: ids,
		At:      now,
		Payout:  payout,
		Events:  events,
	})
	if err != nil {
		return nil, err
	}
	for range locks {
		m.metrics.LockTransition(string(ledger.LockLocked), string(ledger.LockReleased))
	}
	m.log.Info().Str("match_id", matchID).Int("locks", len(locks)).Msg("match locks released")
	return p, nil
}

// Refund returns a lock's stake to its owner. It commits REFUNDED together
// with a REFUND payout record. Refunding an already refunded lock is a no-op;
// refunding a released lock raises a consistency alarm.
func (m *LockManager) Refund(ctx context.Context, lockID, reason string) (*ledger.Lock, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		l, err := m.store.GetLock(ctx, lockID)
		if err != nil {
			return nil, err
		}

		switch l.Status {
		case ledger.LockRefunded:
			return l, nil
		case ledger.LockReleased:
			return nil, m.consistencyViolation(ctx, "refund", l, ledger.LockRefunded)
		}

		now := m.clock.Now()
		next := l.Clone()
		next.Status = ledger.LockRefunded
		if reason != "" {
			next.Reason = reason
		}
		next.ClosedAt = &now

		refund := ledger.NewRefundPayout(next, now)
		updated, err := m.store.TransitionLock(ctx, ledger.LockTransition{
			LockID: l.ID,
			From:   l.Status,
			To:     ledger.LockRefunded,
			At:     now,
			Reason: reason,
			Refund: refund,
			Events: []ledger.OutboxEvent{
				ledger.LockEvent(next, l.Status, ledger.EventLockRefunded, now),
				ledger.PayoutEvent(refund, ledger.EventPayoutCreated, now),
			},
		})
		if errors.Is(err, ledger.ErrStaleStatus) {
			continue
		}
		if err != nil {
			return nil, err
		}

		m.metrics.LockTransition(string(l.Status), string(ledger.LockRefunded))
		m.log.Info().
			Str("lock_id", l.ID).
			Str("player_id", l.PlayerID).
			Str("reason", next.Reason).
			Int64("amount", l.Amount).
			Msg("lock refunded")
		if m.sink != nil {
			m.sink.Submit(refund)
		}
		return updated, nil
	}
	return nil, ledger.ErrStaleStatus.Detailf("lock %s kept changing during refund", lockID)
}

// Expire marks an active lock EXPIRED: its refund is owed but not committed.
// Terminal locks return ErrLockNotActive.
func (m *LockManager) Expire(ctx context.Context, lockID, reason string) (*ledger.Lock, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		l, err := m.store.GetLock(ctx, lockID)
		if err != nil {
			return nil, err
		}
		if l.Status == ledger.LockExpired {
			return l, nil
		}
		if !l.Status.IsActive() {
			return nil, ledger.ErrLockNotActive.Detailf("lock %s is %s", l.ID, l.Status)
		}

		now := m.clock.Now()
		next := l.Clone()
		next.Status = ledger.LockExpired
		next.Reason = reason
		updated, err := m.store.TransitionLock(ctx, ledger.LockTransition{
			LockID: l.ID,
			From:   l.Status,
			To:     ledger.LockExpired,
			At:     now,
			Reason: reason,
			Events: []ledger.OutboxEvent{ledger.LockEvent(next, l.Status, ledger.EventLockExpired, now)},
		})
		if errors.Is(err, ledger.ErrStaleStatus) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.metrics.LockTransition(string(l.Status), string(ledger.LockExpired))
		return updated, nil
	}
	return nil, ledger.ErrStaleStatus.Detailf("lock %s kept changing during expiry", lockID)
}

// ExpireFrom marks the lock EXPIRED only while it is still in from and, when
// dueBy is non-zero, the deadline for that status has passed by dueBy. won
// reports whether this call applied the transition. A lock already EXPIRED is
// returned with won false; any other state is returned unchanged.
func (m *LockManager) ExpireFrom(ctx context.Context, lockID string, from ledger.LockStatus, reason string, dueBy time.Time) (l *ledger.Lock, won bool, err error) {
	l, err = m.store.GetLock(ctx, lockID)
	if err != nil {
		return nil, false, err
	}
	if l.Status != from || !isDue(l, dueBy) {
		return l, false, nil
	}

	now := m.clock.Now()
	next := l.Clone()
	next.Status = ledger.LockExpired
	next.Reason = reason
	updated, err := m.store.TransitionLock(ctx, ledger.LockTransition{
		LockID: l.ID,
		From:   from,
		To:     ledger.LockExpired,
		At:     now,
		Reason: reason,
		Events: []ledger.OutboxEvent{ledger.LockEvent(next, from, ledger.EventLockExpired, now)},
	})
	if errors.Is(err, ledger.ErrStaleStatus) {
		current, gerr := m.store.GetLock(ctx, lockID)
		if gerr != nil {
			return nil, false, gerr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m.metrics.LockTransition(string(from), string(ledger.LockExpired))
	return updated, true, nil
}

func isDue(l *ledger.Lock, dueBy time.Time) bool {
	if dueBy.IsZero() {
		return true
	}
	switch l.Status {
	case ledger.LockPending:
		return !l.ExpiresAt.After(dueBy)
	case ledger.LockLocked:
		return !l.DeadlineAt.After(dueBy)
	}
	return false
}

// ExpireAndRefund expires a lock still in from and past its deadline, then
// commits the refund. A lock that left from in the meantime is returned as is.
func (m *LockManager) ExpireAndRefund(ctx context.Context, lockID string, from ledger.LockStatus, reason string) (*ledger.Lock, error) {
	return m.expireAndRefund(ctx, lockID, from, reason, m.clock.Now())
}

func (m *LockManager) expireAndRefund(ctx context.Context, lockID string, from ledger.LockStatus, reason string, dueBy time.Time) (*ledger.Lock, error) {
	l, _, err := m.ExpireFrom(ctx, lockID, from, reason, dueBy)
	if err != nil {
		return nil, err
	}
	if l.Status != ledger.LockExpired {
		return l, nil
	}
	return m.Refund(ctx, lockID, reason)
}

// RecordOutcome stores the transfer reference of the payout or refund that
// consumed a lock. A different reference already on the lock is a consistency alarm.
func (m *LockManager) RecordOutcome(ctx context.Context, lockID, transferRef string) error {
	l, err := m.store.GetLock(ctx, lockID)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	next := l.Clone()
	next.OutcomeRef = transferRef

	_, err = m.store.SetLockOutcome(ctx, lockID, transferRef, now,
		ledger.LockEvent(next, l.Status, ledger.EventLockOutcome, now))
	if errors.Is(err, ledger.ErrStaleStatus) {
		m.alerter.Raise(ctx, observability.Alert{
			Kind:    observability.AlarmConsistency,
			Subject: lockID,
			Message: "lock already carries a different outcome transfer",
			Fields:  map[string]any{"existing_ref": l.OutcomeRef, "new_ref": transferRef},
		})
		return ledger.ErrConsistency.Detailf("lock %s outcome %s, got %s", lockID, l.OutcomeRef, transferRef)
	}
	return err
}

// FlagForReview records that a match timed out while LOCKED and needs a human.
// A match is flagged at most once; later calls report false and raise nothing.
func (m *LockManager) FlagForReview(ctx context.Context, matchID string, lockIDs []string, reason string) (bool, error) {
	payload := map[string]any{
		"match_id": matchID,
		"lock_ids": lockIDs,
		"reason":   reason,
		"at":       m.clock.Now(),
	}
	evt := ledger.NewOutboxEvent(ledger.AggregateMatch, matchID, ledger.EventMatchReview, payload)
	evt.DedupKey = "review:" + matchID
	added, err := m.store.AppendOutboxOnce(ctx, evt)
	if err != nil {
		return false, fmt.Errorf("flag match %s for review: %w", matchID, err)
	}
	if !added {
		return false, nil
	}
	m.alerter.Raise(ctx, observability.Alert{
		Kind:    observability.AlarmReviewRequired,
		Subject: matchID,
		Message: "match exceeded lock ceiling and was refunded",
		Fields:  map[string]any{"lock_ids": lockIDs, "reason": reason},
	})
	return true, nil
}

// rejectTransition reports an invalid request against a live lock. No state
// changed, so this is logged rather than escalated.
func (m *LockManager) rejectTransition(op string, l *ledger.Lock, target ledger.LockStatus, detail string) error {
	m.metrics.LockRejected(op, ledger.ErrInvalidTransition.Code)
	m.log.Warn().
		Str("op", op).
		Str("lock_id", l.ID).
		Str("status", string(l.Status)).
		Str("target", string(target)).
		Str("detail", detail).
		Msg("invalid lock transition")
	if detail != "" {
		return ledger.ErrInvalidTransition.Detailf("%s: lock %s is %s, cannot become %s: %s", op, l.ID, l.Status, target, detail)
	}
	return ledger.ErrInvalidTransition.Detailf("%s: lock %s is %s, cannot become %s", op, l.ID, l.Status, target)
}

// consistencyViolation handles a request that contradicts a terminal outcome.
// It never mutates the lock and always reaches an operator.
func (m *LockManager) consistencyViolation(ctx context.Context, op string, l *ledger.Lock, target ledger.LockStatus) error {
	err := m.rejectTransition(op, l, target, "conflicts with terminal outcome")
	m.alerter.Raise(ctx, observability.Alert{
		Kind:    observability.AlarmConsistency,
		Subject: l.ID,
		Message: err.Error(),
		Fields: map[string]any{
			"op":       op,
			"status":   string(l.Status),
			"target":   string(target),
			"match_id": l.MatchID,
		},
	})
	alarm := ledger.NewOutboxEvent(ledger.AggregateLock, l.ID, ledger.EventConsistencyAlarm, map[string]any{
		"op":     op,
		"status": l.Status,
		"target": target,
	})
	if aerr := m.store.AppendOutbox(ctx, alarm); aerr != nil {
		m.log.Error().Err(aerr).Str("lock_id", l.ID).Msg("append consistency alarm")
	}
	return err
}

func errorCode(err error) string {
	var le *ledger.Error
	if errors.As(err, &le) {
		return le.Code
	}
	return "internal"
}
