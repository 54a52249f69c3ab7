package ledger

import (
	"time"

	"github.com/google/uuid"
)

// LockStatus is the lifecycle state of an escrow lock.
type LockStatus string

const (
	LockPending  LockStatus = "PENDING"
	LockLocked   LockStatus = "LOCKED"
	LockReleased LockStatus = "RELEASED"
	LockRefunded LockStatus = "REFUNDED"
	// LockExpired marks a timed-out lock whose refund is owed but not yet committed.
	LockExpired LockStatus = "EXPIRED"
)

// AllLockStatuses lists statuses in lifecycle order (used by stats views).
var AllLockStatuses = []LockStatus{LockPending, LockLocked, LockExpired, LockReleased, LockRefunded}

// IsActive reports whether the status counts toward the per-player single-active-lock rule.
func (s LockStatus) IsActive() bool {
	return s == LockPending || s == LockLocked
}

// IsTerminal reports whether no further transition may leave the status.
func (s LockStatus) IsTerminal() bool {
	return s == LockReleased || s == LockRefunded
}

// HoldsFunds reports whether the lock's amount is still custodied for the player.
// EXPIRED locks still hold funds until the refund commits.
func (s LockStatus) HoldsFunds() bool {
	return s.IsActive() || s == LockExpired
}

var lockTransitions = map[LockStatus][]LockStatus{
	LockPending: {LockLocked, LockRefunded, LockExpired},
	LockLocked:  {LockReleased, LockRefunded, LockExpired},
	LockExpired: {LockRefunded},
}

// CanTransition reports whether from → to is an edge of the lock state machine.
func CanTransition(from, to LockStatus) bool {
	for _, next := range lockTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Refund and expiry reasons.
const (
	ReasonNoOpponentFound = "NoOpponentFound"
	ReasonMatchTimeout    = "MatchTimeout"
	ReasonMatchAborted    = "MatchAborted"
	ReasonActivationLate  = "ActivationAfterDeadline"
	ReasonOperator        = "OperatorRefund"
)

// Lock is one player's staked funds for one prospective or active match.
// Amount is in minor units and never changes after creation.
type Lock struct {
	ID            string
	PlayerID      string
	Amount        int64
	DepositRef    string
	PayoutAddress string
	Status        LockStatus
	Reason        string

	MatchID string // empty until activated

	CreatedAt   time.Time
	ExpiresAt   time.Time // PENDING deadline
	DeadlineAt  time.Time // absolute ceiling for LOCKED
	ActivatedAt *time.Time
	ClosedAt    *time.Time // release or refund time
	UpdatedAt   time.Time

	OutcomeRef string // transfer reference of the payout/refund that consumed the lock
}

// NewLock builds a PENDING lock with both deadlines derived from now.
func NewLock(playerID string, amount int64, depositRef, payoutAddress string, now time.Time, pendingTTL, ceiling time.Duration) *Lock {
	return &Lock{
		ID:            uuid.NewString(),
		PlayerID:      playerID,
		Amount:        amount,
		DepositRef:    depositRef,
		PayoutAddress: payoutAddress,
		Status:        LockPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(pendingTTL),
		DeadlineAt:    now.Add(ceiling),
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (l *Lock) Clone() *Lock {
	if l == nil {
		return nil
	}
	c := *l
	if l.ActivatedAt != nil {
		t := *l.ActivatedAt
		c.ActivatedAt = &t
	}
	if l.ClosedAt != nil {
		t := *l.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// LockTransition is a compare-and-swap request: it applies only if the lock's
// current status equals From.
type LockTransition struct {
	LockID  string
	From    LockStatus
	To      LockStatus
	At      time.Time
	MatchID string // set on activation
	Reason  string

	// Refund is committed in the same atomic operation as the status change.
	Refund *PayoutRecord
	Events []OutboxEvent
}

// ReleaseMatch releases every lock of a match atomically and co-commits the
// winner's payout record. All listed locks must be LOCKED for MatchID.
type ReleaseMatch struct {
	MatchID string
	LockIDs []string
	At      time.Time
	Payout  *PayoutRecord
	Events  []OutboxEvent
}

// LockStats aggregates lock counts and amounts for one status.
type LockStats struct {
	Count  int64
	Amount int64
}
