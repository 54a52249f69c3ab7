package ledger

import (
	"context"
	"time"
)

// Store is the durable ledger. Every mutation is an atomic conditional update
// keyed by current status; implementations never read-modify-write under an
// external lock. Outbox events passed with a mutation commit with it or not at all.
type Store interface {
	LockStore
	PayoutStore
	OutboxStore
}

type LockStore interface {
	// InsertLock fails with ErrDuplicateDeposit when the deposit ref is bound and
	// ErrPlayerAlreadyLocked when the player holds a PENDING or LOCKED lock.
	InsertLock(ctx context.Context, l *Lock, events ...OutboxEvent) error
	GetLock(ctx context.Context, id string) (*Lock, error)
	GetLockByDeposit(ctx context.Context, depositRef string) (*Lock, error)
	GetActiveLockByPlayer(ctx context.Context, playerID string) (*Lock, error)
	ListLocksByMatch(ctx context.Context, matchID string) ([]*Lock, error)

	// TransitionLock applies t if the lock is currently in t.From. It returns
	// the updated lock, or ErrStaleStatus with no mutation.
	TransitionLock(ctx context.Context, t LockTransition) (*Lock, error)
	// ReleaseMatch moves every listed lock LOCKED → RELEASED and inserts the
	// payout, all-or-nothing. Returns ErrStaleStatus if any lock moved.
	ReleaseMatch(ctx context.Context, r ReleaseMatch) (*PayoutRecord, error)
	// SetLockOutcome records the transfer reference once; a second call with a
	// different reference fails with ErrStaleStatus.
	SetLockOutcome(ctx context.Context, lockID, transferRef string, at time.Time, events ...OutboxEvent) (*Lock, error)

	ListLocksDue(ctx context.Context, status LockStatus, before time.Time, limit int) ([]*Lock, error)
	ListLocksByStatus(ctx context.Context, status LockStatus, limit int) ([]*Lock, error)
	LockStats(ctx context.Context) (map[LockStatus]LockStats, error)
	// SumHeldAmount is the derived total of locks still holding custodied funds.
	SumHeldAmount(ctx context.Context) (int64, error)
}

type PayoutStore interface {
	GetPayout(ctx context.Context, id string) (*PayoutRecord, error)
	GetPayoutByMatch(ctx context.Context, matchID string) (*PayoutRecord, error)
	GetPayoutByLock(ctx context.Context, kind PayoutKind, lockID string) (*PayoutRecord, error)
	TransitionPayout(ctx context.Context, t PayoutTransition) (*PayoutRecord, error)
	// ListPayoutsDue returns PENDING records whose next attempt is at or before now.
	ListPayoutsDue(ctx context.Context, now time.Time, limit int) ([]*PayoutRecord, error)
	// ListPayoutsStale returns PROCESSING records untouched since before.
	ListPayoutsStale(ctx context.Context, before time.Time, limit int) ([]*PayoutRecord, error)
	PayoutStats(ctx context.Context) (map[PayoutStatus]PayoutStats, error)
}

type OutboxStore interface {
	AppendOutbox(ctx context.Context, events ...OutboxEvent) error
	// AppendOutboxOnce appends e unless an event with e.DedupKey exists.
	// It reports whether e was appended.
	AppendOutboxOnce(ctx context.Context, e OutboxEvent) (bool, error)
	ListOutboxPending(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error)
	MarkOutboxDelivered(ctx context.Context, id int64, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id int64, lastError string, retryAt time.Time) error
}
