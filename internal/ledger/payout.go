package ledger

import (
	"time"

	"github.com/google/uuid"
)

// PayoutStatus is the execution state of an outbound transfer.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutConfirmed  PayoutStatus = "CONFIRMED"
	PayoutFailed     PayoutStatus = "FAILED"
)

var AllPayoutStatuses = []PayoutStatus{PayoutPending, PayoutProcessing, PayoutConfirmed, PayoutFailed}

// PayoutKind distinguishes winner payouts from stake refunds.
type PayoutKind string

const (
	KindPayout PayoutKind = "PAYOUT"
	KindRefund PayoutKind = "REFUND"
)

// PayoutRecord is one external transfer owed by the escrow. Retries mutate the
// same record; the idempotency key is stable across attempts.
type PayoutRecord struct {
	ID             string
	Kind           PayoutKind
	MatchID        string
	LockID         string // winner's lock for payouts, refunded lock for refunds
	WinnerID       string // recipient player
	Destination    string
	Amount         int64
	Fee            int64
	Status         PayoutStatus
	RetryCount     int
	LastError      string
	TransferRef    string
	IdempotencyKey string
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewMatchPayout builds the PENDING winner payout for a settled match.
func NewMatchPayout(matchID string, winner *Lock, amount, fee int64, now time.Time) *PayoutRecord {
	return &PayoutRecord{
		ID:             uuid.NewString(),
		Kind:           KindPayout,
		MatchID:        matchID,
		LockID:         winner.ID,
		WinnerID:       winner.PlayerID,
		Destination:    winner.PayoutAddress,
		Amount:         amount,
		Fee:            fee,
		Status:         PayoutPending,
		IdempotencyKey: "payout:" + matchID,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewRefundPayout builds the PENDING refund transfer returning a lock's stake.
func NewRefundPayout(l *Lock, now time.Time) *PayoutRecord {
	return &PayoutRecord{
		ID:             uuid.NewString(),
		Kind:           KindRefund,
		MatchID:        l.MatchID,
		LockID:         l.ID,
		WinnerID:       l.PlayerID,
		Destination:    l.PayoutAddress,
		Amount:         l.Amount,
		Status:         PayoutPending,
		IdempotencyKey: "refund:" + l.ID,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (p *PayoutRecord) Clone() *PayoutRecord {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// IsTerminal reports whether the record needs no further automated work.
func (p *PayoutRecord) IsTerminal() bool {
	return p.Status == PayoutConfirmed || p.Status == PayoutFailed
}

// PayoutTransition is a compare-and-swap on payout status. It applies only if
// the current status equals From and the retry count equals ExpectRetry.
type PayoutTransition struct {
	PayoutID    string
	From        PayoutStatus
	To          PayoutStatus
	ExpectRetry int
	At          time.Time

	RetryCount    int
	LastError     string
	TransferRef   string
	NextAttemptAt time.Time

	Events []OutboxEvent
}

// PayoutStats aggregates payout records for one status.
type PayoutStats struct {
	Count  int64
	Amount int64
}
