package ledger

import (
	"encoding/json"
	"time"
)

// Outbox event types published after a transition commits.
const (
	EventLockCreated      = "lock.created"
	EventLockActivated    = "lock.activated"
	EventLockReleased     = "lock.released"
	EventLockExpired      = "lock.expired"
	EventLockRefunded     = "lock.refunded"
	EventLockOutcome      = "lock.outcome_recorded"
	EventPayoutCreated    = "payout.created"
	EventPayoutRetry      = "payout.retry_scheduled"
	EventPayoutConfirmed  = "payout.confirmed"
	EventPayoutFailed     = "payout.failed"
	EventPayoutRedriven   = "payout.redriven"
	EventPayoutRecovered  = "payout.recovered"
	EventMatchReview      = "match.review_required"
	EventConsistencyAlarm = "alarm.consistency"
)

const (
	AggregateLock   = "lock"
	AggregatePayout = "payout"
	AggregateMatch  = "match"
)

// OutboxEvent is an intent to notify downstream consumers, written in the
// same atomic operation as the transition it describes.
type OutboxEvent struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	// DedupKey, when set, makes the event at most once: AppendOutboxOnce
	// drops a later event carrying the same key.
	DedupKey string
}

// OutboxRecord is a persisted outbox row.
type OutboxRecord struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	AvailableAt   time.Time
	Attempts      int
	LastError     string
	Delivered     bool
	PublishedAt   *time.Time
	CreatedAt     time.Time
}

// NewOutboxEvent marshals payload into an outbox intent. Marshal failures
// degrade to an empty object; the event type and aggregate still identify it.
func NewOutboxEvent(aggregateType, aggregateID, eventType string, payload any) OutboxEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	}
}

// LockEventPayload is the outbound body of lock.* events.
type LockEventPayload struct {
	LockID   string     `json:"lock_id"`
	PlayerID string     `json:"player_id"`
	MatchID  string     `json:"match_id,omitempty"`
	Amount   int64      `json:"amount"`
	From     LockStatus `json:"from,omitempty"`
	Status   LockStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	At       time.Time  `json:"at"`
}

// PayoutEventPayload is the outbound body of payout.* events.
type PayoutEventPayload struct {
	PayoutID    string       `json:"payout_id"`
	Kind        PayoutKind   `json:"kind"`
	MatchID     string       `json:"match_id,omitempty"`
	LockID      string       `json:"lock_id"`
	WinnerID    string       `json:"winner_id"`
	Amount      int64        `json:"amount"`
	Fee         int64        `json:"fee"`
	Status      PayoutStatus `json:"status"`
	RetryCount  int          `json:"retry_count"`
	TransferRef string       `json:"transfer_ref,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	At          time.Time    `json:"at"`
}

func LockEvent(l *Lock, from LockStatus, eventType string, at time.Time) OutboxEvent {
	return NewOutboxEvent(AggregateLock, l.ID, eventType, LockEventPayload{
		LockID:   l.ID,
		PlayerID: l.PlayerID,
		MatchID:  l.MatchID,
		Amount:   l.Amount,
		From:     from,
		Status:   l.Status,
		Reason:   l.Reason,
		At:       at,
	})
}

func PayoutEvent(p *PayoutRecord, eventType string, at time.Time) OutboxEvent {
	return NewOutboxEvent(AggregatePayout, p.ID, eventType, PayoutEventPayload{
		PayoutID:    p.ID,
		Kind:        p.Kind,
		MatchID:     p.MatchID,
		LockID:      p.LockID,
		WinnerID:    p.WinnerID,
		Amount:      p.Amount,
		Fee:         p.Fee,
		Status:      p.Status,
		RetryCount:  p.RetryCount,
		TransferRef: p.TransferRef,
		LastError:   p.LastError,
		At:          at,
	})
}
