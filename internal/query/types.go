package query

import (
	"EscrowLedger/internal/ledger"
	fpmath "EscrowLedger/internal/math"
	"time"
)

// LockResponse represents an escrow lock for API queries. Amount is in minor
// units; AmountDecimal renders it in major units.
type LockResponse struct {
	LockID        string     `json:"lock_id"`
	PlayerID      string     `json:"player_id"`
	Amount        int64      `json:"amount"`
	AmountDecimal string     `json:"amount_decimal"`
	DepositRef    string     `json:"deposit_ref"`
	PayoutAddress string     `json:"payout_address,omitempty"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	MatchID       string     `json:"match_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	DeadlineAt    time.Time  `json:"deadline_at"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	OutcomeRef    string     `json:"outcome_ref,omitempty"`
}

// PayoutResponse represents a payout or refund record for API queries.
type PayoutResponse struct {
	PayoutID       string    `json:"payout_id"`
	Kind           string    `json:"kind"`
	MatchID        string    `json:"match_id,omitempty"`
	LockID         string    `json:"lock_id"`
	RecipientID    string    `json:"recipient_id"`
	Destination    string    `json:"destination"`
	Amount         int64     `json:"amount"`
	AmountDecimal  string    `json:"amount_decimal"`
	Fee            int64     `json:"fee"`
	Status         string    `json:"status"`
	RetryCount     int       `json:"retry_count"`
	LastError      string    `json:"last_error,omitempty"`
	TransferRef    string    `json:"transfer_ref,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StatusTotals is the count and summed amount of records in one status.
type StatusTotals struct {
	Count  int64  `json:"count"`
	Amount int64  `json:"amount"`
	Total  string `json:"total"`
}

// StatsResponse breaks locks and payouts down by status.
type StatsResponse struct {
	Locks   map[string]StatusTotals `json:"locks"`
	Payouts map[string]StatusTotals `json:"payouts"`
	AsOf    time.Time               `json:"as_of"`
}

func NewLockResponse(l *ledger.Lock, cfg fpmath.DecimalConfig) *LockResponse {
	return &LockResponse{
		LockID:        l.ID,
		PlayerID:      l.PlayerID,
		Amount:        l.Amount,
		AmountDecimal: fpmath.FormatFixed(l.Amount, cfg),
		DepositRef:    l.DepositRef,
		PayoutAddress: l.PayoutAddress,
		Status:        string(l.Status),
		Reason:        l.Reason,
		MatchID:       l.MatchID,
		CreatedAt:     l.CreatedAt,
		ExpiresAt:     l.ExpiresAt,
		DeadlineAt:    l.DeadlineAt,
		ActivatedAt:   l.ActivatedAt,
		ClosedAt:      l.ClosedAt,
		OutcomeRef:    l.OutcomeRef,
	}
}

func NewPayoutResponse(p *ledger.PayoutRecord, cfg fpmath.DecimalConfig) *PayoutResponse {
	return &PayoutResponse{
		PayoutID:       p.ID,
		Kind:           string(p.Kind),
		MatchID:        p.MatchID,
		LockID:         p.LockID,
		RecipientID:    p.WinnerID,
		Destination:    p.Destination,
		Amount:         p.Amount,
		AmountDecimal:  fpmath.FormatFixed(p.Amount, cfg),
		Fee:            p.Fee,
		Status:         string(p.Status),
		RetryCount:     p.RetryCount,
		LastError:      p.LastError,
		TransferRef:    p.TransferRef,
		IdempotencyKey: p.IdempotencyKey,
		NextAttemptAt:  p.NextAttemptAt,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}
