package ledger

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for propagation policy: validation errors are
// rejected synchronously, transfer failures are retried, consistency errors halt
// automated processing of the record and page an operator.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindInvalidTransition
	KindNotFound
	KindConflict
	KindTransferFailure
	KindConsistency
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransferFailure:
		return "transfer_failure"
	case KindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// Error is a classified ledger error. Package-level values act as sentinels
// for errors.Is; Detailf derives a value that still matches its sentinel.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string

	base *Error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Is matches the sentinel an error was derived from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e == t {
		return true
	}
	return e.base != nil && e.base == t
}

// Detailf returns a copy of the sentinel carrying a formatted message.
func (e *Error) Detailf(format string, args ...any) *Error {
	base := e
	if e.base != nil {
		base = e.base
	}
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...), base: base}
}

func newError(kind ErrorKind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

var (
	ErrDuplicateDeposit    = newError(KindValidation, "duplicate_deposit")
	ErrPlayerAlreadyLocked = newError(KindValidation, "player_already_locked")
	ErrInvalidAmount       = newError(KindValidation, "invalid_amount")
	ErrAmountMismatch      = newError(KindValidation, "amount_mismatch")
	ErrInvalidInput        = newError(KindValidation, "invalid_input")

	ErrInvalidTransition = newError(KindInvalidTransition, "invalid_transition")
	ErrExpired           = newError(KindInvalidTransition, "expired")
	ErrLockNotActive     = newError(KindInvalidTransition, "lock_not_active")

	ErrLockNotFound   = newError(KindNotFound, "lock_not_found")
	ErrMatchNotFound  = newError(KindNotFound, "match_not_found")
	ErrPayoutNotFound = newError(KindNotFound, "payout_not_found")

	ErrIncompleteMatch = newError(KindValidation, "incomplete_match")
	ErrInvalidWinner   = newError(KindValidation, "invalid_winner")

	// ErrStaleStatus reports a lost compare-and-swap: the record's status moved
	// since it was read. No mutation was applied.
	ErrStaleStatus = newError(KindConflict, "stale_status")

	ErrTransferFailed = newError(KindTransferFailure, "transfer_failed")

	ErrWinnerConflict = newError(KindConsistency, "winner_conflict")
	ErrConsistency    = newError(KindConsistency, "consistency_alarm")
)

// KindOf classifies any (possibly wrapped) error.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}
