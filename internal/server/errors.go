package server

import (
	"EscrowLedger/internal/ledger"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusFromError maps a ledger error kind to a gRPC status. The HTTP layer
// derives the response code from it with runtime.HTTPStatusFromCode.
func StatusFromError(err error) *status.Status {
	if s, ok := status.FromError(err); ok {
		return s
	}
	return status.New(codeFor(err), err.Error())
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, ledger.ErrDuplicateDeposit),
		errors.Is(err, ledger.ErrPlayerAlreadyLocked),
		errors.Is(err, ledger.ErrWinnerConflict):
		return codes.AlreadyExists
	}

	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		return codes.InvalidArgument
	case ledger.KindInvalidTransition:
		return codes.FailedPrecondition
	case ledger.KindNotFound:
		return codes.NotFound
	case ledger.KindConflict:
		return codes.Aborted
	case ledger.KindTransferFailure:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
