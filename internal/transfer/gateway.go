// Package transfer is the boundary to the external value-transfer network.
package transfer

import (
	"context"
	"errors"
)

// Status is the network's view of a transfer.
type Status string

const (
	StatusNotFound  Status = "NOT_FOUND"
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Result is what the network reports for one idempotency key. Reference is
// set once the transfer is confirmed.
type Result struct {
	Status    Status
	Reference string
	Message   string
}

// ErrUnavailable wraps transport failures where the outcome of the call is
// unknown; callers must query before sending again.
var ErrUnavailable = errors.New("transfer network unavailable")

// Gateway moves custodied funds. Transfer is idempotent per key on the
// network side: repeating a key never moves funds twice.
type Gateway interface {
	Transfer(ctx context.Context, destination string, amount int64, idempotencyKey string) (Result, error)
	QueryTransfer(ctx context.Context, idempotencyKey string) (Result, error)
	// Balance reports the custodial wallet balance in minor units.
	Balance(ctx context.Context) (int64, error)
}
