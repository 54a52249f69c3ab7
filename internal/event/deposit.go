package event

import "time"

// DepositConfirmed reports funds that reached the custodial wallet and are to
// be held for a player's next match.
type DepositConfirmed struct {
	DepositRef    string
	PlayerID      string
	Amount        int64 // minor units
	PayoutAddress string
	Timestamp     time.Time
}

func (d *DepositConfirmed) IdempotencyKey() string {
	return d.DepositRef
}

func (d *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}
