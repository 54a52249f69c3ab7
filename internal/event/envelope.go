package event

// EventType discriminator for inbound event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositConfirmed
	EventTypeMatchStarted
	EventTypeMatchCompleted
)

// Event is the interface all inbound event payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeMatchStarted:
		return "MatchStarted"
	case EventTypeMatchCompleted:
		return "MatchCompleted"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String. Unknown names map to EventTypeUnknown.
func ParseEventType(s string) EventType {
	switch s {
	case "DepositConfirmed":
		return EventTypeDepositConfirmed
	case "MatchStarted":
		return EventTypeMatchStarted
	case "MatchCompleted":
		return EventTypeMatchCompleted
	default:
		return EventTypeUnknown
	}
}
