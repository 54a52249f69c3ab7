package event

import "strings"

// MatchStarted binds locks to a match. Producers name either the locks or
// the players; players resolve to their active lock.
type MatchStarted struct {
	MatchID   string
	LockIDs   []string
	PlayerIDs []string
}

// IdempotencyKey names the match and its participants, e.g.
// "m1|player:alice,bob", so a redelivery can be checked against every
// listed participant rather than the match alone.
func (m *MatchStarted) IdempotencyKey() string {
	if m.ByPlayer() {
		return m.MatchID + "|player:" + strings.Join(m.PlayerIDs, ",")
	}
	return m.MatchID + "|lock:" + strings.Join(m.LockIDs, ",")
}

func (m *MatchStarted) EventType() EventType {
	return EventTypeMatchStarted
}

// ByPlayer reports whether the match names players rather than locks.
func (m *MatchStarted) ByPlayer() bool {
	return len(m.LockIDs) == 0
}

type MatchCompleted struct {
	MatchID  string
	WinnerID string
}

// IdempotencyKey is match and winner: a second completion naming another
// winner must not be dropped as a duplicate.
func (m *MatchCompleted) IdempotencyKey() string {
	return m.MatchID + "|" + m.WinnerID
}

func (m *MatchCompleted) EventType() EventType {
	return EventTypeMatchCompleted
}
