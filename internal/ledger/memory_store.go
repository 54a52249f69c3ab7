package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. A single mutex stands in for the row
// atomicity a database gives each statement; unique indexes mirror the
// Postgres schema (deposit_ref, active player, payout per match, idempotency key).
type MemoryStore struct {
	mu sync.Mutex

	locks         map[string]*Lock
	lockByDeposit map[string]string
	activeLock    map[string]string // player id -> lock id, PENDING/LOCKED only

	payouts         map[string]*PayoutRecord
	payoutByMatch   map[string]string
	payoutByIdemKey map[string]string

	outbox       []OutboxRecord
	outboxKeys   map[string]struct{}
	nextOutboxID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:           make(map[string]*Lock),
		lockByDeposit:   make(map[string]string),
		activeLock:      make(map[string]string),
		payouts:         make(map[string]*PayoutRecord),
		payoutByMatch:   make(map[string]string),
		payoutByIdemKey: make(map[string]string),
		outboxKeys:      make(map[string]struct{}),
		nextOutboxID:    1,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) InsertLock(_ context.Context, l *Lock, events ...OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lockByDeposit[l.DepositRef]; ok {
		return ErrDuplicateDeposit.Detailf("deposit %s already bound", l.DepositRef)
	}
	if id, ok := s.activeLock[l.PlayerID]; ok {
		return ErrPlayerAlreadyLocked.Detailf("player %s holds lock %s", l.PlayerID, id)
	}

	stored := l.Clone()
	s.locks[stored.ID] = stored
	s.lockByDeposit[stored.DepositRef] = stored.ID
	if stored.Status.IsActive() {
		s.activeLock[stored.PlayerID] = stored.ID
	}
	s.appendOutboxLocked(stored.CreatedAt, events)
	return nil
}

func (s *MemoryStore) GetLock(_ context.Context, id string) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		return nil, ErrLockNotFound.Detailf("lock %s", id)
	}
	return l.Clone(), nil
}

func (s *MemoryStore) GetLockByDeposit(_ context.Context, depositRef string) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.lockByDeposit[depositRef]
	if !ok {
		return nil, ErrLockNotFound.Detailf("deposit %s", depositRef)
	}
	return s.locks[id].Clone(), nil
}

func (s *MemoryStore) GetActiveLockByPlayer(_ context.Context, playerID string) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.activeLock[playerID]
	if !ok {
		return nil, ErrLockNotFound.Detailf("no active lock for player %s", playerID)
	}
	return s.locks[id].Clone(), nil
}

func (s *MemoryStore) ListLocksByMatch(_ context.Context, matchID string) ([]*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Lock
	for _, l := range s.locks {
		if l.MatchID == matchID {
			out = append(out, l.Clone())
		}
	}
	sortLocks(out)
	return out, nil
}

func (s *MemoryStore) TransitionLock(_ context.Context, t LockTransition) (*Lock, error) {
	if !CanTransition(t.From, t.To) {
		return nil, ErrInvalidTransition.Detailf("%s -> %s", t.From, t.To)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[t.LockID]
	if !ok {
		return nil, ErrLockNotFound.Detailf("lock %s", t.LockID)
	}
	if l.Status != t.From {
		return nil, ErrStaleStatus.Detailf("lock %s is %s, expected %s", l.ID, l.Status, t.From)
	}
	if t.Refund != nil {
		if err := s.checkPayoutUniqueLocked(t.Refund); err != nil {
			return nil, err
		}
	}

	applyLockTransition(l, t)
	if !l.Status.IsActive() && s.activeLock[l.PlayerID] == l.ID {
		delete(s.activeLock, l.PlayerID)
	}
	if t.Refund != nil {
		s.insertPayoutLocked(t.Refund)
	}
	s.appendOutboxLocked(t.At, t.Events)
	return l.Clone(), nil
}

func (s *MemoryStore) ReleaseMatch(_ context.Context, r ReleaseMatch) (*PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range r.LockIDs {
		l, ok := s.locks[id]
		if !ok {
			return nil, ErrLockNotFound.Detailf("lock %s", id)
		}
		if l.Status != LockLocked || l.MatchID != r.MatchID {
			return nil, ErrStaleStatus.Detailf("lock %s is %s in match %q", id, l.Status, l.MatchID)
		}
	}
	if r.Payout != nil {
		if err := s.checkPayoutUniqueLocked(r.Payout); err != nil {
			return nil, err
		}
	}

	for _, id := range r.LockIDs {
		l := s.locks[id]
		applyLockTransition(l, LockTransition{LockID: id, From: LockLocked, To: LockReleased, At: r.At})
		if s.activeLock[l.PlayerID] == l.ID {
			delete(s.activeLock, l.PlayerID)
		}
	}
	var out *PayoutRecord
	if r.Payout != nil {
		out = s.insertPayoutLocked(r.Payout).Clone()
	}
	s.appendOutboxLocked(r.At, r.Events)
	return out, nil
}

func (s *MemoryStore) SetLockOutcome(_ context.Context, lockID, transferRef string, at time.Time, events ...OutboxEvent) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lockID]
	if !ok {
		return nil, ErrLockNotFound.Detailf("lock %s", lockID)
	}
	if l.OutcomeRef != "" {
		if l.OutcomeRef == transferRef {
			return l.Clone(), nil
		}
		return nil, ErrStaleStatus.Detailf("lock %s already has outcome %s", lockID, l.OutcomeRef)
	}
	l.OutcomeRef = transferRef
	l.UpdatedAt = at
	s.appendOutboxLocked(at, events)
	return l.Clone(), nil
}

func (s *MemoryStore) ListLocksDue(_ context.Context, status LockStatus, before time.Time, limit int) ([]*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Lock
	for _, l := range s.locks {
		if l.Status != status {
			continue
		}
		deadline := l.ExpiresAt
		if status == LockLocked {
			deadline = l.DeadlineAt
		}
		if !deadline.After(before) {
			out = append(out, l.Clone())
		}
	}
	sortLocks(out)
	return truncate(out, limit), nil
}

func (s *MemoryStore) ListLocksByStatus(_ context.Context, status LockStatus, limit int) ([]*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Lock
	for _, l := range s.locks {
		if l.Status == status {
			out = append(out, l.Clone())
		}
	}
	sortLocks(out)
	return truncate(out, limit), nil
}

func (s *MemoryStore) LockStats(_ context.Context) (map[LockStatus]LockStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[LockStatus]LockStats, len(AllLockStatuses))
	for _, l := range s.locks {
		st := stats[l.Status]
		st.Count++
		st.Amount += l.Amount
		stats[l.Status] = st
	}
	return stats, nil
}

func (s *MemoryStore) SumHeldAmount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, l := range s.locks {
		if l.Status.HoldsFunds() {
			total += l.Amount
		}
	}
	return total, nil
}

func (s *MemoryStore) GetPayout(_ context.Context, id string) (*PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound.Detailf("payout %s", id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetPayoutByMatch(_ context.Context, matchID string) (*PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.payoutByMatch[matchID]
	if !ok {
		return nil, ErrPayoutNotFound.Detailf("match %s", matchID)
	}
	return s.payouts[id].Clone(), nil
}

func (s *MemoryStore) GetPayoutByLock(_ context.Context, kind PayoutKind, lockID string) (*PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payouts {
		if p.Kind == kind && p.LockID == lockID {
			return p.Clone(), nil
		}
	}
	return nil, ErrPayoutNotFound.Detailf("%s for lock %s", kind, lockID)
}

func (s *MemoryStore) TransitionPayout(_ context.Context, t PayoutTransition) (*PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[t.PayoutID]
	if !ok {
		return nil, ErrPayoutNotFound.Detailf("payout %s", t.PayoutID)
	}
	if p.Status != t.From || p.RetryCount != t.ExpectRetry {
		return nil, ErrStaleStatus.Detailf("payout %s is %s/%d, expected %s/%d",
			p.ID, p.Status, p.RetryCount, t.From, t.ExpectRetry)
	}
	if p.TransferRef != "" && t.TransferRef != "" && p.TransferRef != t.TransferRef {
		return nil, ErrConsistency.Detailf("payout %s already carries transfer %s", p.ID, p.TransferRef)
	}

	p.Status = t.To
	p.RetryCount = t.RetryCount
	p.LastError = t.LastError
	if t.TransferRef != "" {
		p.TransferRef = t.TransferRef
	}
	if !t.NextAttemptAt.IsZero() {
		p.NextAttemptAt = t.NextAttemptAt
	}
	p.UpdatedAt = t.At
	s.appendOutboxLocked(t.At, t.Events)
	return p.Clone(), nil
}

func (s *MemoryStore) ListPayoutsDue(_ context.Context, now time.Time, limit int) ([]*PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PayoutRecord
	for _, p := range s.payouts {
		if p.Status == PayoutPending && !p.NextAttemptAt.After(now) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) ListPayoutsStale(_ context.Context, before time.Time, limit int) ([]*PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PayoutRecord
	for _, p := range s.payouts {
		if p.Status == PayoutProcessing && p.UpdatedAt.Before(before) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) PayoutStats(_ context.Context) (map[PayoutStatus]PayoutStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[PayoutStatus]PayoutStats, len(AllPayoutStatuses))
	for _, p := range s.payouts {
		st := stats[p.Status]
		st.Count++
		st.Amount += p.Amount
		stats[p.Status] = st
	}
	return stats, nil
}

func (s *MemoryStore) AppendOutbox(_ context.Context, events ...OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendOutboxLocked(time.Now(), events)
	return nil
}

func (s *MemoryStore) AppendOutboxOnce(_ context.Context, e OutboxEvent) (bool, error) {
	if e.DedupKey == "" {
		return false, ErrInvalidInput.Detailf("outbox event %s has no dedup key", e.EventType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outboxKeys[e.DedupKey]; ok {
		return false, nil
	}
	s.appendOutboxLocked(time.Now(), []OutboxEvent{e})
	return true, nil
}

func (s *MemoryStore) ListOutboxPending(_ context.Context, now time.Time, limit int) ([]OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []OutboxRecord
	for _, r := range s.outbox {
		if !r.Delivered && !r.AvailableAt.After(now) {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkOutboxDelivered(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.outboxLocked(id)
	if r == nil {
		return ErrInvalidInput.Detailf("outbox %d not found", id)
	}
	r.Delivered = true
	r.Attempts++
	published := at
	r.PublishedAt = &published
	return nil
}

func (s *MemoryStore) MarkOutboxFailed(_ context.Context, id int64, lastError string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.outboxLocked(id)
	if r == nil {
		return ErrInvalidInput.Detailf("outbox %d not found", id)
	}
	r.Attempts++
	r.LastError = lastError
	r.AvailableAt = retryAt
	return nil
}

// Outbox returns a copy of every outbox row, delivered or not.
func (s *MemoryStore) Outbox() []OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]OutboxRecord, len(s.outbox))
	copy(out, s.outbox)
	return out
}

// --- internal helpers (caller holds s.mu) ---

func (s *MemoryStore) checkPayoutUniqueLocked(p *PayoutRecord) error {
	if _, ok := s.payoutByIdemKey[p.IdempotencyKey]; ok {
		return ErrStaleStatus.Detailf("payout with key %s exists", p.IdempotencyKey)
	}
	if p.Kind == KindPayout {
		if _, ok := s.payoutByMatch[p.MatchID]; ok {
			return ErrStaleStatus.Detailf("match %s already has a payout", p.MatchID)
		}
	}
	return nil
}

func (s *MemoryStore) insertPayoutLocked(p *PayoutRecord) *PayoutRecord {
	stored := p.Clone()
	s.payouts[stored.ID] = stored
	s.payoutByIdemKey[stored.IdempotencyKey] = stored.ID
	if stored.Kind == KindPayout {
		s.payoutByMatch[stored.MatchID] = stored.ID
	}
	return stored
}

func (s *MemoryStore) appendOutboxLocked(at time.Time, events []OutboxEvent) {
	for _, e := range events {
		if e.DedupKey != "" {
			s.outboxKeys[e.DedupKey] = struct{}{}
		}
		s.outbox = append(s.outbox, OutboxRecord{
			ID:            s.nextOutboxID,
			AggregateType: e.AggregateType,
			AggregateID:   e.AggregateID,
			EventType:     e.EventType,
			Payload:       e.Payload,
			AvailableAt:   at,
			CreatedAt:     at,
		})
		s.nextOutboxID++
	}
}

func (s *MemoryStore) outboxLocked(id int64) *OutboxRecord {
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			return &s.outbox[i]
		}
	}
	return nil
}

func applyLockTransition(l *Lock, t LockTransition) {
	l.Status = t.To
	l.UpdatedAt = t.At
	if t.Reason != "" {
		l.Reason = t.Reason
	}
	switch t.To {
	case LockLocked:
		at := t.At
		l.ActivatedAt = &at
		l.MatchID = t.MatchID
	case LockReleased, LockRefunded:
		at := t.At
		l.ClosedAt = &at
	}
}

func sortLocks(ls []*Lock) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].CreatedAt.Equal(ls[j].CreatedAt) {
			return ls[i].ID < ls[j].ID
		}
		return ls[i].CreatedAt.Before(ls[j].CreatedAt)
	})
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
