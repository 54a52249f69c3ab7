package persistence

import (
	"EscrowLedger/internal/ledger"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresStore implements ledger.Store on database/sql + lib/pq. Every status
// change is a single UPDATE ... WHERE status = $from; a zero-row result is a
// lost compare-and-swap. Outbox rows are written in the same transaction.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewPostgresStore(db *sql.DB, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

var _ ledger.Store = (*PostgresStore)(nil)

// Unique constraint names from migrations/000001_escrow.up.sql.
const (
	constraintDepositRef   = "locks_deposit_ref_key"
	constraintActivePlayer = "locks_active_player_idx"
	constraintPayoutMatch  = "payouts_match_idx"
	constraintIdemKey      = "payouts_idempotency_key_key"
)

const lockColumns = `id, player_id, amount, deposit_ref, payout_address, status, reason, match_id,
	created_at, expires_at, deadline_at, activated_at, closed_at, outcome_ref, updated_at`

const payoutColumns = `id, kind, match_id, lock_id, winner_id, destination, amount, fee, status,
	retry_count, last_error, transfer_ref, idempotency_key, next_attempt_at, created_at, updated_at`

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, available_at,
	attempts, last_error, delivered, published_at, created_at`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================================
// Locks
// ============================================================================

func (s *PostgresStore) InsertLock(ctx context.Context, l *ledger.Lock, events ...ledger.OutboxEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO escrow.locks (`+lockColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			l.ID, l.PlayerID, l.Amount, l.DepositRef, l.PayoutAddress, string(l.Status), l.Reason, l.MatchID,
			l.CreatedAt, l.ExpiresAt, l.DeadlineAt, nullTime(l.ActivatedAt), nullTime(l.ClosedAt), l.OutcomeRef, l.UpdatedAt,
		)
		if constraint, ok := uniqueViolation(err); ok {
			switch constraint {
			case constraintDepositRef:
				return ledger.ErrDuplicateDeposit.Detailf("deposit %s already bound", l.DepositRef)
			case constraintActivePlayer:
				return ledger.ErrPlayerAlreadyLocked.Detailf("player %s holds an active lock", l.PlayerID)
			}
		}
		if err != nil {
			return fmt.Errorf("insert lock %s: %w", l.ID, err)
		}
		return insertOutbox(ctx, tx, l.CreatedAt, events)
	})
}

func (s *PostgresStore) GetLock(ctx context.Context, id string) (*ledger.Lock, error) {
	l, err := scanLock(s.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM escrow.locks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrLockNotFound.Detailf("lock %s", id)
	}
	return l, err
}

func (s *PostgresStore) GetLockByDeposit(ctx context.Context, depositRef string) (*ledger.Lock, error) {
	l, err := scanLock(s.db.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM escrow.locks WHERE deposit_ref = $1`, depositRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrLockNotFound.Detailf("deposit %s", depositRef)
	}
	return l, err
}

func (s *PostgresStore) GetActiveLockByPlayer(ctx context.Context, playerID string) (*ledger.Lock, error) {
	l, err := scanLock(s.db.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM escrow.locks WHERE player_id = $1 AND status IN ('PENDING', 'LOCKED')`, playerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrLockNotFound.Detailf("no active lock for player %s", playerID)
	}
	return l, err
}

func (s *PostgresStore) ListLocksByMatch(ctx context.Context, matchID string) ([]*ledger.Lock, error) {
	return s.queryLocks(ctx,
		`SELECT `+lockColumns+` FROM escrow.locks WHERE match_id = $1 ORDER BY created_at, id`, matchID)
}

func (s *PostgresStore) TransitionLock(ctx context.Context, t ledger.LockTransition) (*ledger.Lock, error) {
	if !ledger.CanTransition(t.From, t.To) {
		return nil, ledger.ErrInvalidTransition.Detailf("%s -> %s", t.From, t.To)
	}

	var out *ledger.Lock
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		l, err := scanLock(tx.QueryRowContext(ctx, `
			UPDATE escrow.locks SET
				status       = $3::text,
				updated_at   = $4::timestamptz,
				reason       = CASE WHEN $5::text <> '' THEN $5::text ELSE reason END,
				match_id     = CASE WHEN $3::text = 'LOCKED' THEN $6::text ELSE match_id END,
				activated_at = CASE WHEN $3::text = 'LOCKED' THEN $4::timestamptz ELSE activated_at END,
				closed_at    = CASE WHEN $3::text IN ('RELEASED', 'REFUNDED') THEN $4::timestamptz ELSE closed_at END
			WHERE id = $1 AND status = $2
			RETURNING `+lockColumns,
			t.LockID, string(t.From), string(t.To), t.At, t.Reason, t.MatchID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return lockMiss(ctx, tx, t.LockID, t.From)
		}
		if err != nil {
			return fmt.Errorf("transition lock %s: %w", t.LockID, err)
		}
		if t.Refund != nil {
			if err := insertPayout(ctx, tx, t.Refund); err != nil {
				return err
			}
		}
		if err := insertOutbox(ctx, tx, t.At, t.Events); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

func (s *PostgresStore) ReleaseMatch(ctx context.Context, r ledger.ReleaseMatch) (*ledger.PayoutRecord, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE escrow.locks
			SET status = 'RELEASED', closed_at = $3, updated_at = $3
			WHERE match_id = $1 AND id = ANY($2) AND status = 'LOCKED'`,
			r.MatchID, pq.Array(r.LockIDs), r.At,
		)
		if err != nil {
			return fmt.Errorf("release match %s: %w", r.MatchID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != int64(len(r.LockIDs)) {
			return ledger.ErrStaleStatus.Detailf("match %s: %d of %d locks still LOCKED", r.MatchID, n, len(r.LockIDs))
		}
		if r.Payout != nil {
			if err := insertPayout(ctx, tx, r.Payout); err != nil {
				return err
			}
		}
		return insertOutbox(ctx, tx, r.At, r.Events)
	})
	if err != nil {
		return nil, err
	}
	return r.Payout.Clone(), nil
}

func (s *PostgresStore) SetLockOutcome(ctx context.Context, lockID, transferRef string, at time.Time, events ...ledger.OutboxEvent) (*ledger.Lock, error) {
	var out *ledger.Lock
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		l, err := scanLock(tx.QueryRowContext(ctx, `
			UPDATE escrow.locks SET outcome_ref = $2, updated_at = $3
			WHERE id = $1 AND outcome_ref = ''
			RETURNING `+lockColumns,
			lockID, transferRef, at,
		))
		if errors.Is(err, sql.ErrNoRows) {
			current, gerr := scanLock(tx.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM escrow.locks WHERE id = $1`, lockID))
			if errors.Is(gerr, sql.ErrNoRows) {
				return ledger.ErrLockNotFound.Detailf("lock %s", lockID)
			}
			if gerr != nil {
				return gerr
			}
			if current.OutcomeRef == transferRef {
				out = current
				return nil
			}
			return ledger.ErrStaleStatus.Detailf("lock %s already has outcome %s", lockID, current.OutcomeRef)
		}
		if err != nil {
			return fmt.Errorf("set outcome on lock %s: %w", lockID, err)
		}
		out = l
		return insertOutbox(ctx, tx, at, events)
	})
	return out, err
}

func (s *PostgresStore) ListLocksDue(ctx context.Context, status ledger.LockStatus, before time.Time, limit int) ([]*ledger.Lock, error) {
	var column string
	switch status {
	case ledger.LockPending:
		column = "expires_at"
	case ledger.LockLocked:
		column = "deadline_at"
	default:
		return nil, ledger.ErrInvalidInput.Detailf("no deadline for status %s", status)
	}
	return s.queryLocks(ctx, `SELECT `+lockColumns+` FROM escrow.locks
		WHERE status = $1 AND `+column+` <= $2
		ORDER BY `+column+`, id LIMIT NULLIF($3::int, 0)`,
		string(status), before, limit)
}

func (s *PostgresStore) ListLocksByStatus(ctx context.Context, status ledger.LockStatus, limit int) ([]*ledger.Lock, error) {
	return s.queryLocks(ctx, `SELECT `+lockColumns+` FROM escrow.locks
		WHERE status = $1 ORDER BY created_at, id LIMIT NULLIF($2::int, 0)`,
		string(status), limit)
}

func (s *PostgresStore) LockStats(ctx context.Context) (map[ledger.LockStatus]ledger.LockStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(amount), 0) FROM escrow.locks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[ledger.LockStatus]ledger.LockStats)
	for rows.Next() {
		var status string
		var st ledger.LockStats
		if err := rows.Scan(&status, &st.Count, &st.Amount); err != nil {
			return nil, err
		}
		stats[ledger.LockStatus(status)] = st
	}
	return stats, rows.Err()
}

func (s *PostgresStore) SumHeldAmount(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM escrow.locks WHERE status IN ('PENDING', 'LOCKED', 'EXPIRED')`,
	).Scan(&total)
	return total, err
}

func (s *PostgresStore) queryLocks(ctx context.Context, query string, args ...any) ([]*ledger.Lock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ledger.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// lockMiss explains a zero-row CAS: the lock is missing or no longer in from.
func lockMiss(ctx context.Context, tx *sql.Tx, id string, from ledger.LockStatus) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM escrow.locks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrLockNotFound.Detailf("lock %s", id)
	}
	if err != nil {
		return err
	}
	return ledger.ErrStaleStatus.Detailf("lock %s is %s, expected %s", id, status, from)
}

// ============================================================================
// Payouts
// ============================================================================

func (s *PostgresStore) GetPayout(ctx context.Context, id string) (*ledger.PayoutRecord, error) {
	p, err := scanPayout(s.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM escrow.payouts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPayoutNotFound.Detailf("payout %s", id)
	}
	return p, err
}

func (s *PostgresStore) GetPayoutByMatch(ctx context.Context, matchID string) (*ledger.PayoutRecord, error) {
	p, err := scanPayout(s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM escrow.payouts WHERE match_id = $1 AND kind = 'PAYOUT'`, matchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPayoutNotFound.Detailf("match %s", matchID)
	}
	return p, err
}

func (s *PostgresStore) GetPayoutByLock(ctx context.Context, kind ledger.PayoutKind, lockID string) (*ledger.PayoutRecord, error) {
	p, err := scanPayout(s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM escrow.payouts WHERE kind = $1 AND lock_id = $2 LIMIT 1`, string(kind), lockID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPayoutNotFound.Detailf("%s for lock %s", kind, lockID)
	}
	return p, err
}

func (s *PostgresStore) TransitionPayout(ctx context.Context, t ledger.PayoutTransition) (*ledger.PayoutRecord, error) {
	var next sql.NullTime
	if !t.NextAttemptAt.IsZero() {
		next = sql.NullTime{Time: t.NextAttemptAt, Valid: true}
	}

	var out *ledger.PayoutRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := scanPayout(tx.QueryRowContext(ctx, `
			UPDATE escrow.payouts SET
				status          = $4::text,
				retry_count     = $5,
				last_error      = $6::text,
				transfer_ref    = CASE WHEN $7::text <> '' THEN $7::text ELSE transfer_ref END,
				next_attempt_at = COALESCE($8::timestamptz, next_attempt_at),
				updated_at      = $9
			WHERE id = $1 AND status = $2 AND retry_count = $3
			  AND (transfer_ref = '' OR $7::text = '' OR transfer_ref = $7::text)
			RETURNING `+payoutColumns,
			t.PayoutID, string(t.From), t.ExpectRetry,
			string(t.To), t.RetryCount, t.LastError, t.TransferRef, next, t.At,
		))
		if errors.Is(err, sql.ErrNoRows) {
			current, gerr := scanPayout(tx.QueryRowContext(ctx,
				`SELECT `+payoutColumns+` FROM escrow.payouts WHERE id = $1`, t.PayoutID))
			switch {
			case errors.Is(gerr, sql.ErrNoRows):
				return ledger.ErrPayoutNotFound.Detailf("payout %s", t.PayoutID)
			case gerr != nil:
				return gerr
			case current.Status == t.From && current.RetryCount == t.ExpectRetry:
				return ledger.ErrConsistency.Detailf("payout %s already carries transfer %s", current.ID, current.TransferRef)
			}
			return ledger.ErrStaleStatus.Detailf("payout %s is %s/%d, expected %s/%d",
				current.ID, current.Status, current.RetryCount, t.From, t.ExpectRetry)
		}
		if err != nil {
			return fmt.Errorf("transition payout %s: %w", t.PayoutID, err)
		}
		out = p
		return insertOutbox(ctx, tx, t.At, t.Events)
	})
	return out, err
}

func (s *PostgresStore) ListPayoutsDue(ctx context.Context, now time.Time, limit int) ([]*ledger.PayoutRecord, error) {
	return s.queryPayouts(ctx, `SELECT `+payoutColumns+` FROM escrow.payouts
		WHERE status = 'PENDING' AND next_attempt_at <= $1
		ORDER BY next_attempt_at, id LIMIT NULLIF($2::int, 0)`, now, limit)
}

func (s *PostgresStore) ListPayoutsStale(ctx context.Context, before time.Time, limit int) ([]*ledger.PayoutRecord, error) {
	return s.queryPayouts(ctx, `SELECT `+payoutColumns+` FROM escrow.payouts
		WHERE status = 'PROCESSING' AND updated_at < $1
		ORDER BY updated_at, id LIMIT NULLIF($2::int, 0)`, before, limit)
}

func (s *PostgresStore) PayoutStats(ctx context.Context) (map[ledger.PayoutStatus]ledger.PayoutStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(amount), 0) FROM escrow.payouts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[ledger.PayoutStatus]ledger.PayoutStats)
	for rows.Next() {
		var status string
		var st ledger.PayoutStats
		if err := rows.Scan(&status, &st.Count, &st.Amount); err != nil {
			return nil, err
		}
		stats[ledger.PayoutStatus(status)] = st
	}
	return stats, rows.Err()
}

func (s *PostgresStore) queryPayouts(ctx context.Context, query string, args ...any) ([]*ledger.PayoutRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ledger.PayoutRecord
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// insertPayout maps unique violations to ErrStaleStatus: another caller
// already committed the payout this one was racing to create.
func insertPayout(ctx context.Context, tx *sql.Tx, p *ledger.PayoutRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escrow.payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, string(p.Kind), p.MatchID, p.LockID, p.WinnerID, p.Destination, p.Amount, p.Fee, string(p.Status),
		p.RetryCount, p.LastError, p.TransferRef, p.IdempotencyKey, p.NextAttemptAt, p.CreatedAt, p.UpdatedAt,
	)
	if constraint, ok := uniqueViolation(err); ok {
		switch constraint {
		case constraintPayoutMatch:
			return ledger.ErrStaleStatus.Detailf("match %s already has a payout", p.MatchID)
		case constraintIdemKey:
			return ledger.ErrStaleStatus.Detailf("payout with key %s exists", p.IdempotencyKey)
		}
	}
	if err != nil {
		return fmt.Errorf("insert payout %s: %w", p.ID, err)
	}
	return nil
}

// ============================================================================
// Outbox
// ============================================================================

func (s *PostgresStore) AppendOutbox(ctx context.Context, events ...ledger.OutboxEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertOutbox(ctx, tx, time.Now(), events)
	})
}

func (s *PostgresStore) AppendOutboxOnce(ctx context.Context, e ledger.OutboxEvent) (bool, error) {
	if e.DedupKey == "" {
		return false, ledger.ErrInvalidInput.Detailf("outbox event %s has no dedup key", e.EventType)
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	now := time.Now()

	var id int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO escrow.outbox
		(aggregate_type, aggregate_id, event_type, payload, available_at, created_at, dedup_key)
		VALUES ($1, $2, $3, $4::jsonb, $5, $5, $6)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING id`,
		e.AggregateType, e.AggregateID, e.EventType, payload, now, e.DedupKey,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert outbox %s: %w", e.EventType, err)
	}
	return true, nil
}

func (s *PostgresStore) ListOutboxPending(ctx context.Context, now time.Time, limit int) ([]ledger.OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outboxColumns+` FROM escrow.outbox
		WHERE NOT delivered AND available_at <= $1
		ORDER BY id LIMIT NULLIF($2::int, 0)`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.OutboxRecord
	for rows.Next() {
		var r ledger.OutboxRecord
		var payload []byte
		var published sql.NullTime
		if err := rows.Scan(&r.ID, &r.AggregateType, &r.AggregateID, &r.EventType, &payload, &r.AvailableAt,
			&r.Attempts, &r.LastError, &r.Delivered, &published, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		r.PublishedAt = timePtr(published)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkOutboxDelivered(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, id, `UPDATE escrow.outbox
		SET delivered = TRUE, attempts = attempts + 1, published_at = $2
		WHERE id = $1`, id, at)
}

func (s *PostgresStore) MarkOutboxFailed(ctx context.Context, id int64, lastError string, retryAt time.Time) error {
	return s.execOne(ctx, id, `UPDATE escrow.outbox
		SET attempts = attempts + 1, last_error = $2, available_at = $3
		WHERE id = $1`, id, lastError, retryAt)
}

func (s *PostgresStore) execOne(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrInvalidInput.Detailf("outbox %d not found", id)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, at time.Time, events []ledger.OutboxEvent) error {
	for _, e := range events {
		payload := string(e.Payload)
		if payload == "" {
			payload = "{}"
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO escrow.outbox
			(aggregate_type, aggregate_id, event_type, payload, available_at, created_at, dedup_key)
			VALUES ($1, $2, $3, $4::jsonb, $5, $5, NULLIF($6, ''))`,
			e.AggregateType, e.AggregateID, e.EventType, payload, at, e.DedupKey,
		); err != nil {
			return fmt.Errorf("insert outbox %s: %w", e.EventType, err)
		}
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(r rowScanner) (*ledger.Lock, error) {
	var l ledger.Lock
	var status string
	var activated, closed sql.NullTime
	if err := r.Scan(&l.ID, &l.PlayerID, &l.Amount, &l.DepositRef, &l.PayoutAddress, &status, &l.Reason, &l.MatchID,
		&l.CreatedAt, &l.ExpiresAt, &l.DeadlineAt, &activated, &closed, &l.OutcomeRef, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Status = ledger.LockStatus(status)
	l.ActivatedAt = timePtr(activated)
	l.ClosedAt = timePtr(closed)
	return &l, nil
}

func scanPayout(r rowScanner) (*ledger.PayoutRecord, error) {
	var p ledger.PayoutRecord
	var kind, status string
	if err := r.Scan(&p.ID, &kind, &p.MatchID, &p.LockID, &p.WinnerID, &p.Destination, &p.Amount, &p.Fee, &status,
		&p.RetryCount, &p.LastError, &p.TransferRef, &p.IdempotencyKey, &p.NextAttemptAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Kind = ledger.PayoutKind(kind)
	p.Status = ledger.PayoutStatus(status)
	return &p, nil
}

func uniqueViolation(err error) (constraint string, ok bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint, true
	}
	return "", false
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
