package core

import (
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// PayoutRecoverer returns payouts stuck in PROCESSING to the retry path.
type PayoutRecoverer interface {
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)
}

type SweeperConfig struct {
	Interval   time.Duration
	BatchSize  int
	StaleAfter time.Duration // PROCESSING payouts untouched this long are recovered
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:   20 * time.Second,
		BatchSize:  500,
		StaleAfter: 2 * time.Minute,
	}
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	PendingRefunded  int
	MatchesTimedOut  int
	LocksTimedOut    int
	ExpiredRefunded  int
	PayoutsRecovered int
	Errors           int
}

// ExpirySweeper is the only timeout enforcement: it refunds PENDING locks past
// their deadline and LOCKED matches past the ceiling. Every action goes through
// the lock manager's compare-and-swap operations, so overlapping runs are safe.
type ExpirySweeper struct {
	store     ledger.Store
	locks     *state.LockManager
	recoverer PayoutRecoverer
	cfg       SweeperConfig
	clock     clockwork.Clock
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewExpirySweeper(
	store ledger.Store,
	locks *state.LockManager,
	recoverer PayoutRecoverer,
	cfg SweeperConfig,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *ExpirySweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweeperConfig().BatchSize
	}
	return &ExpirySweeper{
		store:     store,
		locks:     locks,
		recoverer: recoverer,
		cfg:       cfg,
		clock:     clock,
		metrics:   metrics,
		log:       log,
	}
}

// Run schedules Sweep every Interval until ctx is cancelled. A run still in
// progress when the next tick fires is not overlapped.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		}),
		gocron.WithName("expiry-sweeper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.log.Info().Dur("interval", s.cfg.Interval).Msg("expiry sweeper started")
	scheduler.Start()
	<-ctx.Done()

	if err := scheduler.Shutdown(); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	s.log.Info().Msg("expiry sweeper stopped")
	return nil
}

// Sweep performs one pass. Per-record failures are logged and counted; only
// failures to list records abort the pass.
func (s *ExpirySweeper) Sweep(ctx context.Context) (SweepReport, error) {
	start := s.clock.Now()
	var report SweepReport

	if err := s.sweepPending(ctx, start, &report); err != nil {
		return report, err
	}
	if err := s.sweepLocked(ctx, start, &report); err != nil {
		return report, err
	}
	if err := s.sweepExpired(ctx, &report); err != nil {
		return report, err
	}
	if s.recoverer != nil && s.cfg.StaleAfter > 0 {
		n, err := s.recoverer.RecoverStale(ctx, start.Add(-s.cfg.StaleAfter))
		if err != nil {
			return report, fmt.Errorf("recover stale payouts: %w", err)
		}
		report.PayoutsRecovered = n
	}

	s.metrics.Sweep(s.clock.Since(start))
	s.metrics.SweepAction("pending_refunded", report.PendingRefunded)
	s.metrics.SweepAction("match_timed_out", report.MatchesTimedOut)
	s.metrics.SweepAction("expired_refunded", report.ExpiredRefunded)
	s.metrics.SweepAction("payout_recovered", report.PayoutsRecovered)
	s.metrics.SweepAction("error", report.Errors)

	if report != (SweepReport{}) {
		s.log.Info().
			Int("pending_refunded", report.PendingRefunded).
			Int("matches_timed_out", report.MatchesTimedOut).
			Int("locks_timed_out", report.LocksTimedOut).
			Int("expired_refunded", report.ExpiredRefunded).
			Int("payouts_recovered", report.PayoutsRecovered).
			Int("errors", report.Errors).
			Msg("sweep complete")
	}
	return report, nil
}

func (s *ExpirySweeper) sweepPending(ctx context.Context, now time.Time, report *SweepReport) error {
	due, err := s.store.ListLocksDue(ctx, ledger.LockPending, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list pending locks due: %w", err)
	}
	for _, l := range due {
		got, won, err := s.locks.ExpireFrom(ctx, l.ID, ledger.LockPending, ledger.ReasonNoOpponentFound, now)
		if err != nil {
			s.recordError(report, err, l.ID, "expire pending lock")
			continue
		}
		if got.Status != ledger.LockExpired {
			continue
		}
		if _, err := s.locks.Refund(ctx, l.ID, ledger.ReasonNoOpponentFound); err != nil {
			s.recordError(report, err, l.ID, "refund pending lock")
			continue
		}
		if won {
			report.PendingRefunded++
		}
	}
	return nil
}

func (s *ExpirySweeper) sweepLocked(ctx context.Context, now time.Time, report *SweepReport) error {
	due, err := s.store.ListLocksDue(ctx, ledger.LockLocked, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list locked locks due: %w", err)
	}

	seen := make(map[string]struct{})
	for _, l := range due {
		if _, ok := seen[l.MatchID]; ok {
			continue
		}
		seen[l.MatchID] = struct{}{}
		s.timeoutMatch(ctx, l.MatchID, report)
	}
	return nil
}

// timeoutMatch refunds every LOCKED participant of an unresolved match
// regardless of each lock's own deadline, then flags the match for review.
// Any sweep that timed out a lock of the match may flag it; the flag itself
// is at most once per match, so overlapping or resumed sweeps flag it once.
func (s *ExpirySweeper) timeoutMatch(ctx context.Context, matchID string, report *SweepReport) {
	locks, err := s.store.ListLocksByMatch(ctx, matchID)
	if err != nil {
		s.recordError(report, err, matchID, "list match locks")
		return
	}

	touched := false
	for _, l := range locks {
		if l.Status != ledger.LockLocked && l.Status != ledger.LockExpired {
			continue
		}
		got, won, err := s.locks.ExpireFrom(ctx, l.ID, ledger.LockLocked, ledger.ReasonMatchTimeout, time.Time{})
		if err != nil {
			s.recordError(report, err, l.ID, "expire locked lock")
			continue
		}
		if got.Status != ledger.LockExpired {
			continue
		}
		if _, err := s.locks.Refund(ctx, l.ID, ledger.ReasonMatchTimeout); err != nil {
			s.recordError(report, err, l.ID, "refund timed out lock")
			continue
		}
		touched = true
		if won {
			report.LocksTimedOut++
		}
	}

	if touched {
		s.flagMatch(ctx, matchID, locks, report)
	}
}

func (s *ExpirySweeper) flagMatch(ctx context.Context, matchID string, locks []*ledger.Lock, report *SweepReport) {
	ids := make([]string, 0, len(locks))
	for _, l := range locks {
		ids = append(ids, l.ID)
	}
	added, err := s.locks.FlagForReview(ctx, matchID, ids, ledger.ReasonMatchTimeout)
	if err != nil {
		s.recordError(report, err, matchID, "flag match for review")
		return
	}
	if added {
		report.MatchesTimedOut++
	}
}

// sweepExpired finishes refunds whose EXPIRED marker committed but whose
// refund did not, e.g. after a crash between the two steps. A stranded
// match timeout still gets its review flag.
func (s *ExpirySweeper) sweepExpired(ctx context.Context, report *SweepReport) error {
	stuck, err := s.store.ListLocksByStatus(ctx, ledger.LockExpired, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list expired locks: %w", err)
	}
	for _, l := range stuck {
		if _, err := s.locks.Refund(ctx, l.ID, ""); err != nil {
			s.recordError(report, err, l.ID, "refund expired lock")
			continue
		}
		report.ExpiredRefunded++

		if l.Reason != ledger.ReasonMatchTimeout || l.MatchID == "" {
			continue
		}
		locks, err := s.store.ListLocksByMatch(ctx, l.MatchID)
		if err != nil {
			s.recordError(report, err, l.MatchID, "list match locks")
			continue
		}
		s.flagMatch(ctx, l.MatchID, locks, report)
	}
	return nil
}

func (s *ExpirySweeper) recordError(report *SweepReport, err error, subject, msg string) {
	// A lock that reached a terminal state between list and act is expected.
	if errors.Is(err, ledger.ErrLockNotActive) {
		return
	}
	report.Errors++
	s.log.Error().Err(err).Str("subject", subject).Msg(msg)
}
