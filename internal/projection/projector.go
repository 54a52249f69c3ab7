package projection

import (
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/query"
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// StatsProjector periodically projects ledger state onto metric gauges: lock
// counts and amounts per status, payouts per status, held amount and wallet
// balance. Each projection also re-runs the custody check.
// Gauges are eventually consistent and can always be rebuilt from the store.
type StatsProjector struct {
	queries  *query.QueryService
	interval time.Duration
	clock    clockwork.Clock
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewStatsProjector(
	queries *query.QueryService,
	interval time.Duration,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *StatsProjector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StatsProjector{
		queries:  queries,
		interval: interval,
		clock:    clock,
		metrics:  metrics,
		log:      log,
	}
}

// Run projects immediately, then every interval until ctx is cancelled.
func (p *StatsProjector) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler(gocron.WithClock(p.clock))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(func() {
			if err := p.Project(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("stats projection failed")
			}
		}),
		gocron.WithName("stats-projector"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule projection: %w", err)
	}

	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}

// Project runs one pass. Stats are written even when the wallet is
// unreachable; the balance error is returned after.
func (p *StatsProjector) Project(ctx context.Context) error {
	stats, err := p.queries.GetStats(ctx)
	if err != nil {
		return err
	}
	for status, st := range stats.Locks {
		p.metrics.SetLockStatus(status, st.Count, st.Amount)
	}
	for status, st := range stats.Payouts {
		p.metrics.SetPayoutStatus(status, st.Count)
	}

	b, err := p.queries.GetBalance(ctx)
	if err != nil {
		return err
	}
	p.log.Debug().
		Int64("wallet_balance", b.WalletBalance).
		Int64("held_amount", b.HeldAmount).
		Int64("owed_amount", b.OwedAmount).
		Bool("custody_ok", b.CustodyOK).
		Msg("stats projected")
	return nil
}
