package query

import (
	"EscrowLedger/internal/ledger"
	fpmath "EscrowLedger/internal/math"
	"EscrowLedger/internal/observability"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// WalletReader reports the custodial wallet balance in minor units.
type WalletReader interface {
	Balance(ctx context.Context) (int64, error)
}

// QueryService provides read-only views over the ledger store. Balances are
// derived from lock and payout records at query time, never from a running
// counter, so they need no global lock and may trail in-flight transitions.
type QueryService struct {
	store     ledger.Store
	wallet    WalletReader
	validator *ledger.InvariantValidator
	alerter   observability.Alerter
	metrics   *observability.Metrics
	clock     clockwork.Clock
	amounts   fpmath.DecimalConfig
	log       zerolog.Logger

	// custodyBreached latches so one breach raises one alarm.
	custodyBreached atomic.Bool
}

func NewQueryService(
	store ledger.Store,
	wallet WalletReader,
	amounts fpmath.DecimalConfig,
	alerter observability.Alerter,
	metrics *observability.Metrics,
	clock clockwork.Clock,
	log zerolog.Logger,
) *QueryService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if alerter == nil {
		alerter = observability.NewLogAlerter(log, metrics)
	}
	return &QueryService{
		store:     store,
		wallet:    wallet,
		validator: ledger.NewInvariantValidator(0),
		alerter:   alerter,
		metrics:   metrics,
		clock:     clock,
		amounts:   amounts,
		log:       log,
	}
}

// GetBalance reports availableBalance = walletBalance - held, with owed
// transfers alongside. A wallet holding less than held plus owed raises a
// custody consistency alarm.
func (qs *QueryService) GetBalance(ctx context.Context) (*BalanceResponse, error) {
	wallet, err := qs.wallet.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallet balance: %w", err)
	}
	held, err := qs.store.SumHeldAmount(ctx)
	if err != nil {
		return nil, fmt.Errorf("held amount: %w", err)
	}
	payouts, err := qs.store.PayoutStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("payout stats: %w", err)
	}
	var owed int64
	for _, st := range []ledger.PayoutStatus{ledger.PayoutPending, ledger.PayoutProcessing, ledger.PayoutFailed} {
		owed += payouts[st].Amount
	}

	qs.metrics.SetCustody(held, wallet)

	resp := &BalanceResponse{
		WalletBalance:    wallet,
		HeldAmount:       held,
		OwedAmount:       owed,
		AvailableBalance: wallet - held,
		FreeBalance:      wallet - held - owed,
		Wallet:           fpmath.FormatFixed(wallet, qs.amounts),
		Held:             fpmath.FormatFixed(held, qs.amounts),
		Owed:             fpmath.FormatFixed(owed, qs.amounts),
		Available:        fpmath.FormatFixed(wallet-held, qs.amounts),
		CustodyOK:        true,
		AsOf:             qs.clock.Now(),
	}

	if err := qs.validator.ValidateCustody(wallet, held+owed); err != nil {
		resp.CustodyOK = false
		if qs.custodyBreached.CompareAndSwap(false, true) {
			qs.alerter.Raise(ctx, observability.Alert{
				Kind:    observability.AlarmCustody,
				Subject: "wallet",
				Message: err.Error(),
				Fields: map[string]any{
					"wallet_balance": wallet,
					"held_amount":    held,
					"owed_amount":    owed,
				},
			})
		}
	} else if qs.custodyBreached.CompareAndSwap(true, false) {
		qs.log.Info().Int64("wallet_balance", wallet).Int64("held_amount", held).Msg("custody restored")
	}
	return resp, nil
}

// GetStats returns lock and payout counts and amounts per status. Every
// status appears, zero-valued when empty.
func (qs *QueryService) GetStats(ctx context.Context) (*StatsResponse, error) {
	locks, err := qs.store.LockStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock stats: %w", err)
	}
	payouts, err := qs.store.PayoutStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("payout stats: %w", err)
	}

	resp := &StatsResponse{
		Locks:   make(map[string]StatusTotals, len(ledger.AllLockStatuses)),
		Payouts: make(map[string]StatusTotals, len(ledger.AllPayoutStatuses)),
		AsOf:    qs.clock.Now(),
	}
	for _, s := range ledger.AllLockStatuses {
		st := locks[s]
		resp.Locks[string(s)] = StatusTotals{Count: st.Count, Amount: st.Amount, Total: fpmath.FormatFixed(st.Amount, qs.amounts)}
	}
	for _, s := range ledger.AllPayoutStatuses {
		st := payouts[s]
		resp.Payouts[string(s)] = StatusTotals{Count: st.Count, Amount: st.Amount, Total: fpmath.FormatFixed(st.Amount, qs.amounts)}
	}
	return resp, nil
}

func (qs *QueryService) GetLock(ctx context.Context, lockID string) (*LockResponse, error) {
	l, err := qs.store.GetLock(ctx, lockID)
	if err != nil {
		return nil, err
	}
	return NewLockResponse(l, qs.amounts), nil
}

// GetActiveLock returns the player's PENDING or LOCKED lock.
func (qs *QueryService) GetActiveLock(ctx context.Context, playerID string) (*LockResponse, error) {
	l, err := qs.store.GetActiveLockByPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	return NewLockResponse(l, qs.amounts), nil
}

// ListLocks returns up to limit locks in status, oldest first.
func (qs *QueryService) ListLocks(ctx context.Context, status ledger.LockStatus, limit int) ([]*LockResponse, error) {
	locks, err := qs.store.ListLocksByStatus(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*LockResponse, 0, len(locks))
	for _, l := range locks {
		out = append(out, NewLockResponse(l, qs.amounts))
	}
	return out, nil
}

func (qs *QueryService) GetMatchPayout(ctx context.Context, matchID string) (*PayoutResponse, error) {
	p, err := qs.store.GetPayoutByMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return NewPayoutResponse(p, qs.amounts), nil
}

func (qs *QueryService) GetPayout(ctx context.Context, payoutID string) (*PayoutResponse, error) {
	p, err := qs.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	return NewPayoutResponse(p, qs.amounts), nil
}
