package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the escrow service.
// Helper methods are safe on a nil *Metrics so components can run unmetered.
type Metrics struct {
	// --- Locks ---
	LocksCreated     prometheus.Counter
	LockRejections   *prometheus.CounterVec
	LockTransitions  *prometheus.CounterVec
	LocksByStatus    *prometheus.GaugeVec
	LockAmountStatus *prometheus.GaugeVec
	HeldAmount       prometheus.Gauge
	WalletBalance    prometheus.Gauge

	// --- Settlement ---
	Settlements        *prometheus.CounterVec
	SettlementDuration prometheus.Histogram
	FeesCollected      prometheus.Counter

	// --- Payouts ---
	PayoutAttempts  *prometheus.CounterVec
	PayoutDuration  *prometheus.HistogramVec
	PayoutsByStatus *prometheus.GaugeVec
	PayoutRetries   prometheus.Counter
	TimeToSettle    *prometheus.HistogramVec

	// --- Sweeper ---
	SweepRuns     prometheus.Counter
	SweepDuration prometheus.Histogram
	SweepActions  *prometheus.CounterVec

	// --- Alarms ---
	Alarms *prometheus.CounterVec

	// --- Ingestion & Idempotency ---
	IngestMessages        *prometheus.CounterVec
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Outbox ---
	OutboxPublished prometheus.Counter
	OutboxFailures  prometheus.Counter
	OutboxBacklog   prometheus.Gauge

	// --- Channels ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec

	// --- Transfer gateway ---
	TransferRequests *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	opBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		LocksCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_locks_created_total",
			Help: "Locks created from confirmed deposits",
		}),

		LockRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_lock_rejections_total",
			Help: "Lock operations rejected",
		}, []string{"op", "reason"}),

		LockTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_lock_transitions_total",
			Help: "Committed lock status transitions",
		}, []string{"from", "to"}),

		LocksByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_locks",
			Help: "Locks per status",
		}, []string{"status"}),

		LockAmountStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_lock_amount",
			Help: "Sum of lock amounts per status (minor units)",
		}, []string{"status"}),

		HeldAmount: f.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_held_amount",
			Help: "Funds held by active or expired locks (minor units)",
		}),

		WalletBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_wallet_balance",
			Help: "Last observed custodial wallet balance (minor units)",
		}),

		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_settlements_total",
			Help: "Settlement requests by result",
		}, []string{"result"}),

		SettlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_settlement_duration_seconds",
			Help:    "Time to settle one match",
			Buckets: opBuckets,
		}),

		FeesCollected: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_fees_collected_total",
			Help: "Platform fee committed by settlements (minor units)",
		}),

		PayoutAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_payout_attempts_total",
			Help: "Payout execution attempts by outcome",
		}, []string{"kind", "result"}),

		PayoutDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_payout_duration_seconds",
			Help:    "Time from claim to outcome for one attempt",
			Buckets: opBuckets,
		}, []string{"kind"}),

		PayoutsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_payouts",
			Help: "Payout records per status",
		}, []string{"status"}),

		PayoutRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_payout_retries_total",
			Help: "Payout retries scheduled",
		}),

		TimeToSettle: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_time_to_settlement_seconds",
			Help:    "Time from payout record creation to confirmed transfer",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 900, 3600},
		}, []string{"kind"}),

		SweepRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_sweep_runs_total",
			Help: "Expiry sweeps completed",
		}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_sweep_duration_seconds",
			Help:    "Duration of one expiry sweep",
			Buckets: opBuckets,
		}),

		SweepActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_sweep_actions_total",
			Help: "Actions taken by the expiry sweeper",
		}, []string{"action"}),

		Alarms: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_alarms_total",
			Help: "Operator alarms raised",
		}, []string{"kind"}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ingest_messages_total",
			Help: "Inbound messages by subject and result",
		}, []string{"subject", "result"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/store)",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		OutboxPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_outbox_published_total",
			Help: "Outbox events delivered to the broker",
		}),

		OutboxFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_outbox_failures_total",
			Help: "Outbox publish failures",
		}),

		OutboxBacklog: f.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_outbox_backlog",
			Help: "Undelivered outbox events seen by the last poll",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		TransferRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_transfer_requests_total",
			Help: "Calls to the transfer gateway",
		}, []string{"op", "result"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_query_requests_total",
			Help: "Admin API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_query_duration_seconds",
			Help:    "Admin API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) LockCreated() {
	if m == nil {
		return
	}
	m.LocksCreated.Inc()
}

func (m *Metrics) LockRejected(op, reason string) {
	if m == nil {
		return
	}
	m.LockRejections.WithLabelValues(op, reason).Inc()
}

func (m *Metrics) LockTransition(from, to string) {
	if m == nil {
		return
	}
	m.LockTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Settlement(result string, fee int64, d time.Duration) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(result).Inc()
	m.SettlementDuration.Observe(d.Seconds())
	if fee > 0 {
		m.FeesCollected.Add(float64(fee))
	}
}

func (m *Metrics) PayoutAttempt(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.PayoutAttempts.WithLabelValues(kind, result).Inc()
	m.PayoutDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) PayoutConfirmed(kind string, sinceCreated time.Duration) {
	if m == nil {
		return
	}
	m.TimeToSettle.WithLabelValues(kind).Observe(sinceCreated.Seconds())
}

func (m *Metrics) PayoutRetry() {
	if m == nil {
		return
	}
	m.PayoutRetries.Inc()
}

func (m *Metrics) Sweep(d time.Duration) {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
	m.SweepDuration.Observe(d.Seconds())
}

func (m *Metrics) SweepAction(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepActions.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) Alarm(kind string) {
	if m == nil {
		return
	}
	m.Alarms.WithLabelValues(kind).Inc()
}

func (m *Metrics) IngestMessage(subject, result string) {
	if m == nil {
		return
	}
	m.IngestMessages.WithLabelValues(subject, result).Inc()
}

func (m *Metrics) Duplicate(tier string) {
	if m == nil {
		return
	}
	m.IdempotencyDuplicates.WithLabelValues(tier).Inc()
}

func (m *Metrics) SetDedupSize(n int) {
	if m == nil {
		return
	}
	m.DedupLRUSize.Set(float64(n))
}

func (m *Metrics) Outbox(published, failed, backlog int) {
	if m == nil {
		return
	}
	m.OutboxPublished.Add(float64(published))
	m.OutboxFailures.Add(float64(failed))
	m.OutboxBacklog.Set(float64(backlog))
}

func (m *Metrics) TransferCall(op, result string) {
	if m == nil {
		return
	}
	m.TransferRequests.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Query(endpoint, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryRequests.WithLabelValues(endpoint, status).Inc()
	m.QueryDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	if m == nil {
		return
	}
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// SetCustody publishes the held amount and last observed wallet balance.
func (m *Metrics) SetCustody(held, wallet int64) {
	if m == nil {
		return
	}
	m.HeldAmount.Set(float64(held))
	m.WalletBalance.Set(float64(wallet))
}

// SetLockStatus publishes one lock status gauge pair.
func (m *Metrics) SetLockStatus(status string, count, amount int64) {
	if m == nil {
		return
	}
	m.LocksByStatus.WithLabelValues(status).Set(float64(count))
	m.LockAmountStatus.WithLabelValues(status).Set(float64(amount))
}

func (m *Metrics) SetPayoutStatus(status string, count int64) {
	if m == nil {
		return
	}
	m.PayoutsByStatus.WithLabelValues(status).Set(float64(count))
}
