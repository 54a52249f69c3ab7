package projection_test

import (
	"EscrowLedger/internal/ledger"
	fpmath "EscrowLedger/internal/math"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/projection"
	"EscrowLedger/internal/query"
	"EscrowLedger/internal/transfer"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsProjector_SetsGauges(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	now := time.Now()
	for i, p := range []string{"p1", "p2"} {
		l := ledger.NewLock(p, int64(100*(i+1)), "d-"+p, "a-"+p, now, 5*time.Minute, 10*time.Minute)
		require.NoError(t, store.InsertLock(ctx, l))
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	qs := query.NewQueryService(store, transfer.NewSimulatedGateway(1_000), fpmath.AmountConfig, &observability.RecordingAlerter{}, metrics, nil, zerolog.Nop())
	p := projection.NewStatsProjector(qs, time.Second, nil, metrics, zerolog.Nop())

	require.NoError(t, p.Project(ctx))

	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.LocksByStatus.WithLabelValues("PENDING")))
	assert.Equal(t, 300.0, promtest.ToFloat64(metrics.LockAmountStatus.WithLabelValues("PENDING")))
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.LocksByStatus.WithLabelValues("RELEASED")))
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.PayoutsByStatus.WithLabelValues("FAILED")))
	assert.Equal(t, 300.0, promtest.ToFloat64(metrics.HeldAmount))
	assert.Equal(t, 1_000.0, promtest.ToFloat64(metrics.WalletBalance))
}

func TestStatsProjector_RunStopsOnCancel(t *testing.T) {
	store := ledger.NewMemoryStore()
	qs := query.NewQueryService(store, transfer.NewSimulatedGateway(0), fpmath.AmountConfig, nil, nil, nil, zerolog.Nop())
	p := projection.NewStatsProjector(qs, 10*time.Millisecond, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("projector did not stop")
	}
}
