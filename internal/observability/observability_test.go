package observability_test

import (
	"EscrowLedger/internal/observability"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *observability.Metrics
	assert.NotPanics(t, func() {
		m.LockCreated()
		m.Alarm(observability.AlarmPayoutFailed)
		m.SetChannelMetrics("payouts", 1, 2)
	})
}

func TestLogAlerter_CountsAlarm(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	a := observability.NewLogAlerter(zerolog.Nop(), m)

	a.Raise(context.Background(), observability.Alert{Kind: observability.AlarmPayoutFailed, Subject: "p1"})

	assert.Equal(t, 1.0, promtest.ToFloat64(m.Alarms.WithLabelValues(observability.AlarmPayoutFailed)))
}

func TestRecordingAlerter_Count(t *testing.T) {
	var r observability.RecordingAlerter
	multi := observability.MultiAlerter{&r}
	multi.Raise(context.Background(), observability.Alert{Kind: observability.AlarmConsistency, Subject: "l1"})
	multi.Raise(context.Background(), observability.Alert{Kind: observability.AlarmConsistency, Subject: "l2"})

	assert.Equal(t, 1, r.Count(observability.AlarmConsistency, "l1"))
	assert.Equal(t, 2, r.Count(observability.AlarmConsistency, ""))
	assert.Len(t, r.Alerts(), 2)
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
