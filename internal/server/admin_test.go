package server_test

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	fpmath "EscrowLedger/internal/math"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/payout"
	"EscrowLedger/internal/query"
	"EscrowLedger/internal/server"
	"EscrowLedger/internal/state"
	"EscrowLedger/internal/transfer"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminFixture struct {
	store   *ledger.MemoryStore
	gateway *transfer.SimulatedGateway
	exec    *payout.Executor
	health  *observability.HealthChecker
	handler http.Handler
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	log := zerolog.Nop()
	alerter := &observability.RecordingAlerter{}

	f := &adminFixture{
		store:   ledger.NewMemoryStore(),
		gateway: transfer.NewSimulatedGateway(1_000_000_000_000),
		health:  observability.NewHealthChecker(),
	}
	lm := state.NewLockManager(f.store, state.DefaultLockConfig(), nil, alerter, nil, log)

	cfg := payout.DefaultConfig()
	cfg.ConfirmTimeout = 50 * time.Millisecond
	cfg.ConfirmPoll = time.Millisecond
	f.exec = payout.NewExecutor(f.store, f.gateway, lm, alerter, nil, nil, cfg, log)

	fees, err := fpmath.NewFeeCalculator(fpmath.DefaultRakePPM)
	require.NoError(t, err)
	settler := core.NewSettlementEngine(f.store, lm, fees, f.exec, alerter, nil, nil, log)

	api, err := server.NewAdminAPI(server.AdminDeps{
		Queries:  query.NewQueryService(f.store, f.gateway, fpmath.AmountConfig, alerter, nil, nil, log),
		Locks:    lm,
		Settler:  settler,
		Executor: f.exec,
		Parser:   ingestion.NewParser(fpmath.AmountConfig),
		Amounts:  fpmath.AmountConfig,
		Log:      log,
	})
	require.NoError(t, err)

	f.handler = server.NewGRPCServer("", "", api, f.health, log).Handler()
	return f
}

func (f *adminFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// deposit posts a DepositConfirmed body of 100.00 and returns the lock.
func (f *adminFixture) deposit(t *testing.T, player string) query.LockResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/deposits", map[string]any{
		"deposit_ref":    "dep-" + player,
		"player_id":      player,
		"amount":         "100",
		"payout_address": "addr-" + player,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[query.LockResponse](t, rec)
}

// ============================================================================
// Test: full lifecycle over HTTP
// ============================================================================

func TestAdmin_DepositStartSettle(t *testing.T) {
	f := newAdminFixture(t)

	a := f.deposit(t, "alice")
	assert.Equal(t, int64(10_000_000_000), a.Amount)
	assert.Equal(t, string(ledger.LockPending), a.Status)
	f.deposit(t, "bob")

	rec := f.do(t, http.MethodPost, "/v1/matches/m1/start", map[string]any{"player_ids": []string{"alice", "bob"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/players/alice/lock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[query.LockResponse](t, rec)
	assert.Equal(t, string(ledger.LockLocked), got.Status)
	assert.Equal(t, "m1", got.MatchID)

	rec = f.do(t, http.MethodPost, "/v1/matches/m1/settle", map[string]any{"winner_id": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	settled := decode[map[string]any](t, rec)
	assert.Equal(t, false, settled["already_settled"])
	p := settled["payout"].(map[string]any)
	assert.Equal(t, float64(19_300_000_000), p["amount"])
	assert.Equal(t, float64(700_000_000), p["fee"])
	assert.Equal(t, "payout:m1", p["idempotency_key"])

	// Redelivery of the same completion.
	rec = f.do(t, http.MethodPost, "/v1/matches/m1/settle", map[string]any{"winner_id": "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode[map[string]any](t, rec)["already_settled"])

	rec = f.do(t, http.MethodPost, "/v1/matches/m1/settle", map[string]any{"winner_id": "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/matches/m1/payout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mp := decode[query.PayoutResponse](t, rec)
	assert.Equal(t, "alice", mp.RecipientID)
	assert.Equal(t, "193.00000000", mp.AmountDecimal)

	rec = f.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[query.StatsResponse](t, rec)
	assert.Equal(t, int64(2), stats.Locks[string(ledger.LockReleased)].Count)
	assert.Equal(t, int64(1), stats.Payouts[string(ledger.PayoutPending)].Count)
}

// ============================================================================
// Test: refunds and balance
// ============================================================================

func TestAdmin_RefundAndBalance(t *testing.T) {
	f := newAdminFixture(t)
	l := f.deposit(t, "alice")

	rec := f.do(t, http.MethodGet, "/v1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	b := decode[query.BalanceResponse](t, rec)
	assert.Equal(t, int64(10_000_000_000), b.HeldAmount)
	assert.Equal(t, b.WalletBalance-b.HeldAmount, b.AvailableBalance)
	assert.True(t, b.CustodyOK)

	rec = f.do(t, http.MethodPost, "/v1/locks/"+l.LockID+"/refund", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refunded := decode[query.LockResponse](t, rec)
	assert.Equal(t, string(ledger.LockRefunded), refunded.Status)
	assert.Equal(t, ledger.ReasonOperator, refunded.Reason)

	rec = f.do(t, http.MethodGet, "/v1/balance", nil)
	b = decode[query.BalanceResponse](t, rec)
	assert.Zero(t, b.HeldAmount)
	assert.Equal(t, int64(10_000_000_000), b.OwedAmount)

	// A repeated refund returns the terminal lock unchanged.
	rec = f.do(t, http.MethodPost, "/v1/locks/"+l.LockID+"/refund", map[string]any{"reason": "again"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ledger.ReasonOperator, decode[query.LockResponse](t, rec).Reason)
}

// ============================================================================
// Test: payout operator actions
// ============================================================================

func TestAdmin_RedriveAndResolve(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	f.deposit(t, "alice")
	f.deposit(t, "bob")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/matches/m1/start", map[string]any{"player_ids": []string{"alice", "bob"}}).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/matches/m1/settle", map[string]any{"winner_id": "bob"}).Code)

	rec, err := f.store.GetPayoutByMatch(ctx, "m1")
	require.NoError(t, err)

	// Only FAILED records can be redriven.
	resp := f.do(t, http.MethodPost, "/v1/payouts/"+rec.ID+"/redrive", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	f.gateway.Script(transfer.OutcomeFail, transfer.OutcomeFail, transfer.OutcomeFail)
	for i := 0; i < 3; i++ {
		rec, err = f.store.GetPayout(ctx, rec.ID)
		require.NoError(t, err)
		_, err = f.exec.Execute(ctx, rec)
		require.NoError(t, err)
	}
	rec, _ = f.store.GetPayout(ctx, rec.ID)
	require.Equal(t, ledger.PayoutFailed, rec.Status)

	resp = f.do(t, http.MethodPost, "/v1/payouts/"+rec.ID+"/resolve", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(t, http.MethodPost, "/v1/payouts/"+rec.ID+"/resolve", map[string]any{"transfer_ref": "manual-1"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	out := decode[query.PayoutResponse](t, resp)
	assert.Equal(t, string(ledger.PayoutConfirmed), out.Status)
	assert.Equal(t, "manual-1", out.TransferRef)

	resp = f.do(t, http.MethodGet, "/v1/payouts/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, string(ledger.PayoutConfirmed), decode[query.PayoutResponse](t, resp).Status)
}

// ============================================================================
// Test: error mapping
// ============================================================================

func TestAdmin_Errors(t *testing.T) {
	f := newAdminFixture(t)
	f.deposit(t, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing lock", http.MethodGet, "/v1/locks/nope", nil, http.StatusNotFound},
		{"no active lock", http.MethodGet, "/v1/players/carol/lock", nil, http.StatusNotFound},
		{"duplicate deposit", http.MethodPost, "/v1/deposits", map[string]any{
			"deposit_ref": "dep-alice", "player_id": "dave", "amount": "1", "payout_address": "x",
		}, http.StatusConflict},
		{"second stake", http.MethodPost, "/v1/deposits", map[string]any{
			"deposit_ref": "dep-2", "player_id": "alice", "amount": "1", "payout_address": "x",
		}, http.StatusConflict},
		{"zero amount", http.MethodPost, "/v1/deposits", map[string]any{
			"deposit_ref": "dep-3", "player_id": "erin", "amount": "0", "payout_address": "x",
		}, http.StatusBadRequest},
		{"both id lists", http.MethodPost, "/v1/matches/m1/start", map[string]any{
			"lock_ids": []string{"a"}, "player_ids": []string{"b"},
		}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/matches/m1/settle", map[string]any{"winner": "alice"}, http.StatusBadRequest},
		{"unstarted match", http.MethodPost, "/v1/matches/m9/settle", map[string]any{"winner_id": "alice"}, http.StatusNotFound},
		{"unknown route", http.MethodGet, "/v1/nothing", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_Health(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.health.SetReady(true)
	rec = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
