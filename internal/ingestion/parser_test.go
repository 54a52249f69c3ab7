package ingestion_test

import (
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	fpmath "EscrowLedger/internal/math"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseDepositConfirmed_DecimalString(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_ref":    "tx-0001",
		"player_id":      "alice",
		"amount":         "12.5",
		"payout_address": "addr-alice",
		"timestamp_us":   int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DepositConfirmed")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	d, ok := evt.(*event.DepositConfirmed)
	if !ok {
		t.Fatalf("expected *event.DepositConfirmed, got %T", evt)
	}
	if d.Amount != 1_250_000_000 {
		t.Errorf("amount: got %d, want 1_250_000_000", d.Amount)
	}
	if d.PlayerID != "alice" || d.PayoutAddress != "addr-alice" {
		t.Errorf("unexpected deposit %+v", d)
	}
	if d.IdempotencyKey() != "tx-0001" {
		t.Errorf("idempotency key: got %s, want tx-0001", d.IdempotencyKey())
	}
	if !d.Timestamp.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("timestamp: got %v", d.Timestamp)
	}
}

func TestParseDepositConfirmed_MinorUnits(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_ref": "tx-0002",
		"player_id":   "bob",
		"amount":      int64(5_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DepositConfirmed")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := evt.(*event.DepositConfirmed).Amount; got != 5_000 {
		t.Errorf("amount: got %d, want 5_000", got)
	}
}

func TestParseDepositConfirmed_CustomPrecision(t *testing.T) {
	p := ingestion.NewParser(fpmath.DecimalConfig{DecimalPrecision: 2, Scale: 100})
	payload := map[string]interface{}{"deposit_ref": "tx-3", "player_id": "carol", "amount": "1.25"}

	evt, err := p.Parse(rawFromJSON(t, payload), "DepositConfirmed")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := evt.(*event.DepositConfirmed).Amount; got != 125 {
		t.Errorf("amount: got %d, want 125", got)
	}
}

func TestParseDepositConfirmed_Rejects(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"too precise":    {"deposit_ref": "r", "player_id": "p", "amount": "0.000000001"},
		"fractional int": {"deposit_ref": "r", "player_id": "p", "amount": 1.5},
		"missing amount": {"deposit_ref": "r", "player_id": "p"},
		"not a number":   {"deposit_ref": "r", "player_id": "p", "amount": "ten"},
		"missing ref":    {"player_id": "p", "amount": "1"},
	}
	for name, payload := range cases {
		_, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DepositConfirmed")
		if !errors.Is(err, ledger.ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestParseMatchStarted(t *testing.T) {
	payload := map[string]interface{}{
		"match_id":   "m-1",
		"player_ids": []string{"alice", "bob"},
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "MatchStarted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	m := evt.(*event.MatchStarted)
	if !m.ByPlayer() || len(m.PlayerIDs) != 2 {
		t.Errorf("expected two players, got %+v", m)
	}
	if m.IdempotencyKey() != "m-1|player:alice,bob" {
		t.Errorf("idempotency key: got %s", m.IdempotencyKey())
	}
	if m.EventType() != event.EventTypeMatchStarted {
		t.Errorf("event type: got %v", m.EventType())
	}

	both := map[string]interface{}{"match_id": "m-1", "lock_ids": []string{"l1"}, "player_ids": []string{"p1"}}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, both), "MatchStarted"); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for both lists, got %v", err)
	}
}

func TestParseMatchCompleted(t *testing.T) {
	payload := map[string]interface{}{"match_id": "m-1", "winner_id": "alice"}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "MatchCompleted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.IdempotencyKey() != "m-1|alice" {
		t.Errorf("idempotency key: got %s", evt.IdempotencyKey())
	}

	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, map[string]string{"match_id": "m-1"}), "MatchCompleted"); err == nil {
		t.Error("expected error for missing winner")
	}
}

func TestParseRawEvent_UnknownType(t *testing.T) {
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, map[string]string{}), "TradeFill")
	if err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestParseRawEvent_MalformedJSON(t *testing.T) {
	raw := ingestion.RawEvent{Subject: "test", Data: []byte("{not json")}
	_, err := ingestion.ParseRawEvent(raw, "DepositConfirmed")
	if !errors.Is(err, ledger.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
