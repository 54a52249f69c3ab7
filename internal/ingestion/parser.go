package ingestion

import (
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	fpmath "EscrowLedger/internal/math"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Parser converts raw JSON payloads into typed events. Amounts arrive either as
// a decimal string in major units ("12.5") or as an integer in minor units.
type Parser struct {
	amounts fpmath.DecimalConfig
}

func NewParser(amounts fpmath.DecimalConfig) *Parser {
	return &Parser{amounts: amounts}
}

// ParseRawEvent parses with the default amount precision.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	return NewParser(fpmath.AmountConfig).Parse(raw, eventType)
}

// Parse returns ledger.ErrInvalidInput for payloads that can never succeed, so
// callers can terminate them instead of redelivering.
func (p *Parser) Parse(raw RawEvent, eventType string) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeDepositConfirmed:
		return p.parseDepositConfirmed(raw.Data)
	case event.EventTypeMatchStarted:
		return parseMatchStarted(raw.Data)
	case event.EventTypeMatchCompleted:
		return parseMatchCompleted(raw.Data)
	default:
		return nil, ledger.ErrInvalidInput.Detailf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type depositJSON struct {
	DepositRef    string          `json:"deposit_ref"`
	PlayerID      string          `json:"player_id"`
	Amount        json.RawMessage `json:"amount"`
	PayoutAddress string          `json:"payout_address"`
	TimestampUs   int64           `json:"timestamp_us"`
}

func (p *Parser) parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, ledger.ErrInvalidInput.Detailf("parse DepositConfirmed: %v", err)
	}
	if j.DepositRef == "" || j.PlayerID == "" {
		return nil, ledger.ErrInvalidInput.Detailf("deposit_ref and player_id are required")
	}
	amount, err := p.parseAmount(j.Amount)
	if err != nil {
		return nil, ledger.ErrInvalidInput.Detailf("parse amount: %v", err)
	}

	var ts time.Time
	if j.TimestampUs > 0 {
		ts = time.UnixMicro(j.TimestampUs).UTC()
	}
	return &event.DepositConfirmed{
		DepositRef:    j.DepositRef,
		PlayerID:      j.PlayerID,
		Amount:        amount,
		PayoutAddress: j.PayoutAddress,
		Timestamp:     ts,
	}, nil
}

var minorUnits = fpmath.DecimalConfig{DecimalPrecision: 0, Scale: 1}

func (p *Parser) parseAmount(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("missing")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		return fpmath.ParseFixed(s, p.amounts)
	}
	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return 0, err
	}
	return fpmath.FromDecimal(d, minorUnits)
}

type matchStartedJSON struct {
	MatchID   string   `json:"match_id"`
	LockIDs   []string `json:"lock_ids"`
	PlayerIDs []string `json:"player_ids"`
}

func parseMatchStarted(data []byte) (*event.MatchStarted, error) {
	var j matchStartedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, ledger.ErrInvalidInput.Detailf("parse MatchStarted: %v", err)
	}
	if j.MatchID == "" {
		return nil, ledger.ErrInvalidInput.Detailf("match_id is required")
	}
	if (len(j.LockIDs) == 0) == (len(j.PlayerIDs) == 0) {
		return nil, ledger.ErrInvalidInput.Detailf("exactly one of lock_ids or player_ids is required")
	}
	return &event.MatchStarted{
		MatchID:   j.MatchID,
		LockIDs:   j.LockIDs,
		PlayerIDs: j.PlayerIDs,
	}, nil
}

type matchCompletedJSON struct {
	MatchID  string `json:"match_id"`
	WinnerID string `json:"winner_id"`
}

func parseMatchCompleted(data []byte) (*event.MatchCompleted, error) {
	var j matchCompletedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, ledger.ErrInvalidInput.Detailf("parse MatchCompleted: %v", err)
	}
	if j.MatchID == "" || j.WinnerID == "" {
		return nil, ledger.ErrInvalidInput.Detailf("match_id and winner_id are required")
	}
	return &event.MatchCompleted{MatchID: j.MatchID, WinnerID: j.WinnerID}, nil
}
