package ingestion_test

import (
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/testutil"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Integration: JetStream round trip
// ============================================================================

func TestNATS_InboundDepositReachesDispatcher(t *testing.T) {
	testutil.RequireIntegration(t)
	js, cleanup := testutil.SetupTestNATS(t, ingestion.StreamDeposits, ingestion.StreamMatches)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))

	f := newDispatchFixture(t)
	events := make(chan ingestion.RawEvent, 8)
	sub := ingestion.NewNATSSubscriber(js, events, zerolog.Nop())
	require.NoError(t, sub.Subscribe(ctx, ingestion.DefaultSubjects()))
	defer sub.Stop()

	body := `{"deposit_ref":"d-int","player_id":"alice","amount":"2.5","payout_address":"addr"}`
	_, err := js.Publish(ctx, "escrow.deposits.confirmed.d-int", []byte(body))
	require.NoError(t, err)

	select {
	case raw := <-events:
		assert.Equal(t, "DepositConfirmed", raw.EventType)
		assert.Equal(t, ingestion.ResultProcessed, f.d.Handle(ctx, raw))
	case <-ctx.Done():
		t.Fatal("no message delivered")
	}

	l, err := f.store.GetActiveLockByPlayer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(250_000_000), l.Amount)
}

func TestNATS_OutboxPublishedOnce(t *testing.T) {
	testutil.RequireIntegration(t)
	js, cleanup := testutil.SetupTestNATS(t, ingestion.StreamEvents)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ingestion.EnsureOutboundStream(ctx, js, zerolog.Nop()))

	store := ledger.NewMemoryStore()
	require.NoError(t, store.AppendOutbox(ctx, ledger.OutboxEvent{
		AggregateType: ledger.AggregateMatch,
		AggregateID:   "m1",
		EventType:     ledger.EventMatchReview,
		Payload:       json.RawMessage(`{"match_id":"m1"}`),
	}))

	op := ingestion.NewOutboxPublisher(store, js, ingestion.DefaultOutboxConfig(), nil, nil, zerolog.Nop())
	n, err := op.PublishPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A republish after a lost delivery mark hits the duplicate window.
	_, err = js.Publish(ctx, ingestion.EventsSubjectPrefix+ledger.EventMatchReview, []byte(`{}`), jetstream.WithMsgID("outbox-1"))
	require.NoError(t, err)

	stream, err := js.Stream(ctx, ingestion.StreamEvents)
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}
