package ingestion

import (
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventsSubjectPrefix prefixes every outbound subject: escrow.events.{event_type}
const EventsSubjectPrefix = "escrow.events."

// StreamPublisher is the publishing half of jetstream.JetStream.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundEvent is the wire body of a published outbox row.
type OutboundEvent struct {
	ID            int64           `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryBase    time.Duration
	RetryMax     time.Duration
}

func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		PollInterval: 500 * time.Millisecond,
		BatchSize:    100,
		RetryBase:    time.Second,
		RetryMax:     5 * time.Minute,
	}
}

// OutboxPublisher relays committed outbox rows to JetStream. Delivery is
// at-least-once: a row is marked delivered only after the publish is acked,
// and the row id doubles as the JetStream message id so the stream's
// duplicate window absorbs republishing after a crash.
type OutboxPublisher struct {
	store   ledger.OutboxStore
	js      StreamPublisher
	cfg     OutboxConfig
	clock   clockwork.Clock
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewOutboxPublisher(
	store ledger.OutboxStore,
	js StreamPublisher,
	cfg OutboxConfig,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *OutboxPublisher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &OutboxPublisher{store: store, js: js, cfg: cfg, clock: clock, metrics: metrics, log: log}
}

// Run polls the outbox until ctx is cancelled.
func (op *OutboxPublisher) Run(ctx context.Context) error {
	ticker := op.clock.NewTicker(op.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if _, err := op.PublishPending(ctx); err != nil && ctx.Err() == nil {
				op.log.Warn().Err(err).Msg("outbox poll failed")
			}
		}
	}
}

// PublishPending publishes one batch of due rows and returns how many were
// delivered. A failed row is rescheduled with exponential backoff and does not
// stop the batch.
func (op *OutboxPublisher) PublishPending(ctx context.Context) (int, error) {
	rows, err := op.store.ListOutboxPending(ctx, op.clock.Now(), op.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}

	published, failed := 0, 0
	for _, row := range rows {
		if err := op.publish(ctx, row); err != nil {
			failed++
			retryAt := op.clock.Now().Add(op.retryDelay(row.Attempts))
			op.log.Warn().Err(err).
				Int64("outbox_id", row.ID).
				Str("event_type", row.EventType).
				Int("attempts", row.Attempts+1).
				Time("retry_at", retryAt).
				Msg("outbox publish failed")
			if merr := op.store.MarkOutboxFailed(ctx, row.ID, err.Error(), retryAt); merr != nil {
				return published, fmt.Errorf("mark outbox %d failed: %w", row.ID, merr)
			}
			continue
		}
		if err := op.store.MarkOutboxDelivered(ctx, row.ID, op.clock.Now()); err != nil {
			return published, fmt.Errorf("mark outbox %d delivered: %w", row.ID, err)
		}
		published++
	}

	op.metrics.Outbox(published, failed, len(rows)-published)
	return published, nil
}

func (op *OutboxPublisher) publish(ctx context.Context, row ledger.OutboxRecord) error {
	data, err := json.Marshal(OutboundEvent{
		ID:            row.ID,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		EventType:     row.EventType,
		Payload:       row.Payload,
		CreatedAt:     row.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal outbox %d: %w", row.ID, err)
	}

	_, err = op.js.Publish(ctx, EventsSubjectPrefix+row.EventType, data,
		jetstream.WithMsgID(fmt.Sprintf("outbox-%d", row.ID)))
	return err
}

// retryDelay is RetryBase doubled per previous attempt, capped at RetryMax.
func (op *OutboxPublisher) retryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     op.cfg.RetryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         op.cfg.RetryMax,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamEvents,
		Subjects:   []string{EventsSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", StreamEvents).Msg("ensured outbound stream")
	return nil
}
