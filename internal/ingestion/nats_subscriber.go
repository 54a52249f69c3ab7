package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw lifecycle
// events to the dispatcher via eventChan. Each subject maps to an event type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is an undecoded message from NATS, ready for the dispatcher to
// parse into a typed event.Event.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after successful (or idempotently repeated) processing
	NakFunc   func() // NAK on transient failure; the message is redelivered
	TermFunc  func() // terminate a message that can never succeed
}

func (r RawEvent) ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawEvent) nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

func (r RawEvent) term() {
	if r.TermFunc != nil {
		r.TermFunc()
		return
	}
	r.ack()
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	StreamDeposits = "ESCROW_DEPOSITS"
	StreamMatches  = "ESCROW_MATCHES"
	StreamEvents   = "ESCROW_EVENTS"
)

// DefaultSubjects returns the inbound subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "escrow.deposits.confirmed.>", EventType: "DepositConfirmed", ConsumerName: "escrow-deposit-confirm", StreamName: StreamDeposits},
		{Subject: "escrow.matches.started.>", EventType: "MatchStarted", ConsumerName: "escrow-match-start", StreamName: StreamMatches},
		{Subject: "escrow.matches.completed.>", EventType: "MatchCompleted", ConsumerName: "escrow-match-complete", StreamName: StreamMatches},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
				TermFunc:  func() { _ = msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

func streamConfig(name, subject string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		streamConfig(StreamDeposits, "escrow.deposits.>"),
		streamConfig(StreamMatches, "escrow.matches.>"),
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
// The initial connect is retried with exponential backoff; once connected the
// client reconnects on its own.
func ConnectNATS(ctx context.Context, url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	connect := func() (*nats.Conn, error) {
		nc, err := nats.Connect(url,
			nats.Name("escrowd"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				log.Info().Msg("NATS reconnected")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("NATS connect failed, retrying")
		}
		return nc, err
	}

	nc, err := backoff.Retry(ctx, connect,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(6),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
