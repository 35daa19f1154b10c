package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds requests
// into the settlement core via the requestChan. NATS JetStream is the
// primary high-throughput ingestion surface; each subject maps to one
// request type.
type NATSSubscriber struct {
	js          jetstream.JetStream
	requestChan chan<- RawRequest
	consumers   []jetstream.ConsumeContext
	log         zerolog.Logger
}

// RawRequest is the parsed-but-untyped request from NATS, ready for the
// shell to validate and convert into a typed event.Request before sending
// to the core.
type RawRequest struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to request types.
type SubjectConfig struct {
	Subject      string
	RequestType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration. Intent
// lifecycle, custody boundary, administration, and compliance maintenance
// each get their own stream so retention and scaling are independent.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "settle.intents.lock.>", RequestType: "LockIntent", ConsumerName: "core-intent-lock", StreamName: "SETTLE_INTENTS"},
		{Subject: "settle.intents.settle.>", RequestType: "Settle", ConsumerName: "core-intent-settle", StreamName: "SETTLE_INTENTS"},
		{Subject: "settle.intents.cancel.>", RequestType: "CancelIntent", ConsumerName: "core-intent-cancel", StreamName: "SETTLE_INTENTS"},
		{Subject: "settle.custody.deposits.>", RequestType: "DepositConfirmed", ConsumerName: "core-deposits", StreamName: "SETTLE_CUSTODY"},
		{Subject: "settle.custody.withdrawals.>", RequestType: "WithdrawRequested", ConsumerName: "core-withdrawals", StreamName: "SETTLE_CUSTODY"},
		{Subject: "settle.custody.claims.>", RequestType: "ClaimFees", ConsumerName: "core-claims", StreamName: "SETTLE_CUSTODY"},
		{Subject: "settle.admin.propose.>", RequestType: "TimelockPropose", ConsumerName: "core-tl-propose", StreamName: "SETTLE_ADMIN"},
		{Subject: "settle.admin.execute.>", RequestType: "TimelockExecute", ConsumerName: "core-tl-execute", StreamName: "SETTLE_ADMIN"},
		{Subject: "settle.admin.cancel.>", RequestType: "TimelockCancel", ConsumerName: "core-tl-cancel", StreamName: "SETTLE_ADMIN"},
		{Subject: "settle.compliance.refresh.>", RequestType: "ComplianceRefresh", ConsumerName: "core-cmp-refresh", StreamName: "SETTLE_COMPLIANCE"},
		{Subject: "settle.compliance.invalidate.>", RequestType: "ComplianceInvalidate", ConsumerName: "core-cmp-invalidate", StreamName: "SETTLE_COMPLIANCE"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, requestChan chan<- RawRequest, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		requestChan: requestChan,
		log:         log,
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

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawRequest{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.requestChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
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

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "SETTLE_INTENTS",
			Subjects:  []string{"settle.intents.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "SETTLE_CUSTODY",
			Subjects:  []string{"settle.custody.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "SETTLE_ADMIN",
			Subjects:  []string{"settle.admin.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "SETTLE_COMPLIANCE",
			Subjects:  []string{"settle.compliance.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
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
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
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
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
