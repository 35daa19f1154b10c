package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes settled records to NATS for downstream
// consumers (risk, reconciliation, reporting). Records are published after
// persistence is confirmed. Subjects: settle.records.{request_type}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableRecord
	log       zerolog.Logger
}

// PublishableRecord is a processed request ready for outbound publishing.
type PublishableRecord struct {
	Sequence       int64       `json:"sequence"`
	RequestType    string      `json:"request_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	Asset          string      `json:"asset,omitempty"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableRecord, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log.With().Str("component", "outbound_publisher").Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, rec); err != nil {
				// Non-fatal: downstream consumers can query the
				// settlement log directly.
				op.log.Warn().Err(err).Int64("sequence", rec.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, rec PublishableRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	subject := fmt.Sprintf("settle.records.%s", rec.RequestType)
	if rec.Asset != "" {
		subject = fmt.Sprintf("%s.%s", subject, rec.Asset)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound records stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "SETTLE_RECORDS",
		Subjects:  []string{"settle.records.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "SETTLE_RECORDS").Msg("ensured outbound stream")
	return nil
}
