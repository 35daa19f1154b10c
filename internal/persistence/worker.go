package persistence

import (
	"context"
	"database/sql"
	"time"

	"SettleCore/internal/engine"
	"SettleCore/internal/observability"

	"github.com/rs/zerolog"
)

// Worker drains the persist channel and batch-writes to Postgres. It runs
// independently from the deterministic core; the persist channel uses
// BLOCKING sends from the core, so if this worker falls behind the core
// stalls rather than losing a record.
type Worker struct {
	writer       *SettlementLogWriter
	db           *sql.DB
	inputChan    <-chan engine.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan engine.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewSettlementLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log.With().Str("component", "persistence_worker").Logger(),
	}
}

// Run starts the persistence loop. It accumulates outputs and flushes when
// the batch fills or the flush timeout expires. Blocks until ctx is
// cancelled or the input channel closes.
func (w *Worker) Run(ctx context.Context) error {
	requestBatch := make([]RequestRow, 0, w.batchSize)
	entryBatch := make([]EntryRow, 0, w.batchSize*4)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(requestBatch) > 0 {
				if err := w.flush(context.Background(), requestBatch, entryBatch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if len(requestBatch) > 0 {
					if err := w.flush(context.Background(), requestBatch, entryBatch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			req, entries := rowsFromOutput(output)
			requestBatch = append(requestBatch, req)
			entryBatch = append(entryBatch, entries...)

			if len(requestBatch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, requestBatch, entryBatch); err != nil {
					w.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				requestBatch = requestBatch[:0]
				entryBatch = entryBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(requestBatch) > 0 {
				if err := w.flushWithRetry(ctx, requestBatch, entryBatch); err != nil {
					w.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				requestBatch = requestBatch[:0]
				entryBatch = entryBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// rowsFromOutput converts one core output into its persistence rows.
func rowsFromOutput(output engine.CoreOutput) (RequestRow, []EntryRow) {
	env := output.Envelope
	req := RequestRow{
		Sequence:       env.Sequence,
		RequestType:    env.RequestType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}

	var entries []EntryRow
	if output.Batch != nil {
		entries = make([]EntryRow, 0, len(output.Batch.Entries))
		for _, e := range output.Batch.Entries {
			entries = append(entries, EntryRow{
				EntryID:            e.EntryID.String(),
				BatchID:            e.BatchID.String(),
				EventRef:           e.EventRef,
				Sequence:           e.Sequence,
				Op:                 e.Op.String(),
				SourceAccount:      e.Source.AccountPath(),
				DestinationAccount: e.Destination.AccountPath(),
				AssetID:            uint16(e.AssetID),
				Amount:             int64(e.Amount),
				Timestamp:          e.Timestamp,
			})
		}
	}

	return req, entries
}

// flushWithRetry retries with exponential backoff. The worker never drops
// a record: it retries until the write succeeds or ctx is cancelled, in
// which case it attempts one final flush with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, requests []RequestRow, entries []EntryRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("requests", len(requests)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), requests, entries); err != nil {
					return err
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, requests, entries)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, requests []RequestRow, entries []EntryRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteRequestBatch(ctx, tx, requests); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_requests").Inc()
		}
		return err
	}

	if err := w.writer.WriteEntryBatch(ctx, tx, entries); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_entries").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(requests)))
		w.metrics.PersistRequestsWritten.Add(float64(len(requests)))
		w.metrics.PersistEntriesWritten.Add(float64(len(entries)))
		if len(requests) > 0 {
			w.metrics.PersistLastSequence.Set(float64(requests[len(requests)-1].Sequence))
		}
	}

	return nil
}
