package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"SettleCore/internal/engine"
	"SettleCore/internal/event"
	"SettleCore/internal/ledger"

	"github.com/rs/zerolog"
)

// Worker updates projection tables from processed requests. The projection
// channel is non-blocking with drop on the core side: if projections fall
// behind they miss outputs, and are rebuilt from the settlement log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan engine.CoreOutput
	lastSeq   int64
	log       zerolog.Logger
}

func NewWorker(db *sql.DB, inputChan <-chan engine.CoreOutput, log zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		log:       log.With().Str("component", "projection_worker").Logger(),
	}
}

// Run starts the projection loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.processOutput(ctx, output); err != nil {
				// Continue: projections are eventually consistent and
				// can be rebuilt from the settlement log.
				w.log.Warn().Err(err).
					Int64("sequence", output.Envelope.Sequence).
					Msg("projection update failed")
			}

			w.lastSeq = output.Envelope.Sequence
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, output engine.CoreOutput) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence

	if output.Batch != nil {
		for _, e := range output.Batch.Entries {
			if err := w.updateBalanceProjection(ctx, tx, e, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := w.updateAccrualProjection(ctx, tx, e, seq); err != nil {
				return fmt.Errorf("accrual projection: %w", err)
			}
		}
	}

	if err := w.updateIntentProjection(ctx, tx, output.Envelope, seq); err != nil {
		return fmt.Errorf("intent projection: %w", err)
	}

	if err := w.updateProposalProjection(ctx, tx, output.Envelope, seq); err != nil {
		return fmt.Errorf("proposal projection: %w", err)
	}

	if err := w.updateVolumeProjection(ctx, tx, output.Envelope, seq); err != nil {
		return fmt.Errorf("volume projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalanceProjection applies the balance legs of an entry. Fee ops
// have one leg in accrual space: fee_accrue credits the recipient's
// accrual (not balance), fee_claim debits it, fee_claim_restore credits it
// back. Those legs land in fee_accruals instead, so per asset
// SUM(balances) + SUM(accruals) stays zero.
func (w *Worker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, e ledger.Entry, seq int64) error {
	debitSource := e.Op != ledger.EntryOpFeeClaim
	creditDestination := e.Op != ledger.EntryOpFeeAccrue && e.Op != ledger.EntryOpFeeClaimRestore

	if debitSource {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, -$3, $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
		`, e.Source.AccountPath(), uint16(e.AssetID), int64(e.Amount), seq); err != nil {
			return err
		}
	}

	if creditDestination {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
		`, e.Destination.AccountPath(), uint16(e.AssetID), int64(e.Amount), seq); err != nil {
			return err
		}
	}

	return nil
}

// updateAccrualProjection tracks undelivered fee accruals per recipient.
// FeeAccrue raises the destination's accrual; FeeClaim lowers the source's.
func (w *Worker) updateAccrualProjection(ctx context.Context, tx *sql.Tx, e ledger.Entry, seq int64) error {
	var account string
	var delta int64

	switch e.Op {
	case ledger.EntryOpFeeAccrue, ledger.EntryOpFeeClaimRestore:
		account = e.Destination.AccountPath()
		delta = int64(e.Amount)
	case ledger.EntryOpFeeClaim:
		account = e.Source.AccountPath()
		delta = -int64(e.Amount)
	default:
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.fee_accruals (account_path, asset_id, accrued, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET accrued = projections.fee_accruals.accrued + $3, last_sequence = $4
	`, account, uint16(e.AssetID), delta, seq)
	return err
}

// updateIntentProjection tracks intent lifecycle for status queries. The
// payload carries the original request; only intent requests apply.
func (w *Worker) updateIntentProjection(ctx context.Context, tx *sql.Tx, env *event.Envelope, seq int64) error {
	switch env.RequestType {
	case event.RequestTypeLockIntent:
		var p struct {
			IntentID     string `json:"IntentID"`
			Trader       string `json:"Trader"`
			Counterparty string `json:"Counterparty"`
			AssetIn      string `json:"AssetIn"`
			AssetOut     string `json:"AssetOut"`
			AmountIn     uint64 `json:"AmountIn"`
			AmountOut    uint64 `json:"AmountOut"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.intents
				(intent_id, trader, counterparty, asset_in, asset_out, amount_in, amount_out, state, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'LOCKED', $8)
			ON CONFLICT (intent_id) DO NOTHING
		`, p.IntentID, p.Trader, p.Counterparty, p.AssetIn, p.AssetOut, int64(p.AmountIn), int64(p.AmountOut), seq)
		return err

	case event.RequestTypeSettle:
		return w.advanceIntentState(ctx, tx, env.Payload, "SETTLED", seq)

	case event.RequestTypeCancelIntent:
		return w.advanceIntentState(ctx, tx, env.Payload, "CANCELLED", seq)
	}
	return nil
}

func (w *Worker) advanceIntentState(ctx context.Context, tx *sql.Tx, payload []byte, state string, seq int64) error {
	var p struct {
		IntentID string `json:"IntentID"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.intents SET state = $2, last_sequence = $3 WHERE intent_id = $1
	`, p.IntentID, state, seq)
	return err
}

// updateProposalProjection mirrors timelock proposal lifecycle for the
// query surface. The proposal id equals the propose request's id.
func (w *Worker) updateProposalProjection(ctx context.Context, tx *sql.Tx, env *event.Envelope, seq int64) error {
	switch env.RequestType {
	case event.RequestTypeTimelockPropose:
		var p struct {
			RequestID string    `json:"RequestID"`
			Key       string    `json:"Key"`
			NewValue  []byte    `json:"NewValue"`
			DelayUs   int64     `json:"DelayUs"`
			Proposer  string    `json:"Proposer"`
			Timestamp time.Time `json:"Timestamp"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		proposedAt := p.Timestamp.UnixMicro()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.proposals
				(proposal_id, param_key, new_value, delay_us, proposer,
				 proposed_at_us, ready_at_us, state, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'PROPOSED', $8)
			ON CONFLICT (proposal_id) DO NOTHING
		`, p.RequestID, p.Key, p.NewValue, p.DelayUs, p.Proposer,
			proposedAt, proposedAt+p.DelayUs, seq)
		return err

	case event.RequestTypeTimelockExecute:
		return w.advanceProposalState(ctx, tx, env.Payload, "EXECUTED", seq)

	case event.RequestTypeTimelockCancel:
		return w.advanceProposalState(ctx, tx, env.Payload, "CANCELLED", seq)
	}
	return nil
}

func (w *Worker) advanceProposalState(ctx context.Context, tx *sql.Tx, payload []byte, state string, seq int64) error {
	var p struct {
		ProposalID string `json:"ProposalID"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.proposals SET state = $2, last_sequence = $3 WHERE proposal_id = $1
	`, p.ProposalID, state, seq)
	return err
}

// updateVolumeProjection records settled volume per party for window usage
// queries: the trader's input leg and the counterparty's output leg, the
// same legs the core counts against caps.
func (w *Worker) updateVolumeProjection(ctx context.Context, tx *sql.Tx, env *event.Envelope, seq int64) error {
	if env.RequestType != event.RequestTypeSettle {
		return nil
	}

	var p struct {
		IntentID  string    `json:"IntentID"`
		Timestamp time.Time `json:"Timestamp"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.volume_events (sequence, account, asset, amount, occurred_at_us)
		SELECT $2, trader, asset_in, amount_in, $3
		FROM projections.intents WHERE intent_id = $1
		UNION ALL
		SELECT $2, counterparty, asset_out, amount_out, $3
		FROM projections.intents WHERE intent_id = $1
		ON CONFLICT DO NOTHING
	`, p.IntentID, seq, p.Timestamp.UnixMicro())
	return err
}

// Rebuild rebuilds all projection tables from the settlement log.
func Rebuild(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.fee_accruals`,
		`TRUNCATE projections.intents`,
		`TRUNCATE projections.proposals`,
		`TRUNCATE projections.volume_events`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	steps := []struct {
		name string
		stmt string
	}{
		// Credits first, then subtract debits.
		{"credit balances", `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			SELECT
				destination_account AS account_path,
				asset_id,
				SUM(amount) AS balance,
				MAX(sequence) AS last_sequence
			FROM settlement_log.entries
			WHERE op NOT IN ('fee_accrue', 'fee_claim_restore')
			GROUP BY destination_account, asset_id
			ON CONFLICT (account_path, asset_id) DO UPDATE
				SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
		`},
		{"debit balances", `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			SELECT
				source_account AS account_path,
				asset_id,
				-SUM(amount) AS balance,
				MAX(sequence) AS last_sequence
			FROM settlement_log.entries
			WHERE op != 'fee_claim'
			GROUP BY source_account, asset_id
			ON CONFLICT (account_path, asset_id) DO UPDATE
				SET balance = projections.balances.balance + EXCLUDED.balance,
				    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
		`},
		{"fee accruals", `
			INSERT INTO projections.fee_accruals (account_path, asset_id, accrued, last_sequence)
			SELECT account_path, asset_id, SUM(delta), MAX(sequence) FROM (
				SELECT destination_account AS account_path, asset_id, amount AS delta, sequence
				FROM settlement_log.entries
				WHERE op IN ('fee_accrue', 'fee_claim_restore')
				UNION ALL
				SELECT source_account, asset_id, -amount, sequence
				FROM settlement_log.entries
				WHERE op = 'fee_claim'
			) deltas
			GROUP BY account_path, asset_id
		`},
		{"locked intents", `
			INSERT INTO projections.intents
				(intent_id, trader, counterparty, asset_in, asset_out, amount_in, amount_out, state, last_sequence)
			SELECT
				(payload->>'IntentID')::uuid,
				(payload->>'Trader')::uuid,
				(payload->>'Counterparty')::uuid,
				payload->>'AssetIn',
				payload->>'AssetOut',
				(payload->>'AmountIn')::bigint,
				(payload->>'AmountOut')::bigint,
				'LOCKED',
				sequence
			FROM settlement_log.requests
			WHERE request_type = 'LockIntent'
		`},
		{"settled intents", `
			UPDATE projections.intents i
			SET state = 'SETTLED', last_sequence = r.sequence
			FROM settlement_log.requests r
			WHERE r.request_type = 'Settle'
			  AND i.intent_id = (r.payload->>'IntentID')::uuid
		`},
		{"cancelled intents", `
			UPDATE projections.intents i
			SET state = 'CANCELLED', last_sequence = r.sequence
			FROM settlement_log.requests r
			WHERE r.request_type = 'CancelIntent'
			  AND i.intent_id = (r.payload->>'IntentID')::uuid
		`},
		{"proposals", `
			INSERT INTO projections.proposals
				(proposal_id, param_key, new_value, delay_us, proposer,
				 proposed_at_us, ready_at_us, state, last_sequence)
			SELECT
				(payload->>'RequestID')::uuid,
				payload->>'Key',
				decode(payload->>'NewValue', 'base64'),
				(payload->>'DelayUs')::bigint,
				(payload->>'Proposer')::uuid,
				(EXTRACT(EPOCH FROM (payload->>'Timestamp')::timestamptz) * 1e6)::bigint,
				(EXTRACT(EPOCH FROM (payload->>'Timestamp')::timestamptz) * 1e6)::bigint
					+ (payload->>'DelayUs')::bigint,
				'PROPOSED',
				sequence
			FROM settlement_log.requests
			WHERE request_type = 'TimelockPropose'
		`},
		{"executed proposals", `
			UPDATE projections.proposals p
			SET state = 'EXECUTED', last_sequence = r.sequence
			FROM settlement_log.requests r
			WHERE r.request_type = 'TimelockExecute'
			  AND p.proposal_id = (r.payload->>'ProposalID')::uuid
		`},
		{"cancelled proposals", `
			UPDATE projections.proposals p
			SET state = 'CANCELLED', last_sequence = r.sequence
			FROM settlement_log.requests r
			WHERE r.request_type = 'TimelockCancel'
			  AND p.proposal_id = (r.payload->>'ProposalID')::uuid
		`},
		{"volume events", `
			INSERT INTO projections.volume_events (sequence, account, asset, amount, occurred_at_us)
			SELECT r.sequence, i.trader, i.asset_in, i.amount_in,
				(EXTRACT(EPOCH FROM (r.payload->>'Timestamp')::timestamptz) * 1e6)::bigint
			FROM settlement_log.requests r
			JOIN projections.intents i ON i.intent_id = (r.payload->>'IntentID')::uuid
			WHERE r.request_type = 'Settle'
			UNION ALL
			SELECT r.sequence, i.counterparty, i.asset_out, i.amount_out,
				(EXTRACT(EPOCH FROM (r.payload->>'Timestamp')::timestamptz) * 1e6)::bigint
			FROM settlement_log.requests r
			JOIN projections.intents i ON i.intent_id = (r.payload->>'IntentID')::uuid
			WHERE r.request_type = 'Settle'
		`},
		{"watermark", `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM settlement_log.requests
		`},
	}

	for _, step := range steps {
		if _, err := db.ExecContext(ctx, step.stmt); err != nil {
			return fmt.Errorf("rebuild %s: %w", step.name, err)
		}
	}

	log.Info().Msg("projection rebuild complete")
	return nil
}
