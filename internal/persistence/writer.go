package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SettlementLogWriter writes requests and ledger entries to Postgres using
// multi-row INSERT. Writes are idempotent: replays after a crash hit the
// ON CONFLICT clause and become no-ops.
type SettlementLogWriter struct {
	db *sql.DB
}

// RequestRow is a row in settlement_log.requests.
type RequestRow struct {
	Sequence       int64
	RequestType    string
	IdempotencyKey string
	Payload        []byte // JSON-encoded request payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// EntryRow is a row in settlement_log.entries.
type EntryRow struct {
	EntryID            string
	BatchID            string
	EventRef           string
	Sequence           int64
	Op                 string
	SourceAccount      string
	DestinationAccount string
	AssetID            uint16
	Amount             int64
	Timestamp          int64
}

func NewSettlementLogWriter(db *sql.DB) *SettlementLogWriter {
	return &SettlementLogWriter{db: db}
}

// WriteRequestBatch writes a batch of requests inside the given transaction.
func (w *SettlementLogWriter) WriteRequestBatch(ctx context.Context, tx *sql.Tx, requests []RequestRow) error {
	if len(requests) == 0 {
		return nil
	}

	query := `INSERT INTO settlement_log.requests
		(sequence, request_type, idempotency_key, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(requests))
	args := make([]interface{}, 0, len(requests)*8)

	for i, r := range requests {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.Sequence, r.RequestType, r.IdempotencyKey, r.Payload,
			r.StateHash, r.PrevHash, r.Timestamp, r.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteEntryBatch writes a batch of ledger entries inside the given transaction.
func (w *SettlementLogWriter) WriteEntryBatch(ctx context.Context, tx *sql.Tx, entries []EntryRow) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO settlement_log.entries
		(entry_id, batch_id, event_ref, sequence, op, source_account, destination_account, asset_id, amount, timestamp)
		VALUES `

	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*10)

	for i, e := range entries {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			e.EntryID, e.BatchID, e.EventRef, e.Sequence,
			e.Op, e.SourceAccount, e.DestinationAccount, e.AssetID,
			e.Amount, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
