package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"SettleCore/internal/engine"

	"github.com/google/uuid"
)

// SnapshotManager creates and loads state snapshots for recovery. A
// snapshot carries the full in-memory core state: ledger balances and
// accruals, open intents, consumed nonces, volume windows, timelock
// proposals, cached compliance verdicts, active parameters, per-partition
// sequence counters, and recent idempotency keys for LRU warming.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotRecord wraps the core state with storage metadata.
type SnapshotRecord struct {
	State     *engine.SnapshotState `json:"state"`
	CreatedAt time.Time             `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Snapshots are taken periodically; a
// snapshot is only trusted after verification (replay from its sequence
// forward reproduces the same state hash).
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, state *engine.SnapshotState, createdAt time.Time) error {
	rec := SnapshotRecord{State: state, CreatedAt: createdAt}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotRecord

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO settlement_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, state.Sequence, data, state.StateHash[:], formatVersion, len(data), createdAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns
// (nil, nil) when no snapshot exists (cold start: replay the whole log).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*engine.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM settlement_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var rec SnapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return rec.State, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE settlement_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadRequestsFrom loads persisted requests from a given sequence for
// replay. Warm restart replays from snapshot.Sequence+1; cold restart
// replays everything.
func (sm *SnapshotManager) LoadRequestsFrom(ctx context.Context, fromSequence int64) ([]RequestRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, request_type, idempotency_key, payload, state_hash, prev_hash, timestamp, source_sequence
		FROM settlement_log.requests
		WHERE sequence >= $1
		ORDER BY sequence ASC
	`, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("load requests: %w", err)
	}
	defer rows.Close()

	var requests []RequestRow
	for rows.Next() {
		var r RequestRow
		if err := rows.Scan(
			&r.Sequence, &r.RequestType, &r.IdempotencyKey, &r.Payload,
			&r.StateHash, &r.PrevHash, &r.Timestamp, &r.SourceSequence,
		); err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}

	return requests, rows.Err()
}

// GetLatestSequence returns the highest sequence in the settlement log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM settlement_log.requests
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
