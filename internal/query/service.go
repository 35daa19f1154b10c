package query

import (
	"context"
	"database/sql"
	"fmt"

	"SettleCore/internal/ledger"

	"github.com/google/uuid"
)

// Service provides read-only access to projection tables. Queries read
// from PostgreSQL projections, never from the core's in-memory state; all
// responses carry as_of_sequence for freshness semantics.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetBalance returns one account's balance and accrual for an asset.
func (s *Service) GetBalance(
	ctx context.Context,
	account uuid.UUID,
	asset string,
) (*BalanceResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset: %s", asset)
	}

	path := ledger.NewUserAccountKey(account, assetID).AccountPath()

	balance, err := s.getProjectedBalance(ctx, path, uint16(assetID))
	if err != nil {
		return nil, err
	}
	accrued, err := s.getProjectedAccrual(ctx, path, uint16(assetID))
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Account:      account,
		Asset:        asset,
		Balance:      balance,
		Accrued:      accrued,
		AsOfSequence: asOfSeq,
	}, nil
}

// ListAccruals returns all fee accruals for one account across assets.
func (s *Service) ListAccruals(
	ctx context.Context,
	account uuid.UUID,
) ([]AccrualResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("user:%s:%%", account)
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_path, asset_id, accrued
		FROM projections.fee_accruals
		WHERE account_path LIKE $1 AND accrued != 0
		ORDER BY asset_id
	`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accruals []AccrualResponse
	for rows.Next() {
		var a AccrualResponse
		a.AsOfSequence = asOfSeq
		if err := rows.Scan(&a.AccountPath, &a.AssetID, &a.Accrued); err != nil {
			return nil, err
		}
		accruals = append(accruals, a)
	}

	return accruals, rows.Err()
}

// GetIntent returns one intent's lifecycle state.
func (s *Service) GetIntent(ctx context.Context, intentID uuid.UUID) (*IntentResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var r IntentResponse
	r.AsOfSequence = asOfSeq
	err = s.db.QueryRowContext(ctx, `
		SELECT intent_id, trader, counterparty, asset_in, asset_out, amount_in, amount_out, state
		FROM projections.intents
		WHERE intent_id = $1
	`, intentID).Scan(
		&r.IntentID, &r.Trader, &r.Counterparty, &r.AssetIn, &r.AssetOut,
		&r.AmountIn, &r.AmountOut, &r.State,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListIntents returns intents where the account is trader or counterparty,
// newest first, with cursor-based pagination on last_sequence.
func (s *Service) ListIntents(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]IntentResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT intent_id, trader, counterparty, asset_in, asset_out, amount_in, amount_out, state, last_sequence
		FROM projections.intents
		WHERE (trader = $1 OR counterparty = $1)
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND last_sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY last_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []IntentResponse
	for rows.Next() {
		var r IntentResponse
		var lastSeq int64
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&r.IntentID, &r.Trader, &r.Counterparty, &r.AssetIn, &r.AssetOut,
			&r.AmountIn, &r.AmountOut, &r.State, &lastSeq,
		); err != nil {
			return nil, err
		}
		intents = append(intents, r)
	}

	return intents, rows.Err()
}

// GetEntryHistory returns ledger entries touching one account, newest
// first, with cursor-based pagination.
func (s *Service) GetEntryHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]EntryHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT entry_id, batch_id, event_ref, sequence,
		       op, source_account, destination_account, asset_id, amount, timestamp
		FROM settlement_log.entries
		WHERE source_account LIKE $1 OR destination_account LIKE $1
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EntryHistoryEntry
	for rows.Next() {
		var e EntryHistoryEntry
		if err := rows.Scan(
			&e.EntryID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.Op, &e.SourceAccount, &e.DestinationAccount, &e.AssetID,
			&e.Amount, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity and the double-entry
// zero-sum invariant. Every entry moves value between two positions, so
// per asset the sum of all balances and accruals (custody boundary
// included) must be zero.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r1.sequence
		FROM settlement_log.requests r1
		LEFT JOIN settlement_log.requests r2 ON r2.sequence = r1.sequence - 1
		WHERE r1.sequence > 0 AND r1.prev_hash != COALESCE(r2.state_hash, r1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Accrued fees sit in accrual space, not balance space, so the
	// zero-sum invariant spans both tables.
	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, SUM(total) FROM (
			SELECT asset_id, SUM(balance) AS total
			FROM projections.balances GROUP BY asset_id
			UNION ALL
			SELECT asset_id, SUM(accrued)
			FROM projections.fee_accruals GROUP BY asset_id
		) combined
		GROUP BY asset_id
		HAVING SUM(total) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (s *Service) getProjectedBalance(ctx context.Context, accountPath string, assetID uint16) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, accountPath, assetID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (s *Service) getProjectedAccrual(ctx context.Context, accountPath string, assetID uint16) (int64, error) {
	var accrued int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(accrued, 0) FROM projections.fee_accruals
		WHERE account_path = $1 AND asset_id = $2
	`, accountPath, assetID).Scan(&accrued)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return accrued, err
}
