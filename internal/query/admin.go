package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProposalResponse represents a timelock proposal for API queries.
type ProposalResponse struct {
	ProposalID   uuid.UUID `json:"proposal_id"`
	Key          string    `json:"key"`
	NewValue     []byte    `json:"new_value"`
	DelayUs      int64     `json:"delay_us"`
	Proposer     uuid.UUID `json:"proposer"`
	ProposedAtUs int64     `json:"proposed_at_us"`
	ReadyAtUs    int64     `json:"ready_at_us"`
	State        string    `json:"state"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// VolumeUsageResponse reports settled volume for one account and asset
// within a trailing window.
type VolumeUsageResponse struct {
	Account      uuid.UUID `json:"account"`
	Asset        string    `json:"asset"`
	WindowUs     int64     `json:"window_us"`
	Used         int64     `json:"used"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// SolvencyStatus reports per-asset backing: funds at the custody boundary
// against the claims held inside the ledger.
type SolvencyStatus struct {
	AssetID      uint16 `json:"asset_id"`
	Custody      int64  `json:"custody"`
	UserBalances int64  `json:"user_balances"`
	Escrowed     int64  `json:"escrowed"`
	Accrued      int64  `json:"accrued"`
	Solvent      bool   `json:"solvent"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ListProposals returns timelock proposals, optionally filtered by state
// (PROPOSED, EXECUTED, CANCELLED). Empty state returns everything.
func (s *Service) ListProposals(ctx context.Context, state string, limit int) ([]ProposalResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT proposal_id, param_key, new_value, delay_us, proposer,
		       proposed_at_us, ready_at_us, state
		FROM projections.proposals
	`
	args := []interface{}{}
	if state != "" {
		query += " WHERE state = $1"
		args = append(args, state)
	}
	query += fmt.Sprintf(" ORDER BY proposed_at_us DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []ProposalResponse
	for rows.Next() {
		var p ProposalResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.ProposalID, &p.Key, &p.NewValue, &p.DelayUs, &p.Proposer,
			&p.ProposedAtUs, &p.ReadyAtUs, &p.State,
		); err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}

	return proposals, rows.Err()
}

// GetVolumeUsage sums the account's settled volume for an asset over the
// trailing window ending now. The core holds the authoritative rolling
// windows; this is the observable approximation for operators and clients.
func (s *Service) GetVolumeUsage(
	ctx context.Context,
	account uuid.UUID,
	asset string,
	window time.Duration,
	now time.Time,
) (*VolumeUsageResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	since := now.Add(-window).UnixMicro()

	var used sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM projections.volume_events
		WHERE account = $1 AND asset = $2 AND occurred_at_us >= $3
	`, account, asset, since).Scan(&used)
	if err != nil {
		return nil, err
	}

	return &VolumeUsageResponse{
		Account:      account,
		Asset:        asset,
		WindowUs:     window.Microseconds(),
		Used:         used.Int64,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetSolvencyStatus reports per-asset backing. The custody boundary
// account carries the negated sum of all external inflows, so its negation
// is the funds the custodian holds on the ledger's behalf; solvency means
// that covers every internal claim.
func (s *Service) GetSolvencyStatus(ctx context.Context) ([]SolvencyStatus, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			b.asset_id,
			SUM(CASE WHEN b.account_path LIKE 'system:custody:%' THEN -b.balance ELSE 0 END),
			SUM(CASE WHEN b.account_path LIKE 'user:%' THEN b.balance ELSE 0 END),
			SUM(CASE WHEN b.account_path LIKE 'system:escrow:%' THEN b.balance ELSE 0 END),
			COALESCE(a.accrued_total, 0)
		FROM projections.balances b
		LEFT JOIN (
			SELECT asset_id, SUM(accrued) AS accrued_total
			FROM projections.fee_accruals GROUP BY asset_id
		) a ON a.asset_id = b.asset_id
		GROUP BY b.asset_id, a.accrued_total
		ORDER BY b.asset_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []SolvencyStatus
	for rows.Next() {
		var st SolvencyStatus
		st.AsOfSequence = asOfSeq
		if err := rows.Scan(&st.AssetID, &st.Custody, &st.UserBalances, &st.Escrowed, &st.Accrued); err != nil {
			return nil, err
		}
		st.Solvent = st.Custody >= st.UserBalances+st.Escrowed+st.Accrued
		statuses = append(statuses, st)
	}

	return statuses, rows.Err()
}
