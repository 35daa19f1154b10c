package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"SettleCore/internal/event"

	"github.com/google/uuid"
)

// ParseRawRequest converts a RawRequest (JSON bytes + request type string)
// into a typed event.Request. The ingestion shell validates, parses, and
// converts raw requests before sending to the settlement core.
func ParseRawRequest(raw RawRequest, requestType string) (event.Request, error) {
	switch requestType {
	case "LockIntent":
		return parseLockIntent(raw.Data)
	case "Settle":
		return parseSettle(raw.Data)
	case "CancelIntent":
		return parseCancelIntent(raw.Data)
	case "DepositConfirmed":
		return parseDepositConfirmed(raw.Data)
	case "WithdrawRequested":
		return parseWithdrawRequested(raw.Data)
	case "ClaimFees":
		return parseClaimFees(raw.Data)
	case "TimelockPropose":
		return parseTimelockPropose(raw.Data)
	case "TimelockExecute":
		return parseTimelockExecute(raw.Data)
	case "TimelockCancel":
		return parseTimelockCancel(raw.Data)
	case "ComplianceRefresh":
		return parseComplianceRefresh(raw.Data)
	case "ComplianceInvalidate":
		return parseComplianceInvalidate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown request type: %s", requestType)
	}
}

// ParseStoredRequest decodes a request payload read back from the
// settlement log. Stored payloads are the typed request structs marshaled
// as-is, not the upstream wire format, so they unmarshal directly.
func ParseStoredRequest(payload []byte, requestType string) (event.Request, error) {
	var req event.Request
	switch requestType {
	case "LockIntent":
		req = &event.LockIntent{}
	case "Settle":
		req = &event.Settle{}
	case "CancelIntent":
		req = &event.CancelIntent{}
	case "DepositConfirmed":
		req = &event.DepositConfirmed{}
	case "WithdrawRequested":
		req = &event.WithdrawRequested{}
	case "ClaimFees":
		req = &event.ClaimFees{}
	case "TimelockPropose":
		req = &event.TimelockPropose{}
	case "TimelockExecute":
		req = &event.TimelockExecute{}
	case "TimelockCancel":
		req = &event.TimelockCancel{}
	case "ComplianceRefresh":
		req = &event.ComplianceRefresh{}
	case "ComplianceInvalidate":
		req = &event.ComplianceInvalidate{}
	default:
		return nil, fmt.Errorf("unknown request type: %s", requestType)
	}

	if err := json.Unmarshal(payload, req); err != nil {
		return nil, fmt.Errorf("parse stored %s: %w", requestType, err)
	}
	return req, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Signature fields
// are base64 in the JSON payload ([]byte encoding).

type lockIntentJSON struct {
	IntentID     string `json:"intent_id"`
	Trader       string `json:"trader"`
	Counterparty string `json:"counterparty"`
	AssetIn      string `json:"asset_in"`
	AssetOut     string `json:"asset_out"`
	AmountIn     uint64 `json:"amount_in"`
	AmountOut    uint64 `json:"amount_out"`
	DeadlineUs   int64  `json:"deadline_us"`
	TraderNonce  uint64 `json:"trader_nonce"`
	TraderSig    []byte `json:"trader_sig"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseLockIntent(data []byte) (*event.LockIntent, error) {
	var j lockIntentJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LockIntent: %w", err)
	}

	intentID, err := uuid.Parse(j.IntentID)
	if err != nil {
		return nil, fmt.Errorf("parse intent_id: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}
	counterparty, err := uuid.Parse(j.Counterparty)
	if err != nil {
		return nil, fmt.Errorf("parse counterparty: %w", err)
	}

	return &event.LockIntent{
		IntentID:     intentID,
		Trader:       trader,
		Counterparty: counterparty,
		AssetIn:      j.AssetIn,
		AssetOut:     j.AssetOut,
		AmountIn:     j.AmountIn,
		AmountOut:    j.AmountOut,
		Deadline:     time.UnixMicro(j.DeadlineUs),
		TraderNonce:  j.TraderNonce,
		TraderSig:    j.TraderSig,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type settleJSON struct {
	IntentID          string `json:"intent_id"`
	CounterpartyNonce uint64 `json:"counterparty_nonce"`
	CounterpartySig   []byte `json:"counterparty_sig"`
	Sequence          int64  `json:"sequence"`
	TimestampUs       int64  `json:"timestamp_us"`
}

func parseSettle(data []byte) (*event.Settle, error) {
	var j settleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Settle: %w", err)
	}
	intentID, err := uuid.Parse(j.IntentID)
	if err != nil {
		return nil, fmt.Errorf("parse intent_id: %w", err)
	}
	return &event.Settle{
		IntentID:          intentID,
		CounterpartyNonce: j.CounterpartyNonce,
		CounterpartySig:   j.CounterpartySig,
		Sequence:          j.Sequence,
		Timestamp:         time.UnixMicro(j.TimestampUs),
	}, nil
}

type cancelIntentJSON struct {
	IntentID    string `json:"intent_id"`
	Caller      string `json:"caller"`
	MutualSig   []byte `json:"mutual_sig,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCancelIntent(data []byte) (*event.CancelIntent, error) {
	var j cancelIntentJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelIntent: %w", err)
	}
	intentID, err := uuid.Parse(j.IntentID)
	if err != nil {
		return nil, fmt.Errorf("parse intent_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	return &event.CancelIntent{
		IntentID:  intentID,
		Caller:    caller,
		MutualSig: j.MutualSig,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type depositConfirmedJSON struct {
	DepositID   string `json:"deposit_id"`
	Account     string `json:"account"`
	Asset       string `json:"asset"`
	Requested   uint64 `json:"requested"`
	Actual      uint64 `json:"actual"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositConfirmedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &event.DepositConfirmed{
		DepositID: depositID,
		Account:   account,
		Asset:     j.Asset,
		Requested: j.Requested,
		Actual:    j.Actual,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawRequestedJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Amount       uint64 `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseWithdrawRequested(data []byte) (*event.WithdrawRequested, error) {
	var j withdrawRequestedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawRequested: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &event.WithdrawRequested{
		WithdrawalID: wdID,
		Account:      account,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type claimFeesJSON struct {
	ClaimID     string `json:"claim_id"`
	Recipient   string `json:"recipient"`
	Asset       string `json:"asset"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseClaimFees(data []byte) (*event.ClaimFees, error) {
	var j claimFeesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimFees: %w", err)
	}
	claimID, err := uuid.Parse(j.ClaimID)
	if err != nil {
		return nil, fmt.Errorf("parse claim_id: %w", err)
	}
	recipient, err := uuid.Parse(j.Recipient)
	if err != nil {
		return nil, fmt.Errorf("parse recipient: %w", err)
	}
	return &event.ClaimFees{
		ClaimID:   claimID,
		Recipient: recipient,
		Asset:     j.Asset,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type timelockProposeJSON struct {
	RequestID   string          `json:"request_id"`
	Key         string          `json:"key"`
	NewValue    json.RawMessage `json:"new_value"`
	DelayUs     int64           `json:"delay_us"`
	Proposer    string          `json:"proposer"`
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}

func parseTimelockPropose(data []byte) (*event.TimelockPropose, error) {
	var j timelockProposeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TimelockPropose: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	proposer, err := uuid.Parse(j.Proposer)
	if err != nil {
		return nil, fmt.Errorf("parse proposer: %w", err)
	}
	return &event.TimelockPropose{
		RequestID: requestID,
		Key:       j.Key,
		NewValue:  j.NewValue,
		DelayUs:   j.DelayUs,
		Proposer:  proposer,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type timelockExecuteJSON struct {
	RequestID   string `json:"request_id"`
	ProposalID  string `json:"proposal_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseTimelockExecute(data []byte) (*event.TimelockExecute, error) {
	var j timelockExecuteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TimelockExecute: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	proposalID, err := uuid.Parse(j.ProposalID)
	if err != nil {
		return nil, fmt.Errorf("parse proposal_id: %w", err)
	}
	return &event.TimelockExecute{
		RequestID:  requestID,
		ProposalID: proposalID,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type timelockCancelJSON struct {
	RequestID   string `json:"request_id"`
	ProposalID  string `json:"proposal_id"`
	Caller      string `json:"caller"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseTimelockCancel(data []byte) (*event.TimelockCancel, error) {
	var j timelockCancelJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TimelockCancel: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	proposalID, err := uuid.Parse(j.ProposalID)
	if err != nil {
		return nil, fmt.Errorf("parse proposal_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	return &event.TimelockCancel{
		RequestID:  requestID,
		ProposalID: proposalID,
		Caller:     caller,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type complianceJSON struct {
	RequestID   string `json:"request_id"`
	Account     string `json:"account"`
	Asset       string `json:"asset"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseComplianceRefresh(data []byte) (*event.ComplianceRefresh, error) {
	var j complianceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ComplianceRefresh: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &event.ComplianceRefresh{
		RequestID: requestID,
		Account:   account,
		Asset:     j.Asset,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseComplianceInvalidate(data []byte) (*event.ComplianceInvalidate, error) {
	var j complianceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ComplianceInvalidate: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &event.ComplianceInvalidate{
		RequestID: requestID,
		Account:   account,
		Asset:     j.Asset,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
