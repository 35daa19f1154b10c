package query

import "github.com/google/uuid"

// IntentResponse represents an intent's lifecycle state for API queries.
type IntentResponse struct {
	IntentID     uuid.UUID `json:"intent_id"`
	Trader       uuid.UUID `json:"trader"`
	Counterparty uuid.UUID `json:"counterparty"`
	AssetIn      string    `json:"asset_in"`
	AssetOut     string    `json:"asset_out"`
	AmountIn     int64     `json:"amount_in"`
	AmountOut    int64     `json:"amount_out"`
	State        string    `json:"state"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// EntryHistoryEntry represents a ledger entry for API queries.
type EntryHistoryEntry struct {
	EntryID            string `json:"entry_id"`
	BatchID            string `json:"batch_id"`
	EventRef           string `json:"event_ref"`
	Sequence           int64  `json:"sequence"`
	Op                 string `json:"op"`
	SourceAccount      string `json:"source_account"`
	DestinationAccount string `json:"destination_account"`
	AssetID            uint16 `json:"asset_id"`
	Amount             int64  `json:"amount"`
	Timestamp          int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset whose entries no longer sum to zero.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
