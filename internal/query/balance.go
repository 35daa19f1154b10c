package query

import "github.com/google/uuid"

// BalanceResponse represents an account's balance state for API queries.
// Balance is spendable funds; Accrued is undelivered fee accruals held
// back from the spendable balance until claimed.
type BalanceResponse struct {
	Account uuid.UUID `json:"account"`
	Asset   string    `json:"asset"`

	Balance int64 `json:"balance"`
	Accrued int64 `json:"accrued"`

	// Last applied sequence at projection time, for freshness semantics.
	AsOfSequence int64 `json:"as_of_sequence"`
}

// AccrualResponse represents one recipient's undelivered fees in one asset.
type AccrualResponse struct {
	AccountPath  string `json:"account_path"`
	AssetID      uint16 `json:"asset_id"`
	Accrued      int64  `json:"accrued"`
	AsOfSequence int64  `json:"as_of_sequence"`
}
