package query

import (
	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/ledger"
)

// BalanceResponse represents one holder balance for API queries
type BalanceResponse struct {
	Holder       ledger.Address `json:"holder"`
	Asset        string         `json:"asset"`
	Balance      sdkmath.Int    `json:"balance"`
	LastSequence int64          `json:"last_sequence"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// HolderBalances is every projected balance of one address.
type HolderBalances struct {
	Holder       ledger.Address    `json:"holder"`
	Balances     []BalanceResponse `json:"balances"`
	AsOfSequence int64             `json:"as_of_sequence"`
}
