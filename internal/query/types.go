package query

import (
	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/ledger"
	"DepegLedger/internal/state"
)

// PolicyResponse represents a projected policy for API queries. Status is
// derived at query time from the caller-supplied clock.
type PolicyResponse struct {
	PolicyID       state.PolicyID     `json:"policy_id"`
	Holder         ledger.Address     `json:"holder"`
	InsuredAmount  sdkmath.Int        `json:"insured_amount"`
	StartTimestamp uint64             `json:"start_timestamp"`
	Duration       uint64             `json:"duration"`
	ExpiresAt      uint64             `json:"expires_at"`
	Settled        bool               `json:"settled"`
	Status         state.PolicyStatus `json:"status"`
	Repayment      *sdkmath.Int       `json:"repayment,omitempty"`
	CreatedSeq     int64              `json:"created_seq"`
	SettledSeq     *int64             `json:"settled_seq,omitempty"`
	AsOfSequence   int64              `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string      `json:"journal_id"`
	BatchID       string      `json:"batch_id"`
	EventRef      string      `json:"event_ref"`
	Sequence      int64       `json:"sequence"`
	DebitAccount  string      `json:"debit_account"`
	CreditAccount string      `json:"credit_account"`
	Asset         string      `json:"asset"`
	Amount        sdkmath.Int `json:"amount"`
	JournalType   string      `json:"journal_type"`
	Timestamp     int64       `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string      `json:"asset"`
	Imbalance sdkmath.Int `json:"imbalance"`
}
