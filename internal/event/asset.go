package event

import (
	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/ledger"
)

// DepositAsset credits a holder with tokens bridged in from the host ledger.
type DepositAsset struct {
	Header
	Holder ledger.Address `json:"holder"`
	Asset  ledger.Asset   `json:"asset"`
	Amount sdkmath.Int    `json:"amount"`
}

func (c *DepositAsset) CommandType() CommandType {
	return CommandTypeDepositAsset
}

// Approve sets the caller's allowance for spender. Zero revokes.
type Approve struct {
	Header
	Spender ledger.Address `json:"spender"`
	Asset   ledger.Asset   `json:"asset"`
	Amount  sdkmath.Int    `json:"amount"`
}

func (c *Approve) CommandType() CommandType {
	return CommandTypeApprove
}
