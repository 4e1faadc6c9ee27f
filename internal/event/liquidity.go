package event

import sdkmath "cosmossdk.io/math"

// AddLiquidity pulls insured asset from the caller into the pool.
type AddLiquidity struct {
	Header
	Amount sdkmath.Int `json:"amount"`
}

func (c *AddLiquidity) CommandType() CommandType {
	return CommandTypeAddLiquidity
}

// WithdrawLiquidity sends insured asset from the pool to the owner.
type WithdrawLiquidity struct {
	Header
	Amount sdkmath.Int `json:"amount"`
}

func (c *WithdrawLiquidity) CommandType() CommandType {
	return CommandTypeWithdrawLiquidity
}

// CollectFee sweeps the contract's treasury-asset balance to the owner.
type CollectFee struct {
	Header
}

func (c *CollectFee) CommandType() CommandType {
	return CommandTypeCollectFee
}
