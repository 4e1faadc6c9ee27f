package event

import (
	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/state"
)

type CreatePolicy struct {
	Header
	InsuredAmount sdkmath.Int `json:"insured_amount"`
	Duration      uint64      `json:"duration"`
}

func (c *CreatePolicy) CommandType() CommandType {
	return CommandTypeCreatePolicy
}

// GetRepayment claims a payout. Any caller may submit it; funds go to the
// policy holder.
type GetRepayment struct {
	Header
	PolicyID state.PolicyID `json:"policy_id"`
}

func (c *GetRepayment) CommandType() CommandType {
	return CommandTypeGetRepayment
}
