package core

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/ledger"
	fpmath "DepegLedger/internal/math"
)

var (
	// authorization
	ErrNotOwner = errors.New("caller is not the owner")

	// validation
	ErrZeroAmount          = errors.New("amount must be greater than zero")
	ErrInvalidDuration     = errors.New("invalid policy duration")
	ErrUnknownAsset        = errors.New("unknown asset")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrUnknownCommand      = errors.New("unknown command type")
	ErrPriceUnderThreshold = errors.New("price under threshold")
	ErrPriceAboveThreshold = errors.New("price above threshold")
	ErrArithmeticOverflow  = errors.New("arithmetic overflow")

	// state
	ErrPolicyNotFound       = errors.New("policy not found")
	ErrPolicyAlreadySettled = errors.New("policy already settled")
	ErrPolicyExpired        = errors.New("policy expired")
	ErrDuplicatePolicy      = errors.New("duplicate policy")
	ErrDuplicateCommand     = errors.New("duplicate command")

	// resource
	ErrPoolUnderfunded = errors.New("pool underfunded")

	// collaborator
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// recovery
	ErrStateDivergence = errors.New("replayed state diverged from log")
)

// PriceUnderThresholdError rejects policy creation while the asset is
// already depegged.
type PriceUnderThresholdError struct {
	Price     sdkmath.Int
	Threshold sdkmath.Int
}

func (e *PriceUnderThresholdError) Error() string {
	return fmt.Sprintf("price %s is under threshold %s", e.Price, e.Threshold)
}

func (e *PriceUnderThresholdError) Is(target error) bool {
	return target == ErrPriceUnderThreshold
}

// PriceAboveThresholdError rejects a claim while the asset is still pegged.
type PriceAboveThresholdError struct {
	Price     sdkmath.Int
	Threshold sdkmath.Int
}

func (e *PriceAboveThresholdError) Error() string {
	return fmt.Sprintf("price %s is at or above threshold %s", e.Price, e.Threshold)
}

func (e *PriceAboveThresholdError) Is(target error) bool {
	return target == ErrPriceAboveThreshold
}

// PoolUnderfundedError is returned when the pool cannot cover a payout or
// withdrawal in full. No partial payouts are made.
type PoolUnderfundedError struct {
	Required  sdkmath.Int
	Available sdkmath.Int
}

func (e *PoolUnderfundedError) Error() string {
	return fmt.Sprintf("pool underfunded: required=%s, available=%s", e.Required, e.Available)
}

func (e *PoolUnderfundedError) Is(target error) bool {
	return target == ErrPoolUnderfunded
}

// ErrorCode maps an engine error to a stable snake_case key, used as the
// rejection metric label and the API error key.
func ErrorCode(err error) string {
	var (
		insufficientBalance   *ledger.InsufficientBalanceError
		insufficientAllowance *ledger.InsufficientAllowanceError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrInvalidDuration):
		return "invalid_duration"
	case errors.Is(err, ErrUnknownAsset):
		return "unknown_asset"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, ErrPriceUnderThreshold):
		return "price_under_threshold"
	case errors.Is(err, ErrPriceAboveThreshold):
		return "price_above_threshold"
	case errors.Is(err, ErrArithmeticOverflow), errors.Is(err, fpmath.ErrOverflow), errors.Is(err, ledger.ErrBalanceOverflow):
		return "arithmetic_overflow"
	case errors.Is(err, ErrPolicyNotFound):
		return "policy_not_found"
	case errors.Is(err, ErrPolicyAlreadySettled):
		return "policy_already_settled"
	case errors.Is(err, ErrPolicyExpired):
		return "policy_expired"
	case errors.Is(err, ErrDuplicatePolicy):
		return "duplicate_policy"
	case errors.Is(err, ErrDuplicateCommand):
		return "duplicate_command"
	case errors.Is(err, ErrPoolUnderfunded):
		return "pool_underfunded"
	case errors.As(err, &insufficientBalance):
		return "insufficient_balance"
	case errors.As(err, &insufficientAllowance):
		return "insufficient_allowance"
	case errors.Is(err, ErrOracleUnavailable):
		return "oracle_unavailable"
	default:
		return "internal"
	}
}
