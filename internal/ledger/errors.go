package ledger

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// ErrBalanceOverflow is returned when a balance would leave the 256-bit range.
var ErrBalanceOverflow = errors.New("balance overflow")

// InsufficientBalanceError is returned when a batch would drive a holder
// account below zero.
type InsufficientBalanceError struct {
	Account   AccountKey
	Available sdkmath.Int
	Required  sdkmath.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance in %s: have=%s, need=%s",
		e.Account.AccountPath(), e.Available, e.Required)
}

// InsufficientAllowanceError is returned when a spender moves more than the
// owner approved.
type InsufficientAllowanceError struct {
	Owner     Address
	Spender   Address
	Asset     Asset
	Available sdkmath.Int
	Required  sdkmath.Int
}

func (e *InsufficientAllowanceError) Error() string {
	return fmt.Sprintf("insufficient %s allowance from %s to %s: have=%s, need=%s",
		e.Asset, e.Owner, e.Spender, e.Available, e.Required)
}
