package core

import (
	"fmt"

	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/event"
)

// The pool is the contract's own insured-asset balance; there is no
// separate counter to keep in sync.

// handleAddLiquidity pulls amount from the caller via transferFrom.
func (c *Engine) handleAddLiquidity(seq int64, cmd *event.AddLiquidity) (*transition, error) {
	if err := requirePositive(cmd.Amount); err != nil {
		return nil, err
	}

	caller := cmd.CallerAddress()
	asset := c.params.InsuredAsset

	if err := c.allowances.CheckSpend(caller, c.params.Contract, asset, cmd.Amount); err != nil {
		return nil, err
	}

	batch := c.journalGen.GenerateLiquidityAdded(cmd.IdempotencyKey(), seq, int64(cmd.Timestamp()), caller, asset, cmd.Amount)
	if err := c.balances.CheckBatch(batch); err != nil {
		return nil, err
	}

	return &transition{
		batch:         batch,
		spend:         &allowanceSpend{owner: caller, asset: asset, amount: cmd.Amount},
		amount:        cmd.Amount,
		notifications: []event.Notification{event.LiquidityAdded(cmd.Amount)},
	}, nil
}

// handleWithdrawLiquidity sends amount from the pool to the owner.
func (c *Engine) handleWithdrawLiquidity(seq int64, cmd *event.WithdrawLiquidity) (*transition, error) {
	if err := c.requireOwner(cmd); err != nil {
		return nil, err
	}
	if err := requirePositive(cmd.Amount); err != nil {
		return nil, err
	}

	pool := c.poolBalance()
	if cmd.Amount.GT(pool) {
		return nil, &PoolUnderfundedError{Required: cmd.Amount, Available: pool}
	}

	batch := c.journalGen.GenerateLiquidityWithdrawn(cmd.IdempotencyKey(), seq, int64(cmd.Timestamp()),
		c.params.Owner, c.params.InsuredAsset, cmd.Amount)
	if err := c.balances.CheckBatch(batch); err != nil {
		return nil, err
	}

	return &transition{
		batch:         batch,
		amount:        cmd.Amount,
		notifications: []event.Notification{event.LiquidityWithdrawn(cmd.Amount)},
	}, nil
}

func (c *Engine) poolBalance() sdkmath.Int {
	return c.balances.BalanceOf(c.params.Contract, c.params.InsuredAsset)
}

func (c *Engine) requireOwner(cmd event.Command) error {
	if cmd.CallerAddress() != c.params.Owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, cmd.CallerAddress())
	}
	return nil
}

func requirePositive(amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return ErrZeroAmount
	}
	return nil
}
