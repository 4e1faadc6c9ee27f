package core

import (
	"fmt"

	"DepegLedger/internal/event"
	"DepegLedger/internal/ledger"
)

// handleDepositAsset bridges tokens in from the host ledger.
func (c *Engine) handleDepositAsset(seq int64, cmd *event.DepositAsset) (*transition, error) {
	if err := c.requireKnownAsset(cmd.Asset); err != nil {
		return nil, err
	}
	if cmd.Holder.IsZero() {
		return nil, fmt.Errorf("%w: zero holder", ErrInvalidAddress)
	}
	if err := requirePositive(cmd.Amount); err != nil {
		return nil, err
	}

	batch := c.journalGen.GenerateAssetDeposit(cmd.IdempotencyKey(), seq, int64(cmd.Timestamp()),
		cmd.Holder, cmd.Asset, cmd.Amount)
	if err := c.balances.CheckBatch(batch); err != nil {
		return nil, err
	}

	return &transition{
		batch:         batch,
		amount:        cmd.Amount,
		notifications: []event.Notification{event.AssetDeposited(cmd.Holder, cmd.Asset, cmd.Amount)},
	}, nil
}

// handleApprove sets the caller's allowance for a spender.
func (c *Engine) handleApprove(seq int64, cmd *event.Approve) (*transition, error) {
	if err := c.requireKnownAsset(cmd.Asset); err != nil {
		return nil, err
	}
	if cmd.Spender.IsZero() {
		return nil, fmt.Errorf("%w: zero spender", ErrInvalidAddress)
	}
	if cmd.Amount.IsNil() || cmd.Amount.IsNegative() {
		return nil, ErrZeroAmount
	}

	owner := cmd.CallerAddress()
	return &transition{
		batch: c.journalGen.EmptyBatch(cmd.IdempotencyKey(), seq, int64(cmd.Timestamp())),
		approval: &ledger.AllowanceEntry{
			Owner:   owner,
			Spender: cmd.Spender,
			Asset:   cmd.Asset,
			Amount:  cmd.Amount,
		},
		amount:        cmd.Amount,
		notifications: []event.Notification{event.Approval(owner, cmd.Spender, cmd.Asset, cmd.Amount)},
	}, nil
}

func (c *Engine) requireKnownAsset(asset ledger.Asset) error {
	if !c.params.KnownAsset(asset) {
		return fmt.Errorf("%w: %q", ErrUnknownAsset, asset)
	}
	return nil
}
