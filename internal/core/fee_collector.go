package core

import (
	"DepegLedger/internal/event"
)

// handleCollectFee sweeps the contract's entire treasury-asset balance to
// the owner. When the insured and treasury assets are the same token the
// sweep also takes pool liquidity; that is reported, not prevented.
func (c *Engine) handleCollectFee(seq int64, cmd *event.CollectFee) (*transition, error) {
	if err := c.requireOwner(cmd); err != nil {
		return nil, err
	}

	treasury := c.params.TreasuryAsset
	amount := c.balances.BalanceOf(c.params.Contract, treasury)

	batch := c.journalGen.GenerateFeeSweep(cmd.IdempotencyKey(), seq, int64(cmd.Timestamp()),
		c.params.Owner, treasury, amount)
	if err := c.balances.CheckBatch(batch); err != nil {
		return nil, err
	}

	return &transition{
		batch:         batch,
		amount:        amount,
		commingled:    c.params.Commingled() && amount.IsPositive(),
		notifications: []event.Notification{event.FeeCollected(amount)},
	}, nil
}
