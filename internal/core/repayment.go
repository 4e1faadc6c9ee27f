package core

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/event"
	fpmath "DepegLedger/internal/math"
	"DepegLedger/internal/oracle"
	"DepegLedger/internal/state"
)

// handleGetRepayment settles a claim. Anyone may submit it; the payout
// always goes to the policy holder.
func (c *Engine) handleGetRepayment(ctx context.Context, seq int64, cmd *event.GetRepayment, gw oracle.Gateway) (*transition, error) {
	policy, err := c.claimablePolicy(cmd.PolicyID, cmd.Timestamp())
	if err != nil {
		return nil, err
	}

	price, err := c.readPrice(ctx, gw)
	if err != nil {
		return nil, err
	}

	repayment, err := c.repaymentAt(policy, price)
	if err != nil {
		return nil, err
	}

	pool := c.poolBalance()
	if repayment.GT(pool) {
		return nil, &PoolUnderfundedError{Required: repayment, Available: pool}
	}

	batch := c.journalGen.GenerateRepayment(cmd.IdempotencyKey(), seq, int64(cmd.Timestamp()),
		policy.Holder, c.params.InsuredAsset, repayment)
	if err := c.balances.CheckBatch(batch); err != nil {
		return nil, err
	}

	id := policy.ID
	return &transition{
		batch:         batch,
		settle:        &id,
		observedPrice: &price,
		amount:        repayment,
		notifications: []event.Notification{event.PolicyRepayed(id, repayment)},
	}, nil
}

// claimablePolicy applies the existence, settlement and expiry checks.
// Expiry wins over price: an expired policy is rejected whatever the oracle says.
func (c *Engine) claimablePolicy(id state.PolicyID, now uint64) (state.Policy, error) {
	policy, ok := c.registry.Get(id)
	if !ok {
		return state.Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	if policy.Settled {
		return state.Policy{}, fmt.Errorf("%w: %s", ErrPolicyAlreadySettled, id)
	}
	if policy.IsExpired(now) {
		return state.Policy{}, fmt.Errorf("%w: %s expired at %d", ErrPolicyExpired, id, policy.ExpiresAt())
	}
	return policy, nil
}

func (c *Engine) repaymentAt(policy state.Policy, price sdkmath.Int) (sdkmath.Int, error) {
	if price.GTE(c.params.PriceThreshold) {
		return sdkmath.Int{}, &PriceAboveThresholdError{Price: price, Threshold: c.params.PriceThreshold}
	}
	repayment, err := fpmath.ComputeRepayment(policy.InsuredAmount, price, c.params.OracleDecimals)
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("%w: repayment: %v", ErrArithmeticOverflow, err)
	}
	return repayment, nil
}

// RepaymentQuote describes what a claim would pay right now.
type RepaymentQuote struct {
	Policy      state.PolicyView
	Price       sdkmath.Int
	Threshold   sdkmath.Int
	Repayment   sdkmath.Int
	PoolBalance sdkmath.Int
}

// SetQuoteOracle routes read-only quotes to their own gateway, so quote
// traffic does not share a rate limit or breaker with commands.
func (c *Engine) SetQuoteOracle(gw oracle.Gateway) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gw != nil {
		c.quoteOracle = gw
	}
}

// QuoteRepayment runs the claim checks against the live oracle without
// changing state. It returns the same errors getRepayment would, except
// that pool shortfall is reported in the quote rather than as an error.
//
// The price is read without holding the engine lock; the policy checks run
// again after the read since a command may have settled it meanwhile.
func (c *Engine) QuoteRepayment(ctx context.Context, id state.PolicyID, now uint64) (*RepaymentQuote, error) {
	c.mu.Lock()
	_, err := c.claimablePolicy(id, now)
	gw := c.quoteOracle
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	price, err := c.readPrice(ctx, gw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	policy, err := c.claimablePolicy(id, now)
	if err != nil {
		return nil, err
	}

	repayment, err := c.repaymentAt(policy, price)
	if err != nil {
		return nil, err
	}

	return &RepaymentQuote{
		Policy:      state.NewPolicyView(policy, now),
		Price:       price,
		Threshold:   c.params.PriceThreshold,
		Repayment:   repayment,
		PoolBalance: c.poolBalance(),
	}, nil
}
