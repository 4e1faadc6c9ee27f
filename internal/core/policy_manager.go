package core

import (
	"context"
	"errors"
	"fmt"
	"math"

	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/event"
	fpmath "DepegLedger/internal/math"
	"DepegLedger/internal/oracle"
	"DepegLedger/internal/state"
)

// handleCreatePolicy sells a policy. Checks run in a fixed order:
// amount and duration, then price, then id collision, then premium funds.
func (c *Engine) handleCreatePolicy(ctx context.Context, seq int64, cmd *event.CreatePolicy, gw oracle.Gateway) (*transition, error) {
	premium, err := c.quotePremium(cmd.InsuredAmount, cmd.Duration, cmd.Timestamp())
	if err != nil {
		return nil, err
	}

	price, err := c.readPrice(ctx, gw)
	if err != nil {
		return nil, err
	}
	if price.LT(c.params.PriceThreshold) {
		return nil, &PriceUnderThresholdError{Price: price, Threshold: c.params.PriceThreshold}
	}

	holder := cmd.CallerAddress()
	id := HashPolicy(holder, cmd.InsuredAmount, cmd.Timestamp(), cmd.Duration)
	if c.registry.Exists(id) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePolicy, id)
	}

	treasury := c.params.TreasuryAsset
	batch := c.journalGen.GeneratePremium(cmd.IdempotencyKey(), seq, int64(cmd.Timestamp()), holder, treasury, premium)

	var spend *allowanceSpend
	if premium.IsPositive() {
		if err := c.allowances.CheckSpend(holder, c.params.Contract, treasury, premium); err != nil {
			return nil, err
		}
		if err := c.balances.CheckBatch(batch); err != nil {
			return nil, err
		}
		spend = &allowanceSpend{owner: holder, asset: treasury, amount: premium}
	}

	policy := state.Policy{
		ID:             id,
		Holder:         holder,
		InsuredAmount:  cmd.InsuredAmount,
		StartTimestamp: cmd.Timestamp(),
		Duration:       cmd.Duration,
	}

	return &transition{
		batch:         batch,
		spend:         spend,
		newPolicy:     &policy,
		observedPrice: &price,
		amount:        premium,
		notifications: []event.Notification{event.PolicyCreated(id, holder, cmd.InsuredAmount)},
	}, nil
}

// QuotePremium returns the premium createPolicy would charge. It does not
// read the oracle or touch state.
func (c *Engine) QuotePremium(insuredAmount sdkmath.Int, duration uint64) (sdkmath.Int, error) {
	return c.quotePremium(insuredAmount, duration, 0)
}

func (c *Engine) quotePremium(insuredAmount sdkmath.Int, duration, start uint64) (sdkmath.Int, error) {
	if err := requirePositive(insuredAmount); err != nil {
		return sdkmath.Int{}, err
	}
	if duration == 0 {
		return sdkmath.Int{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidDuration)
	}
	if duration > math.MaxUint64-start {
		return sdkmath.Int{}, fmt.Errorf("%w: start %d + duration %d overflows", ErrInvalidDuration, start, duration)
	}

	premium, err := fpmath.ComputePremium(insuredAmount, c.params.PolicyPriceAPR, duration)
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("%w: premium: %v", ErrArithmeticOverflow, err)
	}
	return premium, nil
}

// readPrice fetches the configured feed. Any gateway failure becomes
// ErrOracleUnavailable so callers can tell it apart from business errors.
func (c *Engine) readPrice(ctx context.Context, gw oracle.Gateway) (sdkmath.Int, error) {
	price, err := gw.GetVerifiedPrice(ctx, c.params.FeedID())
	if err != nil {
		if errors.Is(err, ErrOracleUnavailable) {
			return sdkmath.Int{}, err
		}
		return sdkmath.Int{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if price.IsNil() || price.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("%w: feed %s returned %v", ErrOracleUnavailable, c.params.FeedID(), price)
	}
	return price, nil
}
