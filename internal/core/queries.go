package core

import (
	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/ledger"
	"DepegLedger/internal/state"
)

// Read-only views of live engine state. Each takes the engine lock, so
// results are consistent with a single sequence.

// Params returns the immutable contract configuration.
func (c *Engine) Params() state.InsuranceParams {
	return c.params
}

// PoolBalance is the contract's insured-asset balance.
func (c *Engine) PoolBalance() sdkmath.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poolBalance()
}

// TreasuryBalance is the contract's treasury-asset balance.
func (c *Engine) TreasuryBalance() sdkmath.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances.BalanceOf(c.params.Contract, c.params.TreasuryAsset)
}

func (c *Engine) BalanceOf(holder ledger.Address, asset ledger.Asset) sdkmath.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances.BalanceOf(holder, asset)
}

func (c *Engine) Allowance(owner, spender ledger.Address, asset ledger.Asset) sdkmath.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowances.Allowance(owner, spender, asset)
}

// GetPolicy returns a policy with its status as of now.
func (c *Engine) GetPolicy(id state.PolicyID, now uint64) (state.PolicyView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.registry.Get(id)
	if !ok {
		return state.PolicyView{}, ErrPolicyNotFound
	}
	return state.NewPolicyView(p, now), nil
}

// PoliciesByHolder lists a holder's policies with status as of now.
func (c *Engine) PoliciesByHolder(holder ledger.Address, now uint64) []state.PolicyView {
	c.mu.Lock()
	defer c.mu.Unlock()

	policies := c.registry.ByHolder(holder)
	views := make([]state.PolicyView, 0, len(policies))
	for _, p := range policies {
		views = append(views, state.NewPolicyView(p, now))
	}
	return views
}

// Status summarises the engine for the status endpoint.
type Status struct {
	Sequence        int64
	StateHash       [32]byte
	PoolBalance     sdkmath.Int
	TreasuryBalance sdkmath.Int
	PolicyCount     int
}

func (c *Engine) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Sequence:        c.sequence,
		StateHash:       c.hasher.GetPrevHash(),
		PoolBalance:     c.poolBalance(),
		TreasuryBalance: c.balances.BalanceOf(c.params.Contract, c.params.TreasuryAsset),
		PolicyCount:     c.registry.Len(),
	}
}

// GetSequence returns the last applied sequence number.
func (c *Engine) GetSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// GetClock returns the timestamp of the latest committed command. Commands
// stamped earlier are applied at this time instead.
func (c *Engine) GetClock() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}

// GetStateHash returns the current state hash (chain tip).
func (c *Engine) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}
