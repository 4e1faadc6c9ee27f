package core

import (
	"fmt"

	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/ledger"
	"DepegLedger/internal/state"
)

// SnapshotState is the full in-memory state at one sequence. Balances are
// keyed by account path so the struct encodes cleanly as JSON.
type SnapshotState struct {
	Sequence        int64                   `json:"sequence"`
	StateHash       [32]byte                `json:"state_hash"`
	Clock           uint64                  `json:"clock"`
	Balances        map[string]sdkmath.Int  `json:"balances"`
	Allowances      []ledger.AllowanceEntry `json:"allowances"`
	Policies        []state.Policy          `json:"policies"`
	IdempotencyKeys []string                `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *Engine) CreateSnapshotState() *SnapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()

	balances := make(map[string]sdkmath.Int)
	for key, amount := range c.balances.Snapshot() {
		if !amount.IsZero() {
			balances[key.AccountPath()] = amount
		}
	}

	return &SnapshotState{
		Sequence:        c.sequence,
		StateHash:       c.hasher.GetPrevHash(),
		Clock:           c.clock,
		Balances:        balances,
		Allowances:      c.allowances.Entries(),
		Policies:        c.registry.All(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot replaces the engine state. Only valid before the
// engine has applied any command.
func (c *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sequence != 0 {
		return fmt.Errorf("restore into a running engine at sequence %d", c.sequence)
	}

	balances := ledger.NewBalanceTracker()
	for path, amount := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("snapshot %d: %w", snap.Sequence, err)
		}
		balances.SetBalance(key, amount)
	}

	validator := ledger.NewInvariantValidator(balances)
	if err := validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("snapshot %d: %w", snap.Sequence, err)
	}

	c.balances = balances
	c.validator = validator
	c.allowances.Restore(snap.Allowances)
	c.registry.Restore(snap.Policies)
	c.sequence = snap.Sequence
	c.clock = snap.Clock
	c.hasher.SetPrevHash(snap.StateHash)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	if c.metrics != nil {
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *Engine) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.WarmFromKeys(keys)
}
