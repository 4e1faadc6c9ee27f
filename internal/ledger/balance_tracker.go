package ledger

import (
	"fmt"
	"sort"

	sdkmath "cosmossdk.io/math"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]sdkmath.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]sdkmath.Int),
	}
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) sdkmath.Int {
	if b, ok := bt.balances[key]; ok {
		return b
	}
	return sdkmath.ZeroInt()
}

// BalanceOf returns the balance an address holds of an asset.
func (bt *BalanceTracker) BalanceOf(holder Address, asset Asset) sdkmath.Int {
	return bt.GetBalance(NewHolderAccountKey(holder, asset))
}

// CheckBatch stages the batch against current balances without mutating
// anything. Holder accounts must stay non-negative after every journal in
// order; external accounts are unbounded.
func (bt *BalanceTracker) CheckBatch(batch *Batch) error {
	if batch.IsEmpty() {
		return nil
	}

	staged := make(map[AccountKey]sdkmath.Int)
	get := func(key AccountKey) sdkmath.Int {
		if v, ok := staged[key]; ok {
			return v
		}
		return bt.GetBalance(key)
	}

	for _, j := range batch.Journals {
		credit := get(j.CreditAccount)
		if j.CreditAccount.Scope == AccountScopeHolder && credit.LT(j.Amount) {
			return &InsufficientBalanceError{
				Account:   j.CreditAccount,
				Available: credit,
				Required:  j.Amount,
			}
		}
		newCredit, err := credit.SafeSub(j.Amount)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrBalanceOverflow, j.CreditAccount.AccountPath())
		}
		newDebit, err := get(j.DebitAccount).SafeAdd(j.Amount)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrBalanceOverflow, j.DebitAccount.AccountPath())
		}
		staged[j.CreditAccount] = newCredit
		staged[j.DebitAccount] = newDebit
	}

	return nil
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.GetBalance(j.DebitAccount).Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.GetBalance(j.CreditAccount).Sub(j.Amount)
}

// ApplyBatch validates, checks and applies all journals in a batch.
// Nothing is applied if any step fails.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if batch.IsEmpty() {
		return nil
	}

	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	if err := bt.CheckBatch(batch); err != nil {
		return err
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// SetBalance overwrites a balance. Only used when restoring snapshots.
func (bt *BalanceTracker) SetBalance(key AccountKey, amount sdkmath.Int) {
	if amount.IsZero() {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = amount
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[Asset]sdkmath.Int {
	totals := make(map[Asset]sdkmath.Int)

	for key, balance := range bt.balances {
		if cur, ok := totals[key.Asset]; ok {
			totals[key.Asset] = cur.Add(balance)
		} else {
			totals[key.Asset] = balance
		}
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if key.Scope == AccountScopeHolder && balance.IsNegative() {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]sdkmath.Int {
	snapshot := make(map[AccountKey]sdkmath.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// SortedKeys returns every tracked account ordered by path.
func (bt *BalanceTracker) SortedKeys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}
