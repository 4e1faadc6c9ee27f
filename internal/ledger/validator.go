package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	return batch.Validate()
}

// ValidateTouchedAccounts checks every account the batch moved is still
// non-negative.
func (v *InvariantValidator) ValidateTouchedAccounts(batch *Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	for _, j := range batch.Journals {
		if err := v.tracker.ValidateNonNegative(j.DebitAccount); err != nil {
			return err
		}
		if err := v.tracker.ValidateNonNegative(j.CreditAccount); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGlobalBalance verifies every asset nets to zero across all accounts
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for asset, total := range totals {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset, total)
		}
	}

	return nil
}
