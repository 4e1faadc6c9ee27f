package ledger

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeAssetDeposit JournalType = iota
	JournalTypeLiquidityAdd
	JournalTypeLiquidityWithdraw
	JournalTypePremium
	JournalTypeRepayment
	JournalTypeFeeSweep
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeAssetDeposit:
		return "asset_deposit"
	case JournalTypeLiquidityAdd:
		return "liquidity_add"
	case JournalTypeLiquidityWithdraw:
		return "liquidity_withdraw"
	case JournalTypePremium:
		return "premium"
	case JournalTypeRepayment:
		return "repayment"
	case JournalTypeFeeSweep:
		return "fee_sweep"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global command sequence
	DebitAccount  AccountKey  // balance increases
	CreditAccount AccountKey  // balance decreases
	Asset         Asset
	Amount        sdkmath.Int // ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // Versioned input timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from credit to debit, so the batch
// balances per entry by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsNil() || !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// IsEmpty reports whether the batch moves no value (approvals, zero sweeps).
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}
