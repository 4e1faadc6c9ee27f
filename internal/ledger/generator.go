package ledger

import (
	"strconv"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// batchNamespace seeds deterministic batch IDs so that replaying the same
// command log reproduces byte-identical journals.
var batchNamespace = uuid.MustParse("6f1c2a4e-8d3b-5e7f-9a0b-1c2d3e4f5a6b")

// JournalGenerator creates balanced journal batches for the insurance
// contract. Each generated batch has a single journal.
type JournalGenerator struct {
	contract Address
}

func NewJournalGenerator(contract Address) *JournalGenerator {
	return &JournalGenerator{contract: contract}
}

// Contract returns the address whose balances back the pool and treasury.
func (jg *JournalGenerator) Contract() Address {
	return jg.contract
}

// EmptyBatch is used for commands that change no balances.
func (jg *JournalGenerator) EmptyBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(batchNamespace, []byte(eventRef)),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// GenerateAssetDeposit moves funds: external:bridge → holder
func (jg *JournalGenerator) GenerateAssetDeposit(
	eventRef string, sequence, timestamp int64,
	holder Address, asset Asset, amount sdkmath.Int,
) *Batch {
	return jg.single(eventRef, sequence, timestamp,
		NewHolderAccountKey(holder, asset),
		NewExternalAccountKey(asset),
		asset, amount, JournalTypeAssetDeposit)
}

// GenerateLiquidityAdded moves funds: provider → contract (insured asset)
func (jg *JournalGenerator) GenerateLiquidityAdded(
	eventRef string, sequence, timestamp int64,
	provider Address, asset Asset, amount sdkmath.Int,
) *Batch {
	return jg.single(eventRef, sequence, timestamp,
		NewHolderAccountKey(jg.contract, asset),
		NewHolderAccountKey(provider, asset),
		asset, amount, JournalTypeLiquidityAdd)
}

// GenerateLiquidityWithdrawn moves funds: contract → owner (insured asset)
func (jg *JournalGenerator) GenerateLiquidityWithdrawn(
	eventRef string, sequence, timestamp int64,
	owner Address, asset Asset, amount sdkmath.Int,
) *Batch {
	return jg.single(eventRef, sequence, timestamp,
		NewHolderAccountKey(owner, asset),
		NewHolderAccountKey(jg.contract, asset),
		asset, amount, JournalTypeLiquidityWithdraw)
}

// GeneratePremium moves funds: policyholder → contract (treasury asset)
func (jg *JournalGenerator) GeneratePremium(
	eventRef string, sequence, timestamp int64,
	holder Address, asset Asset, premium sdkmath.Int,
) *Batch {
	return jg.single(eventRef, sequence, timestamp,
		NewHolderAccountKey(jg.contract, asset),
		NewHolderAccountKey(holder, asset),
		asset, premium, JournalTypePremium)
}

// GenerateRepayment moves funds: contract → policyholder (insured asset)
func (jg *JournalGenerator) GenerateRepayment(
	eventRef string, sequence, timestamp int64,
	holder Address, asset Asset, repayment sdkmath.Int,
) *Batch {
	return jg.single(eventRef, sequence, timestamp,
		NewHolderAccountKey(holder, asset),
		NewHolderAccountKey(jg.contract, asset),
		asset, repayment, JournalTypeRepayment)
}

// GenerateFeeSweep moves funds: contract → owner (treasury asset)
func (jg *JournalGenerator) GenerateFeeSweep(
	eventRef string, sequence, timestamp int64,
	owner Address, asset Asset, amount sdkmath.Int,
) *Batch {
	return jg.single(eventRef, sequence, timestamp,
		NewHolderAccountKey(owner, asset),
		NewHolderAccountKey(jg.contract, asset),
		asset, amount, JournalTypeFeeSweep)
}

// single builds a one-journal batch; a zero amount yields an empty batch.
func (jg *JournalGenerator) single(
	eventRef string, sequence, timestamp int64,
	debit, credit AccountKey,
	asset Asset, amount sdkmath.Int, jt JournalType,
) *Batch {
	batch := jg.EmptyBatch(eventRef, sequence, timestamp)
	if amount.IsNil() || amount.IsZero() {
		return batch
	}

	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(batch.BatchID, []byte(strconv.Itoa(len(batch.Journals)))),
		BatchID:       batch.BatchID,
		EventRef:      eventRef,
		Sequence:      sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         asset,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     timestamp,
	})

	return batch
}
