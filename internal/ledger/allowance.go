package ledger

import (
	"sort"

	sdkmath "cosmossdk.io/math"
)

type allowanceKey struct {
	Owner   Address
	Spender Address
	Asset   Asset
}

// AllowanceEntry is one owner→spender approval, as stored in snapshots.
type AllowanceEntry struct {
	Owner   Address     `json:"owner"`
	Spender Address     `json:"spender"`
	Asset   Asset       `json:"asset"`
	Amount  sdkmath.Int `json:"amount"`
}

// AllowanceBook tracks transferFrom approvals per (owner, spender, asset).
type AllowanceBook struct {
	allowances map[allowanceKey]sdkmath.Int
}

func NewAllowanceBook() *AllowanceBook {
	return &AllowanceBook{
		allowances: make(map[allowanceKey]sdkmath.Int),
	}
}

// Approve sets (not adds to) the allowance. Zero revokes.
func (ab *AllowanceBook) Approve(owner, spender Address, asset Asset, amount sdkmath.Int) {
	key := allowanceKey{Owner: owner, Spender: spender, Asset: asset}
	if amount.IsZero() {
		delete(ab.allowances, key)
		return
	}
	ab.allowances[key] = amount
}

func (ab *AllowanceBook) Allowance(owner, spender Address, asset Asset) sdkmath.Int {
	if v, ok := ab.allowances[allowanceKey{Owner: owner, Spender: spender, Asset: asset}]; ok {
		return v
	}
	return sdkmath.ZeroInt()
}

// CheckSpend reports whether spender may move amount on behalf of owner.
func (ab *AllowanceBook) CheckSpend(owner, spender Address, asset Asset, amount sdkmath.Int) error {
	available := ab.Allowance(owner, spender, asset)
	if available.LT(amount) {
		return &InsufficientAllowanceError{
			Owner:     owner,
			Spender:   spender,
			Asset:     asset,
			Available: available,
			Required:  amount,
		}
	}
	return nil
}

// Spend deducts amount from the allowance after CheckSpend passes.
func (ab *AllowanceBook) Spend(owner, spender Address, asset Asset, amount sdkmath.Int) error {
	if err := ab.CheckSpend(owner, spender, asset, amount); err != nil {
		return err
	}
	ab.Approve(owner, spender, asset, ab.Allowance(owner, spender, asset).Sub(amount))
	return nil
}

// Entries returns all non-zero allowances in a stable order.
func (ab *AllowanceBook) Entries() []AllowanceEntry {
	out := make([]AllowanceEntry, 0, len(ab.allowances))
	for k, v := range ab.allowances {
		out = append(out, AllowanceEntry{Owner: k.Owner, Spender: k.Spender, Asset: k.Asset, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Owner != b.Owner {
			return a.Owner.Hex() < b.Owner.Hex()
		}
		if a.Spender != b.Spender {
			return a.Spender.Hex() < b.Spender.Hex()
		}
		return a.Asset < b.Asset
	})
	return out
}

// Restore replaces the book with snapshot entries.
func (ab *AllowanceBook) Restore(entries []AllowanceEntry) {
	ab.allowances = make(map[allowanceKey]sdkmath.Int, len(entries))
	for _, e := range entries {
		ab.Approve(e.Owner, e.Spender, e.Asset, e.Amount)
	}
}
