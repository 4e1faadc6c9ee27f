package ledger

import (
	"fmt"
	"strings"
)

// Asset is the symbol of a fungible token on the host ledger (e.g. "USDT").
type Asset string

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// AccountScopeHolder is a balance owned by an address: users, the owner,
	// and the insurance contract itself.
	AccountScopeHolder AccountScope = iota
	// AccountScopeExternal is the host-ledger bridge boundary. It goes
	// negative by the amount bridged in, which keeps every asset zero-sum.
	AccountScopeExternal
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope  AccountScope
	Holder Address
	Asset  Asset
}

// NewHolderAccountKey creates a key for an address-owned balance
func NewHolderAccountKey(holder Address, asset Asset) AccountKey {
	return AccountKey{
		Scope:  AccountScopeHolder,
		Holder: holder,
		Asset:  asset,
	}
}

// NewExternalAccountKey creates a key for the bridge boundary account
func NewExternalAccountKey(asset Asset) AccountKey {
	return AccountKey{
		Scope: AccountScopeExternal,
		Asset: asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s:%s", k.Holder.Hex(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:bridge:%s", k.Asset)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath. Used when restoring
// snapshots, which key balances by path.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) != 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	switch parts[0] {
	case "holder":
		holder, err := ParseAddress(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		return NewHolderAccountKey(holder, Asset(parts[2])), nil
	case "external":
		if parts[1] != "bridge" {
			return AccountKey{}, fmt.Errorf("unknown external account %q", path)
		}
		return NewExternalAccountKey(Asset(parts[2])), nil
	default:
		return AccountKey{}, fmt.Errorf("unknown account scope in %q", path)
	}
}
