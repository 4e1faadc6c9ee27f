package state

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/ledger"
	fpmath "DepegLedger/internal/math"
)

// InsuranceParams is the contract configuration. Immutable after the engine
// starts.
type InsuranceParams struct {
	Owner          ledger.Address
	Contract       ledger.Address
	InsuredAsset   ledger.Asset
	TreasuryAsset  ledger.Asset
	PolicyPriceAPR uint64      // integer percent per year
	PriceThreshold sdkmath.Int // scaled by 10^OracleDecimals
	OracleDecimals uint32
	PriceFeedID    string // defaults to InsuredAsset
}

func (p InsuranceParams) Validate() error {
	if p.Owner.IsZero() {
		return errors.New("owner address is required")
	}
	if p.Contract.IsZero() {
		return errors.New("contract address is required")
	}
	if p.Owner == p.Contract {
		return errors.New("owner and contract must differ")
	}
	if p.InsuredAsset == "" || p.TreasuryAsset == "" {
		return errors.New("insured and treasury assets are required")
	}
	if p.OracleDecimals > fpmath.MaxDecimals {
		return fmt.Errorf("oracle decimals %d exceeds %d", p.OracleDecimals, fpmath.MaxDecimals)
	}
	if p.PriceThreshold.IsNil() || p.PriceThreshold.IsNegative() {
		return errors.New("price threshold must be non-negative")
	}
	if p.PriceThreshold.GT(p.Scale()) {
		return fmt.Errorf("price threshold %s exceeds 10^%d", p.PriceThreshold, p.OracleDecimals)
	}
	return nil
}

// Scale is 10^OracleDecimals, the price of a perfectly pegged asset.
func (p InsuranceParams) Scale() sdkmath.Int {
	return fpmath.Pow10(p.OracleDecimals)
}

// FeedID returns the oracle feed the contract prices against.
func (p InsuranceParams) FeedID() string {
	if p.PriceFeedID != "" {
		return p.PriceFeedID
	}
	return string(p.InsuredAsset)
}

// Commingled reports whether premiums and liquidity share one balance, in
// which case fee collection also drains the pool.
func (p InsuranceParams) Commingled() bool {
	return p.InsuredAsset == p.TreasuryAsset
}

// KnownAsset reports whether the contract deals in asset.
func (p InsuranceParams) KnownAsset(asset ledger.Asset) bool {
	return asset == p.InsuredAsset || asset == p.TreasuryAsset
}
