// Package oracle supplies verified, scaled prices for named feeds.
// Signature verification happens upstream; everything here is trusted input.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
)

var (
	ErrPriceUnavailable = errors.New("oracle: price unavailable")
	ErrInvalidPrice     = errors.New("oracle: invalid price")
)

// Gateway returns the current verified price for feedID, scaled by
// 10^decimals of the feed.
type Gateway interface {
	GetVerifiedPrice(ctx context.Context, feedID string) (sdkmath.Int, error)
}

// StaticGateway serves prices set in memory. Used in tests and local runs.
type StaticGateway struct {
	mu     sync.RWMutex
	prices map[string]sdkmath.Int
}

func NewStaticGateway() *StaticGateway {
	return &StaticGateway{prices: make(map[string]sdkmath.Int)}
}

func (g *StaticGateway) SetPrice(feedID string, price sdkmath.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[feedID] = price
}

// Clear removes a feed so reads fail with ErrPriceUnavailable.
func (g *StaticGateway) Clear(feedID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.prices, feedID)
}

func (g *StaticGateway) GetVerifiedPrice(ctx context.Context, feedID string) (sdkmath.Int, error) {
	if err := ctx.Err(); err != nil {
		return sdkmath.Int{}, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	price, ok := g.prices[feedID]
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("%w: feed %q", ErrPriceUnavailable, feedID)
	}
	return price, nil
}

// RecordedGateway replays the price a command observed when it was first
// applied. It returns the same value for any feed.
type RecordedGateway struct {
	price *sdkmath.Int
}

// NewRecordedGateway wraps a logged price. A nil price means the original
// command never read the oracle; any read then fails.
func NewRecordedGateway(price *sdkmath.Int) *RecordedGateway {
	return &RecordedGateway{price: price}
}

func (g *RecordedGateway) GetVerifiedPrice(_ context.Context, feedID string) (sdkmath.Int, error) {
	if g.price == nil {
		return sdkmath.Int{}, fmt.Errorf("%w: no recorded price for feed %q", ErrPriceUnavailable, feedID)
	}
	return *g.price, nil
}

// validatePrice rejects values no verified feed can produce.
func validatePrice(feedID string, price sdkmath.Int) error {
	if price.IsNil() || price.IsNegative() {
		return fmt.Errorf("%w: feed %q returned %v", ErrInvalidPrice, feedID, price)
	}
	return nil
}
