package oracle

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is prepended to the feed id to form the price key.
const DefaultKeyPrefix = "depeg:oracle:price:"

// RedisGateway reads prices that an upstream verifier writes to Redis as
// base-10 integer strings already scaled by the feed decimals.
type RedisGateway struct {
	rdb       *redis.Client
	keyPrefix string
}

func NewRedisGateway(rdb *redis.Client, keyPrefix string) *RedisGateway {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisGateway{rdb: rdb, keyPrefix: keyPrefix}
}

// Key returns the Redis key holding feedID's price.
func (g *RedisGateway) Key(feedID string) string {
	return g.keyPrefix + feedID
}

func (g *RedisGateway) GetVerifiedPrice(ctx context.Context, feedID string) (sdkmath.Int, error) {
	raw, err := g.rdb.Get(ctx, g.Key(feedID)).Result()
	if errors.Is(err, redis.Nil) {
		return sdkmath.Int{}, fmt.Errorf("%w: feed %q not published", ErrPriceUnavailable, feedID)
	}
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("%w: redis get %s: %v", ErrPriceUnavailable, g.Key(feedID), err)
	}

	price, ok := sdkmath.NewIntFromString(raw)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("%w: feed %q has malformed value %q", ErrInvalidPrice, feedID, raw)
	}
	if err := validatePrice(feedID, price); err != nil {
		return sdkmath.Int{}, err
	}
	return price, nil
}

// Publish writes a price. Used by local tooling and integration tests.
func (g *RedisGateway) Publish(ctx context.Context, feedID string, price sdkmath.Int) error {
	return g.rdb.Set(ctx, g.Key(feedID), price.String(), 0).Err()
}

// Ping checks connectivity for readiness probes.
func (g *RedisGateway) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}
