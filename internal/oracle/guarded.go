package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"DepegLedger/internal/observability"
)

// GuardSettings configures GuardedGateway.
type GuardSettings struct {
	Name            string        // breaker name, logged on state changes
	Timeout         time.Duration // per-read deadline
	RatePerSecond   float64
	Burst           int
	MaxFailures     uint32        // consecutive failures before the breaker opens
	BreakerCooldown time.Duration // open → half-open
}

func DefaultGuardSettings() GuardSettings {
	return GuardSettings{
		Name:            "oracle",
		Timeout:         2 * time.Second,
		RatePerSecond:   200,
		Burst:           50,
		MaxFailures:     5,
		BreakerCooldown: 30 * time.Second,
	}
}

// QuoteGuardSettings is a tighter budget for read-only price quotes, which
// get their own limiter and breaker so they never starve commands.
func QuoteGuardSettings() GuardSettings {
	return GuardSettings{
		Name:            "oracle-quotes",
		Timeout:         time.Second,
		RatePerSecond:   20,
		Burst:           10,
		MaxFailures:     5,
		BreakerCooldown: 30 * time.Second,
	}
}

// GuardedGateway wraps a Gateway with a deadline, a rate limiter and a
// circuit breaker. It never retries: a failed read fails the command.
type GuardedGateway struct {
	next    Gateway
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewGuardedGateway(next Gateway, s GuardSettings, metrics *observability.Metrics, logger zerolog.Logger) *GuardedGateway {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		// Bad data is the feed's problem, not the transport's.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidPrice)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("oracle circuit breaker state change")
		},
	})

	return &GuardedGateway{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(s.RatePerSecond), s.Burst),
		timeout: s.Timeout,
		metrics: metrics,
		logger:  logger,
	}
}

func (g *GuardedGateway) GetVerifiedPrice(ctx context.Context, feedID string) (sdkmath.Int, error) {
	start := time.Now()

	if err := g.limiter.Wait(ctx); err != nil {
		g.observeError(feedID, "rate_limited")
		return sdkmath.Int{}, fmt.Errorf("%w: rate limit: %v", ErrPriceUnavailable, err)
	}

	result, err := g.cb.Execute(func() (interface{}, error) {
		tCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.next.GetVerifiedPrice(tCtx, feedID)
	})

	if g.metrics != nil {
		g.metrics.OracleLatency.WithLabelValues(feedID).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			g.observeError(feedID, "breaker_open")
			return sdkmath.Int{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
		case errors.Is(err, ErrInvalidPrice):
			g.observeError(feedID, "invalid")
		default:
			g.observeError(feedID, "unavailable")
		}
		return sdkmath.Int{}, err
	}

	return result.(sdkmath.Int), nil
}

// State exposes the breaker state for readiness checks.
func (g *GuardedGateway) State() gobreaker.State {
	return g.cb.State()
}

func (g *GuardedGateway) observeError(feedID, reason string) {
	if g.metrics != nil {
		g.metrics.OracleErrors.WithLabelValues(feedID, reason).Inc()
	}
}
