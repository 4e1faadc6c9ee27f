package ingestion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"DepegLedger/internal/core"
	"DepegLedger/internal/event"
	"DepegLedger/internal/ledger"
	"DepegLedger/internal/observability"
)

// CommandProcessor is the engine as seen by the ingestion shell.
type CommandProcessor interface {
	ProcessCommand(ctx context.Context, cmd event.Command) (*core.Receipt, error)
}

// Message outcomes, used as the ingest metric label.
const (
	OutcomeApplied   = "applied"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeUnauthed  = "unauthenticated"
	OutcomeRetry     = "retry"
)

// Dispatcher drains raw command messages into the engine one at a time.
// Every message must carry a bearer token; the token's subject is the
// caller. Rejections are final and acked. Only an unavailable oracle is
// naked for redelivery, since the same command may apply once the feed
// recovers.
type Dispatcher struct {
	processor CommandProcessor
	rawChan   <-chan RawCommand
	verifier  CallerVerifier
	owner     ledger.Address
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewDispatcher(
	processor CommandProcessor,
	rawChan <-chan RawCommand,
	verifier CallerVerifier,
	owner ledger.Address,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		processor: processor,
		rawChan:   rawChan,
		verifier:  verifier,
		owner:     owner,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run processes messages until ctx is done or the channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.rawChan:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle parses and applies one message, then acks or naks it.
func (d *Dispatcher) Handle(ctx context.Context, raw RawCommand) string {
	outcome := d.apply(ctx, raw)
	d.metric(raw.CommandType, outcome)

	if outcome == OutcomeRetry {
		if raw.Nak != nil {
			raw.Nak()
		}
		return outcome
	}
	if raw.Ack != nil {
		raw.Ack()
	}
	return outcome
}

func (d *Dispatcher) apply(ctx context.Context, raw RawCommand) string {
	caller, err := authenticate(d.verifier, raw.Authorization)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unauthenticated command")
		return OutcomeUnauthed
	}

	cmd, err := ParseCommand(raw.CommandType, raw.Data, caller, raw.ReceivedAt)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable command")
		return OutcomeInvalid
	}

	if err := authorizeIngress(cmd, d.owner); err != nil {
		d.logger.Warn().Err(err).
			Str("caller", caller.Hex()).
			Str("command_type", raw.CommandType).
			Msg("command rejected at ingress")
		return OutcomeRejected
	}

	receipt, err := d.processor.ProcessCommand(ctx, cmd)
	switch {
	case err == nil:
		d.logger.Debug().
			Str("command_type", raw.CommandType).
			Int64("sequence", receipt.Sequence).
			Msg("command applied")
		return OutcomeApplied
	case errors.Is(err, core.ErrDuplicateCommand):
		return OutcomeDuplicate
	case errors.Is(err, core.ErrOracleUnavailable):
		d.logger.Warn().Err(err).Str("command_type", raw.CommandType).Msg("oracle unavailable, requesting redelivery")
		return OutcomeRetry
	default:
		d.logger.Info().
			Err(err).
			Str("command_type", raw.CommandType).
			Str("idempotency_key", cmd.IdempotencyKey()).
			Str("reason", core.ErrorCode(err)).
			Msg("command rejected")
		return OutcomeRejected
	}
}

func (d *Dispatcher) metric(commandType, outcome string) {
	if d.metrics == nil {
		return
	}
	if _, ok := event.ParseCommandType(commandType); !ok {
		commandType = "unknown"
	}
	d.metrics.IngestMessages.WithLabelValues(commandType, outcome).Inc()
}
