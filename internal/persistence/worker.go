package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"DepegLedger/internal/core"
	"DepegLedger/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on the persist channel with a blocking send, so if this
// worker falls behind the engine stalls and no applied command is lost.
//
// Once a batch is durable its outputs are forwarded to the outbound channel,
// so downstream consumers never see a command the log does not hold.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	outboundChan chan<- core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	outboundChan chan<- core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		outboundChan: outboundChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the input channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	pending := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(pending) > 0 {
				if err := pw.flush(context.Background(), pending); err != nil {
					pw.logger.Error().Err(err).Int("commands", len(pending)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(pending) > 0 {
					if err := pw.flush(context.Background(), pending); err != nil {
						pw.logger.Error().Err(err).Int("commands", len(pending)).Msg("final flush failed")
					}
				}
				return nil
			}

			pending = append(pending, output)

			if len(pending) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, pending); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				pending = pending[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(pending) > 0 {
				if err := pw.flushWithRetry(ctx, pending); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				pending = pending[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt runs on a fresh context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, outputs []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("commands", len(outputs)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), outputs); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, outputs)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Debug().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, outputs []core.CoreOutput) error {
	start := time.Now()

	records := make([]Record, 0, len(outputs))
	journals := 0
	for _, out := range outputs {
		rec := NewRecord(out)
		journals += len(rec.Journals)
		records = append(records, rec)
	}

	if err := pw.writer.WriteRecords(ctx, records); err != nil {
		if pw.metrics != nil {
			stage := "unknown"
			var fe *flushError
			if errors.As(err, &fe) {
				stage = fe.stage
			}
			pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistEventsWritten.Add(float64(len(records)))
		pw.metrics.PersistJournalsWritten.Add(float64(journals))
		pw.metrics.PersistLastSequence.Set(float64(records[len(records)-1].Event.Sequence))
	}

	pw.forward(outputs)
	return nil
}

// forward hands durable outputs to the publisher. A full outbound channel
// drops; consumers can always read the event log.
func (pw *PersistenceWorker) forward(outputs []core.CoreOutput) {
	if pw.outboundChan == nil {
		return
	}
	for _, out := range outputs {
		select {
		case pw.outboundChan <- out:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishErrors.Inc()
			}
			pw.logger.Warn().Int64("sequence", out.Envelope.Sequence).Msg("outbound channel full, notification dropped")
		}
	}
}

// Writer returns the underlying writer.
func (pw *PersistenceWorker) Writer() *EventLogWriter {
	return pw.writer
}
