package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"DepegLedger/internal/core"
	"DepegLedger/internal/event"
	"DepegLedger/internal/ledger"
	"DepegLedger/internal/observability"
	"DepegLedger/internal/state"
)

// WatermarkWorkerID names the single projection worker's watermark row.
const WatermarkWorkerID = "main"

// ProjectionWorker updates projection tables from applied commands.
// The engine's projection channel drops on full, so projections may lag or
// skip; they can always be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	activity  *ActivityProjection
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	activity *ActivityProjection,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		activity:  activity,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			if pw.activity != nil {
				pw.activity.Record(output)
			}

			if pw.db != nil {
				if err := pw.processOutput(ctx, output); err != nil {
					// Projections are eventually consistent and rebuildable.
					pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
					continue
				}
			}

			pw.lastSeq = seq
			if pw.metrics != nil {
				pw.metrics.ProjectionSequence.Set(float64(seq))
			}
		}
	}
}

// LastSequence is the last sequence this worker projected.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	start := time.Now()
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := updateBalanceProjection(ctx, tx, j, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}
	pw.observe("balances", start)

	if output.Policy != nil {
		policyStart := time.Now()
		if err := updatePolicyProjection(ctx, tx, *output.Policy, repaymentOf(output.Notifications), seq); err != nil {
			return fmt.Errorf("policy projection: %w", err)
		}
		pw.observe("policies", policyStart)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WatermarkWorkerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) observe(projection string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(projection).Observe(time.Since(start).Seconds())
	}
}

func updateBalanceProjection(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	amount := j.Amount.String()

	// Debit account: balance increases
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, holder, balance, last_sequence)
		VALUES ($1, $2, $3, $4::NUMERIC, $5)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + $4::NUMERIC, last_sequence = $5
	`, j.DebitAccount.AccountPath(), string(j.Asset), holderColumn(j.DebitAccount), amount, seq); err != nil {
		return err
	}

	// Credit account: balance decreases
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, holder, balance, last_sequence)
		VALUES ($1, $2, $3, -($4::NUMERIC), $5)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance - $4::NUMERIC, last_sequence = $5
	`, j.CreditAccount.AccountPath(), string(j.Asset), holderColumn(j.CreditAccount), amount, seq); err != nil {
		return err
	}

	return nil
}

func updatePolicyProjection(ctx context.Context, tx *sql.Tx, p state.Policy, repayment *sdkmath.Int, seq int64) error {
	if !p.Settled {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.policies
				(policy_id, holder, insured_amount, start_timestamp, duration, settled, created_seq)
			VALUES ($1, $2, $3::NUMERIC, $4, $5, FALSE, $6)
			ON CONFLICT (policy_id) DO NOTHING
		`, p.ID.Hex(), p.Holder.Hex(), p.InsuredAmount.String(), int64(p.StartTimestamp), int64(p.Duration), seq)
		return err
	}

	var paid *string
	if repayment != nil {
		s := repayment.String()
		paid = &s
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.policies
		SET settled = TRUE, repayment = $2::NUMERIC, settled_seq = $3
		WHERE policy_id = $1
	`, p.ID.Hex(), paid, seq)
	return err
}

// holderColumn is the indexed holder address, NULL for external accounts.
func holderColumn(k ledger.AccountKey) *string {
	if k.Scope != ledger.AccountScopeHolder {
		return nil
	}
	s := k.Holder.Hex()
	return &s
}

func repaymentOf(notifications []event.Notification) *sdkmath.Int {
	for _, n := range notifications {
		if n.Type == event.NotificationPolicyRepayed {
			amount := n.Amount
			return &amount
		}
	}
	return nil
}
