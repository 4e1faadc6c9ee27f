package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"DepegLedger/internal/core"
	"DepegLedger/internal/event"
)

// RebuildProjections rebuilds all projection tables from the event log.
// Run it with the projection worker stopped.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.policies`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Net every account: credits subtract, debits add.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, holder, balance, last_sequence)
		SELECT account_path, asset,
		       CASE WHEN account_path LIKE 'holder:%' THEN split_part(account_path, ':', 2) END,
		       SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset, -amount AS delta, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	policies, err := rebuildPolicies(ctx, tx)
	if err != nil {
		return err
	}

	// Settle from claims. A zero repayment moves no journal.
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.policies p
		SET settled = TRUE,
		    settled_seq = e.sequence,
		    repayment = COALESCE(j.amount, 0)
		FROM event_log.events e
		LEFT JOIN event_log.journal j
		       ON j.sequence = e.sequence AND j.journal_type = 'repayment'
		WHERE e.command_type = 'get_repayment'
		  AND e.payload->>'policy_id' = p.policy_id
	`); err != nil {
		return fmt.Errorf("rebuild settlements: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT $1, COALESCE(MAX(sequence), 0), NOW() FROM event_log.events
	`, WatermarkWorkerID); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Int("policies", policies).Msg("projection rebuild complete")
	return nil
}

// rebuildPolicies re-derives policy ids from the logged create_policy
// payloads; the id is not stored in the command itself.
func rebuildPolicies(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, payload FROM event_log.events
		WHERE command_type = 'create_policy'
		ORDER BY sequence
	`)
	if err != nil {
		return 0, fmt.Errorf("load create_policy events: %w", err)
	}

	type created struct {
		seq int64
		cmd *event.CreatePolicy
	}
	var all []created
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			rows.Close()
			return 0, err
		}
		cmd, err := event.DecodeCommand(event.CommandTypeCreatePolicy, payload)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("sequence %d: %w", seq, err)
		}
		all = append(all, created{seq: seq, cmd: cmd.(*event.CreatePolicy)})
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, err
	}

	for _, c := range all {
		id := core.HashPolicy(c.cmd.Caller, c.cmd.InsuredAmount, c.cmd.IssuedAt, c.cmd.Duration)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.policies
				(policy_id, holder, insured_amount, start_timestamp, duration, settled, created_seq)
			VALUES ($1, $2, $3::NUMERIC, $4, $5, FALSE, $6)
		`, id.Hex(), c.cmd.Caller.Hex(), c.cmd.InsuredAmount.String(),
			int64(c.cmd.IssuedAt), int64(c.cmd.Duration), c.seq); err != nil {
			return 0, fmt.Errorf("insert policy %s: %w", id, err)
		}
	}
	return len(all), nil
}
