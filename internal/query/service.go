package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/ledger"
	"DepegLedger/internal/state"
)

// ErrNotFound is returned when a projected record does not exist.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to projection tables.
// Every response carries as_of_sequence, the projection watermark, so a
// reader can tell how fresh it is.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPolicy returns one projected policy with status derived as of now.
func (qs *QueryService) GetPolicy(ctx context.Context, id state.PolicyID, now uint64) (*PolicyResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT policy_id, holder, insured_amount::TEXT, start_timestamp, duration,
		       settled, repayment::TEXT, created_seq, settled_seq
		FROM projections.policies
		WHERE policy_id = $1
	`, id.Hex())

	p, err := scanPolicy(row.Scan, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.AsOfSequence = asOfSeq
	return p, nil
}

// ListPoliciesByHolder returns a holder's policies, newest first. Pass the
// last created_seq of the previous page as before to paginate.
func (qs *QueryService) ListPoliciesByHolder(
	ctx context.Context,
	holder ledger.Address,
	now uint64,
	limit int,
	before *int64,
) ([]PolicyResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT policy_id, holder, insured_amount::TEXT, start_timestamp, duration,
		       settled, repayment::TEXT, created_seq, settled_seq
		FROM projections.policies
		WHERE holder = $1
	`
	args := []any{holder.Hex()}
	argIdx := 2

	if before != nil {
		query += fmt.Sprintf(" AND created_seq < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY created_seq DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	policies := make([]PolicyResponse, 0)
	for rows.Next() {
		p, err := scanPolicy(rows.Scan, now)
		if err != nil {
			return nil, err
		}
		p.AsOfSequence = asOfSeq
		policies = append(policies, *p)
	}

	return policies, rows.Err()
}

// GetBalances returns every projected balance of holder.
func (qs *QueryService) GetBalances(ctx context.Context, holder ledger.Address) (*HolderBalances, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, balance::TEXT, last_sequence
		FROM projections.balances
		WHERE holder = $1
		ORDER BY asset
	`, holder.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &HolderBalances{Holder: holder, Balances: make([]BalanceResponse, 0), AsOfSequence: asOfSeq}
	for rows.Next() {
		b := BalanceResponse{Holder: holder, AsOfSequence: asOfSeq}
		var balance string
		if err := rows.Scan(&b.Asset, &balance, &b.LastSequence); err != nil {
			return nil, err
		}
		if b.Balance, err = parseNumeric(balance); err != nil {
			return nil, err
		}
		result.Balances = append(result.Balances, b)
	}

	return result, rows.Err()
}

// GetJournalHistory returns journal entries touching holder with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	holder ledger.Address,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("holder:%s:%%", holder.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]JournalHistoryEntry, 0)
	for rows.Next() {
		var e JournalHistoryEntry
		var amount string
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that
// projected balances sum to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::TEXT AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var asset, total string
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		imbalance, err := parseNumeric(total)
		if err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: imbalance,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func scanPolicy(scan func(dest ...any) error, now uint64) (*PolicyResponse, error) {
	var (
		id, holder, insured string
		start, duration     int64
		settled             bool
		repayment           sql.NullString
		createdSeq          int64
		settledSeq          sql.NullInt64
	)
	if err := scan(&id, &holder, &insured, &start, &duration, &settled, &repayment, &createdSeq, &settledSeq); err != nil {
		return nil, err
	}

	policyID, err := state.ParsePolicyID(id)
	if err != nil {
		return nil, err
	}
	holderAddr, err := ledger.ParseAddress(holder)
	if err != nil {
		return nil, err
	}
	amount, err := parseNumeric(insured)
	if err != nil {
		return nil, err
	}

	p := state.Policy{
		ID:             policyID,
		Holder:         holderAddr,
		InsuredAmount:  amount,
		StartTimestamp: uint64(start),
		Duration:       uint64(duration),
		Settled:        settled,
	}
	view := state.NewPolicyView(p, now)

	resp := &PolicyResponse{
		PolicyID:       p.ID,
		Holder:         p.Holder,
		InsuredAmount:  p.InsuredAmount,
		StartTimestamp: p.StartTimestamp,
		Duration:       p.Duration,
		ExpiresAt:      view.ExpiresAt,
		Settled:        p.Settled,
		Status:         view.Status,
		CreatedSeq:     createdSeq,
	}
	if repayment.Valid {
		paid, err := parseNumeric(repayment.String)
		if err != nil {
			return nil, err
		}
		resp.Repayment = &paid
	}
	if settledSeq.Valid {
		s := settledSeq.Int64
		resp.SettledSeq = &s
	}
	return resp, nil
}

func parseNumeric(s string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}
