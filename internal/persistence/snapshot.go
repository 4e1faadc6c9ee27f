package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"DepegLedger/internal/core"
	"DepegLedger/internal/event"
	"DepegLedger/internal/ledger"
	"DepegLedger/internal/observability"
)

// snapshotFormatVersion identifies the JSON layout of core.SnapshotState.
const snapshotFormatVersion = 1

// ErrSnapshotAhead means the engine has applied commands the persistence
// worker has not flushed yet. The stored snapshot stays unverified.
var ErrSnapshotAhead = errors.New("snapshot ahead of event log")

// SnapshotManager handles creating and loading state snapshots for recovery.
// It also reads the event log back for replay.
type SnapshotManager struct {
	db *sql.DB
}

// snapshotRecord is the stored form: the engine state plus bookkeeping.
type snapshotRecord struct {
	core.SnapshotState
	CreatedAt time.Time `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) (int, error) {
	data, err := json.Marshal(snapshotRecord{SnapshotState: *snap, CreatedAt: createdAt})
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash[:], snapshotFormatVersion, len(data), createdAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &rec.SnapshotState, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, caller, payload,
		       observed_price::TEXT, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var observed sql.NullString
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey, &e.Caller, &e.Payload,
			&observed, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if observed.Valid {
			s := observed.String
			e.ObservedPrice = &s
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// DecodeEvent turns a logged row back into an envelope and its command.
func DecodeEvent(row EventRow) (*event.CommandEnvelope, event.Command, error) {
	ct, ok := event.ParseCommandType(row.CommandType)
	if !ok {
		return nil, nil, fmt.Errorf("sequence %d: unknown command type %q", row.Sequence, row.CommandType)
	}

	cmd, err := event.DecodeCommand(ct, row.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}

	caller, err := ledger.ParseAddress(row.Caller)
	if err != nil {
		return nil, nil, fmt.Errorf("sequence %d: caller: %w", row.Sequence, err)
	}

	env := &event.CommandEnvelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		CommandType:    ct,
		Caller:         caller,
		Timestamp:      uint64(row.Timestamp.Unix()),
		Payload:        row.Payload,
	}
	if row.ObservedPrice != nil {
		price, ok := sdkmath.NewIntFromString(*row.ObservedPrice)
		if !ok {
			return nil, nil, fmt.Errorf("sequence %d: observed price %q", row.Sequence, *row.ObservedPrice)
		}
		env.ObservedPrice = &price
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)

	return env, cmd, nil
}

// TakeSnapshot captures the engine state and stores it. The snapshot is
// marked verified only once the event log holds its sequence, so recovery
// never starts from state the log cannot reproduce.
func TakeSnapshot(ctx context.Context, engine *core.Engine, sm *SnapshotManager, metrics *observability.Metrics) (int64, error) {
	start := time.Now()

	snap := engine.CreateSnapshotState()
	size, err := sm.SaveSnapshot(ctx, snap, start.UTC())
	if err != nil {
		return 0, err
	}

	head, err := sm.GetLatestSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("read log head: %w", err)
	}
	if head < snap.Sequence {
		return 0, fmt.Errorf("%w: snapshot %d ahead of log head %d", ErrSnapshotAhead, snap.Sequence, head)
	}
	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		return 0, fmt.Errorf("mark snapshot %d verified: %w", snap.Sequence, err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return snap.Sequence, nil
}
