package persistence

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"DepegLedger/internal/core"
)

const replayPageSize = 1000

// RecoveryResult describes how the engine was brought up to date.
type RecoveryResult struct {
	SnapshotSequence int64 // 0 when no snapshot was found
	Replayed         int64
	Sequence         int64
}

// Recover restores the latest verified snapshot into a fresh engine and
// replays the event log tail through it. Every replayed command must
// reproduce its logged state hash.
func Recover(ctx context.Context, engine *core.Engine, snapshots *SnapshotManager, logger zerolog.Logger) (RecoveryResult, error) {
	var result RecoveryResult

	snap, err := snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		return result, err
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return result, fmt.Errorf("restore snapshot: %w", err)
		}
		result.SnapshotSequence = snap.Sequence
		logger.Info().
			Int64("sequence", snap.Sequence).
			Int("idempotency_keys", len(snap.IdempotencyKeys)).
			Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, replaying from genesis")
	}

	from := engine.GetSequence() + 1
	for {
		rows, err := snapshots.LoadEventsFrom(ctx, from, replayPageSize)
		if err != nil {
			return result, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			env, cmd, err := DecodeEvent(row)
			if err != nil {
				return result, err
			}
			if err := engine.ReplayCommand(ctx, env, cmd); err != nil {
				return result, err
			}
			result.Replayed++
		}

		from = rows[len(rows)-1].Sequence + 1
	}

	result.Sequence = engine.GetSequence()
	return result, nil
}
