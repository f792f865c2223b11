package layerdb

import (
	"context"
	"log/slog"
)

// Flush commits the pending writes as one atomic batch. It fails with
// ErrConflict if any commit happened since the handle last synchronized,
// in which case nothing is written and the handle should be discarded.
func (db *DB) Flush(ctx context.Context) error {
	if db.closed {
		return ErrClosed
	}
	db.commitLock.Lock()
	defer db.commitLock.Unlock()

	if clock := db.engine.Clock(); clock != db.clocked {
		db.metrics.conflicts.Inc()
		if db.verbose {
			db.logger.LogAttrs(ctx, slog.LevelDebug, "db: CONFLICT", slog.Uint64("clocked", db.clocked), slog.Uint64("clock", clock))
		}
		return ErrConflict
	}
	if db.ov.len() == 0 {
		return nil
	}

	ops := db.ov.ops()
	if err := db.engine.Commit(ctx, ops); err != nil {
		return err
	}
	db.metrics.commits.Inc()
	db.metrics.committedOps.Add(float64(len(ops)))
	if db.verbose {
		db.logger.LogAttrs(ctx, slog.LevelDebug, "db: COMMIT", slog.Int("ops", len(ops)), slog.Uint64("clock", db.engine.Clock()))
	}

	db.clocked = db.engine.Clock()
	db.ov = newOverlay()
	db.ovShared = false
	if db.snap != nil {
		snap, err := db.engine.Snapshot()
		if err != nil {
			return err
		}
		db.snap.Unref()
		db.snap = snap
	}
	return nil
}
