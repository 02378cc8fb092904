package sync

import (
	"context"
	gosync "sync"

	"github.com/matheus3301/gmarchive/internal/bus"
	"github.com/matheus3301/gmarchive/internal/lock"
	"github.com/matheus3301/gmarchive/internal/logging"
	"github.com/matheus3301/gmarchive/internal/store"
	"go.uber.org/zap"
)

// RunOptions are per-invocation switches of SyncNow.
type RunOptions struct {
	// Reset forgets the checkpoint first, forcing a full pass.
	Reset bool
}

// Runner is the "sync now" entry point. It serializes runs for one account,
// within the process by a mutex and across processes by the account lock.
type Runner struct {
	db      *store.DB
	engine  *Engine
	lockDir string
	account string
	bus     *bus.Bus
	logger  *zap.Logger
	mu      gosync.Mutex
}

// NewRunner creates a runner syncing account into db.
func NewRunner(db *store.DB, engine *Engine, lockDir, account string, b *bus.Bus, logger *zap.Logger) *Runner {
	return &Runner{
		db:      db,
		engine:  engine,
		lockDir: lockDir,
		account: account,
		bus:     b,
		logger:  logging.OrNop(logger),
	}
}

// SyncNow runs one sync and records it in the run history. The summary is
// returned even when the run fails, as long as it got past the lock.
func (r *Runner) SyncNow(ctx context.Context, opts RunOptions) (*Summary, error) {
	if !r.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer r.mu.Unlock()

	l, err := lock.Acquire(r.lockDir, r.account)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := l.Release(); err != nil {
			r.logger.Warn("error releasing sync lock", zap.Error(err))
		}
	}()

	if opts.Reset {
		if err := r.db.ResetCheckpoint(ctx, r.account); err != nil {
			return nil, err
		}
		r.logger.Info("checkpoint reset, running full sync")
	}
	cp, err := r.db.LoadCheckpoint(ctx, r.account)
	if err != nil {
		return nil, err
	}

	r.logger.Info("sync started",
		zap.String("since", cp.Since),
		zap.String("cursor", cp.Cursor),
		zap.Time("last_run_at", cp.LastRunAt))
	r.bus.Emit(bus.KindRunStarted, cp)

	_, sum, runErr := r.engine.Run(ctx, cp)

	if err := r.db.RecordRun(context.WithoutCancel(ctx), sum.Run()); err != nil {
		r.logger.Error("failed to record run", zap.String("run_id", sum.RunID), zap.Error(err))
	}
	r.bus.Emit(bus.KindRunFinished, sum)

	fields := []zap.Field{
		zap.String("run_id", sum.RunID),
		zap.String("outcome", string(sum.Outcome)),
		zap.Int("listed", sum.Listed),
		zap.Int("inserted", sum.Inserted),
		zap.Int("changed", sum.Changed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("not_found", sum.NotFound),
		zap.Int("errored", sum.Errored),
		zap.Int("batches", sum.Batches),
		zap.Duration("took", sum.FinishedAt.Sub(sum.StartedAt)),
	}
	if runErr != nil {
		r.logger.Error("sync failed", append(fields, zap.Error(runErr))...)
	} else {
		r.logger.Info("sync finished", fields...)
	}
	return sum, runErr
}
