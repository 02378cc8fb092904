// Package scheduler triggers sync runs periodically in watch mode.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/gmarchive/internal/logging"
	"github.com/matheus3301/gmarchive/internal/mailbox"
	intsync "github.com/matheus3301/gmarchive/internal/sync"
	"go.uber.org/zap"
)

// Syncer runs one sync.
type Syncer interface {
	SyncNow(ctx context.Context, opts intsync.RunOptions) (*intsync.Summary, error)
}

// Scheduler calls SyncNow once on Start and then on every tick until
// stopped. It gives up when credentials are rejected, since retrying
// cannot succeed without a new consent.
type Scheduler struct {
	syncer   Syncer
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	last     *intsync.Summary
	lastErr  error
}

// New creates a scheduler.
func New(syncer Syncer, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		syncer:   syncer,
		interval: interval,
		logger:   logging.OrNop(logger),
		done:     make(chan struct{}),
	}
}

// Start begins the loop. opts apply to the first run only.
func (s *Scheduler) Start(ctx context.Context, opts intsync.RunOptions) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx, opts)
}

// Stop cancels the loop and waits for the run in flight to return.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Done is closed when the loop exits.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Last returns the result of the most recent run. Only valid after Done.
func (s *Scheduler) Last() (*intsync.Summary, error) {
	return s.last, s.lastErr
}

func (s *Scheduler) loop(ctx context.Context, opts intsync.RunOptions) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("watch mode started", zap.Duration("interval", s.interval))
	for {
		if !s.runOnce(ctx, opts) {
			return
		}
		opts = intsync.RunOptions{}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.logger.Info("watch mode stopped")
			return
		}
	}
}

// runOnce reports whether the loop should keep going.
func (s *Scheduler) runOnce(ctx context.Context, opts intsync.RunOptions) bool {
	sum, err := s.syncer.SyncNow(ctx, opts)
	switch {
	case errors.Is(err, intsync.ErrSyncInProgress):
		s.logger.Info("sync already running, skipping tick")
		return true
	case errors.Is(err, intsync.ErrCanceled), ctx.Err() != nil:
		s.last, s.lastErr = sum, err
		return false
	}
	s.last, s.lastErr = sum, err
	if mailbox.IsAuth(err) {
		s.logger.Error("credentials rejected, stopping watch mode", zap.Error(err))
		return false
	}
	if err != nil {
		s.logger.Warn("scheduled sync failed, will retry next tick", zap.Error(err))
	}
	return true
}
