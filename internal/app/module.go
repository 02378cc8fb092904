// Package app wires the sync components into an fx application.
package app

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/gmarchive/internal/account"
	"github.com/matheus3301/gmarchive/internal/bus"
	"github.com/matheus3301/gmarchive/internal/config"
	"github.com/matheus3301/gmarchive/internal/credential"
	"github.com/matheus3301/gmarchive/internal/gmail"
	"github.com/matheus3301/gmarchive/internal/logging"
	"github.com/matheus3301/gmarchive/internal/scheduler"
	"github.com/matheus3301/gmarchive/internal/status"
	"github.com/matheus3301/gmarchive/internal/store"
	intsync "github.com/matheus3301/gmarchive/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/api/option"
)

// DefaultInterval is used by watch mode when sync.interval is unset.
const DefaultInterval = 15 * time.Minute

// Params holds the resolved account and switches passed to the fx module.
type Params struct {
	Account string
	Config  *config.Config
	Update  bool // refetch messages already archived
	Reset   bool // forget the checkpoint before the first run
	Watch   bool
}

// Result receives the outcome of the run once the app shuts down.
type Result struct {
	mu      gosync.Mutex
	Summary *intsync.Summary
	Err     error
}

func (r *Result) set(sum *intsync.Summary, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Summary, r.Err = sum, err
}

// Get returns the recorded outcome.
func (r *Result) Get() (*intsync.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Summary, r.Err
}

// ExitCode maps the outcome to the process exit status.
func (r *Result) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return exitCode(r.Summary, r.Err)
}

func exitCode(sum *intsync.Summary, err error) int {
	switch {
	case sum != nil:
		return sum.Outcome.ExitCode()
	case err != nil:
		return 1
	}
	return 0
}

// Module returns the fx module for one sync invocation. The app shuts
// itself down when the run (or watch loop) ends.
func Module(p Params, res *Result) fx.Option {
	return fx.Module("gmarchive",
		fx.Supply(p, res),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideStore,
			provideCredentials,
			provideMailbox,
			provideEngine,
			provideRunner,
			provideScheduler,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: logger}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := account.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	return logging.New(account.LogPath(p.Account), p.Account, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.DBPath(p.Account)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Debug("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCredentials(p Params, b *bus.Bus) (*credential.Provider, error) {
	if p.Config.ClientSecretPath == "" {
		return nil, fmt.Errorf("client_secret_path is not set (config or %s)", config.EnvClientSecret)
	}
	cfg, err := credential.LoadConfig(p.Config.ClientSecretPath)
	if err != nil {
		return nil, err
	}
	ts, err := credential.OpenStore(p.Config.TokenStore, p.Account)
	if err != nil {
		return nil, err
	}
	return credential.NewProvider(cfg, ts, b), nil
}

func provideMailbox(p Params, creds *credential.Provider, logger *zap.Logger) (*gmail.Client, error) {
	ctx := context.Background()
	return gmail.New(ctx, logger, gmail.Options{
		Format:          p.Config.Sync.FetchFormat,
		BreakerFailures: p.Config.Sync.BreakerFailures,
	}, option.WithTokenSource(creds.TokenSource(ctx)))
}

func provideEngine(p Params, db *store.DB, client *gmail.Client, creds *credential.Provider, m *status.Machine, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	s := p.Config.Sync
	return intsync.NewEngine(db, client, creds, m, b, logger, intsync.Options{
		Account:     p.Account,
		BatchSize:   s.BatchSize,
		Workers:     s.Workers,
		CallTimeout: s.CallTimeout,
		Backoff: intsync.Backoff{
			Base:       s.BaseBackoff,
			Max:        s.MaxBackoff,
			MaxRetries: s.MaxRetries,
		},
		Labels:           s.Labels,
		ExcludeLabels:    s.ExcludeLabels,
		IncludeSpamTrash: s.IncludeSpamTrash,
		Force:            p.Update,
	})
}

func provideRunner(p Params, db *store.DB, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *intsync.Runner {
	return intsync.NewRunner(db, engine, account.Dir(p.Account), p.Account, b, logger)
}

func provideScheduler(p Params, runner *intsync.Runner, logger *zap.Logger) *scheduler.Scheduler {
	interval := p.Config.Sync.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return scheduler.New(runner, interval, logger)
}

func registerLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, p Params, res *Result, runner *intsync.Runner, sched *scheduler.Scheduler, db *store.DB, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	opts := intsync.RunOptions{Reset: p.Reset}
	watch := p.Watch || p.Config.Sync.Interval > 0

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if watch {
				sched.Start(ctx, opts)
				go func() {
					defer close(done)
					<-sched.Done()
					res.set(sched.Last())
					_ = sd.Shutdown(fx.ExitCode(res.ExitCode()))
				}()
				return nil
			}
			go func() {
				defer close(done)
				res.set(runner.SyncNow(ctx, opts))
				_ = sd.Shutdown(fx.ExitCode(res.ExitCode()))
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			sched.Stop()
			select {
			case <-done:
			case <-stopCtx.Done():
				logger.Warn("sync did not stop in time")
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			logger.Info("gmarchive stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
