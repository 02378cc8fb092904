package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/matheus3301/gmarchive/internal/account"
	"github.com/matheus3301/gmarchive/internal/app"
	"github.com/matheus3301/gmarchive/internal/config"
	"github.com/matheus3301/gmarchive/internal/credential"
	"github.com/matheus3301/gmarchive/internal/gmail"
	"github.com/matheus3301/gmarchive/internal/lock"
	"github.com/matheus3301/gmarchive/internal/store"
	intsync "github.com/matheus3301/gmarchive/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type globals struct {
	account string
	cfg     *config.Config
}

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.gmarchive/config.toml)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	g, err := setup(*accountFlag, *configFlag)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "sync":
		os.Exit(cmdSync(g, args[1:]))
	case "status":
		err = cmdStatus(ctx, g)
	case "auth":
		err = cmdAuth(ctx, g)
	case "reset":
		err = cmdReset(ctx, g)
	case "attachment":
		err = cmdAttachment(ctx, g, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		stop()
		fatal(err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: gmarchive [--account <name>] [--config <path>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  sync [--update] [--reset] [--watch]   Sync the mailbox into the local archive")
	fmt.Fprintln(os.Stderr, "  status                                Show checkpoint, recent runs and totals")
	fmt.Fprintln(os.Stderr, "  auth                                  Authorize read-only mailbox access")
	fmt.Fprintln(os.Stderr, "  reset                                 Forget the checkpoint; next sync is a full pass")
	fmt.Fprintln(os.Stderr, "  attachment <id> [-o file]             Download an attachment on demand")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func setup(accountFlag, configPath string) (*globals, error) {
	if err := config.LoadEnvFiles(account.EnvPath(), ".env"); err != nil {
		return nil, err
	}
	if configPath == "" {
		configPath = account.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", configPath, err)
	}

	name := account.Resolve(accountFlag, cfg)
	if err := account.ValidateName(name); err != nil {
		return nil, err
	}
	return &globals{account: name, cfg: cfg}, nil
}

func cmdSync(g *globals, args []string) int {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	update := fs.Bool("update", false, "refetch messages already in the archive")
	reset := fs.Bool("reset", false, "forget the checkpoint and run a full pass")
	watch := fs.Bool("watch", false, "keep running and sync every sync.interval")
	_ = fs.Parse(args)

	res := &app.Result{}
	a := fx.New(app.Module(app.Params{
		Account: g.account,
		Config:  g.cfg,
		Update:  *update,
		Reset:   *reset,
		Watch:   *watch,
	}, res))
	if err := a.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	startCtx, cancel := context.WithTimeout(context.Background(), a.StartTimeout())
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	<-a.Wait()
	stopCtx, cancelStop := context.WithTimeout(context.Background(), a.StopTimeout())
	defer cancelStop()
	_ = a.Stop(stopCtx)

	sum, err := res.Get()
	if sum != nil {
		_ = writeJSON(os.Stdout, sum)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return res.ExitCode()
}

func openStore(name string) (*store.DB, error) {
	if err := account.EnsureDir(name); err != nil {
		return nil, err
	}
	db, err := store.Open(account.DBPath(name))
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func cmdStatus(ctx context.Context, g *globals) error {
	db, err := openStore(g.account)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	cp, err := db.LoadCheckpoint(ctx, g.account)
	if err != nil {
		return err
	}
	runs, err := db.LastRuns(ctx, g.account, 5)
	if err != nil {
		return err
	}
	totals, err := db.Totals(ctx)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, map[string]any{
		"account":    g.account,
		"checkpoint": cp,
		"in_pass":    cp.InPass(),
		"last_runs":  runs,
		"totals":     totals,
	})
}

func provider(g *globals) (*credential.Provider, error) {
	if g.cfg.ClientSecretPath == "" {
		return nil, fmt.Errorf("client_secret_path is not set (config or %s)", config.EnvClientSecret)
	}
	oc, err := credential.LoadConfig(g.cfg.ClientSecretPath)
	if err != nil {
		return nil, err
	}
	ts, err := credential.OpenStore(g.cfg.TokenStore, g.account)
	if err != nil {
		return nil, err
	}
	return credential.NewProvider(oc, ts, nil), nil
}

func cmdAuth(ctx context.Context, g *globals) error {
	if err := account.EnsureDir(g.account); err != nil {
		return err
	}
	p, err := provider(g)
	if err != nil {
		return err
	}
	if _, err := p.Authorize(ctx, os.Stdin, os.Stdout); err != nil {
		return err
	}
	fmt.Printf("account %q authorized\n", g.account)
	return nil
}

func cmdReset(ctx context.Context, g *globals) error {
	if err := account.EnsureDir(g.account); err != nil {
		return err
	}
	l, err := lock.Acquire(account.Dir(g.account), g.account)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return fmt.Errorf("a sync is running for %q: %w", g.account, err)
		}
		return err
	}
	defer func() { _ = l.Release() }()

	db, err := openStore(g.account)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.ResetCheckpoint(ctx, g.account); err != nil {
		return err
	}
	fmt.Printf("checkpoint for %q cleared; the next sync is a full pass\n", g.account)
	return nil
}

func cmdAttachment(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("attachment", flag.ExitOnError)
	out := fs.String("o", "", "write to file instead of stdout")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: gmarchive attachment <id> [-o file]")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("attachment id %q: %w", fs.Arg(0), err)
	}

	db, err := openStore(g.account)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	p, err := provider(g)
	if err != nil {
		return err
	}
	client, err := gmail.New(ctx, zap.NewNop(), gmail.Options{
		Format:          g.cfg.Sync.FetchFormat,
		BreakerFailures: g.cfg.Sync.BreakerFailures,
	}, option.WithTokenSource(p.TokenSource(ctx)))
	if err != nil {
		return err
	}

	a, err := intsync.FetchAttachment(ctx, db, client, id)
	if err != nil {
		return err
	}
	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.OpenFile(*out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	_, err = w.Write(a.Content)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
