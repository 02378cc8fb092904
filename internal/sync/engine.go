// Package sync drives a mailbox into the local store: it lists references
// since the last checkpoint, fetches what is new or changed with a bounded
// worker pool, upserts it, and advances the checkpoint one committed batch
// at a time.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/gmarchive/internal/bus"
	"github.com/matheus3301/gmarchive/internal/logging"
	"github.com/matheus3301/gmarchive/internal/mailbox"
	"github.com/matheus3301/gmarchive/internal/normalize"
	"github.com/matheus3301/gmarchive/internal/status"
	"github.com/matheus3301/gmarchive/internal/store"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRetryBudgetExhausted aborts a run whose step kept failing with
	// retryable errors. The checkpoint stays at the last committed batch.
	ErrRetryBudgetExhausted = errors.New("sync: retry budget exhausted")
	// ErrCanceled is returned when the run was canceled between batches.
	ErrCanceled = errors.New("sync: canceled")
	// ErrSyncInProgress is returned when this process is already syncing.
	ErrSyncInProgress = errors.New("sync: already running for this account")
)

// Store is the part of the local store the engine writes to.
type Store interface {
	UpsertMessage(ctx context.Context, m *store.Message) (store.UpsertResult, error)
	MutableStates(ctx context.Context, ids []string) (map[string]string, error)
	UpsertLabels(ctx context.Context, labels []store.Label) error
	SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error
	RecordFailure(ctx context.Context, account, messageID, reason string) error
	PendingFailures(ctx context.Context, account string, limit int) ([]store.Failure, error)
	ClearFailure(ctx context.Context, account, messageID string) error
}

// Credentials refreshes the access token after the remote rejected it.
type Credentials interface {
	Refresh(ctx context.Context) (*oauth2.Token, error)
}

// Options tunes a sync run.
type Options struct {
	Account     string
	BatchSize   int
	Workers     int
	CallTimeout time.Duration
	Backoff     Backoff
	// Labels restricts listing to these label names or ids.
	Labels           []string
	ExcludeLabels    []string
	IncludeSpamTrash bool
	// Force refetches messages that are already stored.
	Force bool
}

// Engine is the sync orchestrator.
type Engine struct {
	store   Store
	client  mailbox.Client
	creds   Credentials
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options
	sleep   sleepFunc
}

// NewEngine creates a new sync engine. creds may be nil when the client
// needs no token refresh.
func NewEngine(st Store, client mailbox.Client, creds Credentials, m *status.Machine, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if m == nil {
		m = status.NewMachine(b)
	}
	return &Engine{
		store:   st,
		client:  client,
		creds:   creds,
		machine: m,
		bus:     b,
		logger:  logging.OrNop(logger),
		opts:    opts,
		sleep:   sleep,
	}
}

// Machine returns the state machine the engine drives.
func (e *Engine) Machine() *status.Machine {
	return e.machine
}

// BatchCommitted is emitted after a batch and its checkpoint are saved.
type BatchCommitted struct {
	Checkpoint store.Checkpoint
	Refs       int
}

// MessageUpserted is emitted for every stored message.
type MessageUpserted struct {
	ID     string
	Result store.UpsertResult
}

// MessageFailed is emitted when one message is skipped. Stage is one of
// state, fetch, normalize or upsert.
type MessageFailed struct {
	ID    string
	Stage string
	Error string
}

// BackoffStarted is emitted before the engine sleeps on a retryable error.
type BackoffStarted struct {
	Attempt int
	Delay   time.Duration
}

// Run syncs from cp until the listing pass is complete and returns the last
// committed checkpoint. On error the returned checkpoint is still the last
// one durably saved, so a later Run resumes from it.
func (e *Engine) Run(ctx context.Context, cp store.Checkpoint) (store.Checkpoint, *Summary, error) {
	if cp.Account == "" {
		cp.Account = e.opts.Account
	}
	sum := &Summary{
		RunID:     uuid.NewString(),
		Account:   cp.Account,
		StartedAt: time.Now().UTC(),
	}
	e.machine.Reset()

	out, err := e.run(ctx, cp, sum)
	sum.FinishedAt = time.Now().UTC()
	sum.Outcome = outcome(sum, err)
	if err != nil {
		sum.Error = err.Error()
		e.machine.Fail()
	}
	return out, sum, err
}

func outcome(sum *Summary, err error) Outcome {
	switch {
	case err == nil && sum.Errored > 0:
		return OutcomePartial
	case err == nil:
		return OutcomeSuccess
	case mailbox.IsAuth(err):
		return OutcomeAuthFailed
	case sum.Batches > 0:
		return OutcomePartial
	}
	return OutcomeFailed
}

func (e *Engine) run(ctx context.Context, cp store.Checkpoint, sum *Summary) (store.Checkpoint, error) {
	if ctx.Err() != nil {
		return cp, ErrCanceled
	}
	// A started batch always commits; cancellation is honored between batches.
	bctx := context.WithoutCancel(ctx)

	if err := e.machine.Transition(status.Listing); err != nil {
		return cp, err
	}
	labelIDs, err := e.syncLabels(bctx, sum)
	if err != nil {
		return cp, err
	}
	if err := e.retryFailures(ctx, bctx, sum); err != nil {
		return cp, err
	}

	for {
		if ctx.Err() != nil {
			return cp, ErrCanceled
		}

		page, err := e.list(bctx, cp, labelIDs, sum)
		if errors.Is(err, mailbox.ErrCursorExpired) && (cp.Since != "" || cp.Cursor != "") {
			e.logger.Warn("listing position expired, restarting full pass",
				zap.String("since", cp.Since), zap.String("cursor", cp.Cursor))
			cp.Since, cp.Cursor, cp.Target = "", "", ""
			sum.Resynced = true
			continue
		}
		if err != nil {
			return cp, fmt.Errorf("list: %w", err)
		}
		if cp.Cursor == "" {
			cp.Target = page.Watermark
		}
		sum.Listed += len(page.Refs)

		if err := e.processBatch(bctx, page.Refs, sum, false); err != nil {
			return cp, err
		}

		if err := e.machine.Transition(status.Checkpointing); err != nil {
			return cp, err
		}
		next := advance(cp, page)
		if err := e.store.SaveCheckpoint(bctx, next); err != nil {
			return cp, fmt.Errorf("save checkpoint: %w", err)
		}
		cp = next
		sum.Batches++
		e.bus.Emit(bus.KindBatchCommitted, BatchCommitted{Checkpoint: cp, Refs: len(page.Refs)})
		e.logger.Info("batch committed",
			zap.Int("batch", sum.Batches),
			zap.Int("listed", len(page.Refs)),
			zap.Int("inserted", sum.Inserted),
			zap.Int("changed", sum.Changed),
			zap.String("cursor", cp.Cursor))

		if page.NextPageToken == "" {
			return cp, e.machine.Transition(status.Idle)
		}
		if err := e.machine.Transition(status.Listing); err != nil {
			return cp, err
		}
	}
}

// advance moves cp past a committed page. The last page of a pass moves
// Since to the watermark captured when the pass began.
func advance(cp store.Checkpoint, page *mailbox.Page) store.Checkpoint {
	next := cp
	if page.NextPageToken != "" {
		next.Cursor = page.NextPageToken
		return next
	}
	if next.Target != "" {
		next.Since = next.Target
	}
	next.Cursor, next.Target = "", ""
	next.LastRunAt = time.Now().UTC()
	return next
}

func (e *Engine) syncLabels(ctx context.Context, sum *Summary) ([]string, error) {
	var labels []mailbox.Label
	err := e.call(ctx, sum, func(ctx context.Context) error {
		var err error
		labels, err = e.client.Labels(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}

	rows := make([]store.Label, 0, len(labels))
	for _, l := range labels {
		rows = append(rows, store.Label{ID: l.ID, Name: l.Name, Type: l.Type})
	}
	if err := e.store.UpsertLabels(ctx, rows); err != nil {
		return nil, fmt.Errorf("store labels: %w", err)
	}

	filter, err := ResolveLabels(labels, e.opts.Labels, e.opts.ExcludeLabels)
	sum.UnknownLabels = filter.Unknown
	for _, name := range filter.Unknown {
		e.logger.Warn("label not found, ignoring", zap.String("label", name))
	}
	for _, name := range filter.Excluded {
		e.logger.Warn("label excluded by configuration", zap.String("label", name))
	}
	if err != nil {
		return nil, err
	}
	return filter.IDs, nil
}

func (e *Engine) list(ctx context.Context, cp store.Checkpoint, labelIDs []string, sum *Summary) (*mailbox.Page, error) {
	req := mailbox.ListRequest{
		Since:            cp.Since,
		PageToken:        cp.Cursor,
		PageSize:         e.opts.BatchSize,
		LabelIDs:         labelIDs,
		IncludeSpamTrash: e.opts.IncludeSpamTrash,
	}
	var page *mailbox.Page
	err := e.call(ctx, sum, func(ctx context.Context) error {
		var err error
		page, err = e.client.List(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if page == nil {
		page = &mailbox.Page{}
	}
	return page, nil
}

// retryFailures reprocesses messages queued by earlier runs before listing,
// one batch at a time until the queue holds only entries already retried by
// this run. Each read skips past those entries.
func (e *Engine) retryFailures(ctx, bctx context.Context, sum *Summary) error {
	tried := make(map[string]bool)
	for {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		pending, err := e.store.PendingFailures(bctx, e.opts.Account, e.opts.BatchSize+len(tried))
		if err != nil {
			return fmt.Errorf("load failure queue: %w", err)
		}
		var refs []mailbox.MessageRef
		for _, f := range pending {
			if tried[f.MessageID] || len(refs) == e.opts.BatchSize {
				continue
			}
			tried[f.MessageID] = true
			refs = append(refs, mailbox.MessageRef{ID: f.MessageID})
		}
		if len(refs) == 0 {
			return nil
		}
		sum.FailuresRetried += len(refs)
		e.logger.Info("retrying queued failures", zap.Int("count", len(refs)))

		if err := e.processBatch(bctx, refs, sum, true); err != nil {
			return err
		}
		if err := e.machine.Transition(status.Checkpointing); err != nil {
			return err
		}
		if err := e.machine.Transition(status.Listing); err != nil {
			return err
		}
	}
}

// processBatch fetches and upserts one page of references. queued marks a
// batch drawn from the failure queue: it bypasses the local-state check and
// clears entries that settle.
func (e *Engine) processBatch(ctx context.Context, refs []mailbox.MessageRef, sum *Summary, queued bool) error {
	queue, err := e.selectRefs(ctx, refs, sum, queued)
	if err != nil {
		return err
	}
	sum.Queued += len(queue)

	if err := e.machine.Transition(status.Fetching); err != nil {
		return err
	}
	fetched, err := e.fetchAll(ctx, queue, sum, queued)
	if err != nil {
		return err
	}

	if err := e.machine.Transition(status.Upserting); err != nil {
		return err
	}
	for _, ref := range queue {
		raw, ok := fetched[ref.ID]
		if !ok {
			continue
		}
		if err := e.upsert(ctx, ref.ID, raw, sum, queued); err != nil {
			return err
		}
	}
	return nil
}

// selectRefs drops references already stored with the same mutable state.
// A full listing carries no state, so stored messages listed without it are
// looked up with a cheap state call and compared the same way.
func (e *Engine) selectRefs(ctx context.Context, refs []mailbox.MessageRef, sum *Summary, queued bool) ([]mailbox.MessageRef, error) {
	seen := make(map[string]bool, len(refs))
	unique := make([]mailbox.MessageRef, 0, len(refs))
	for _, r := range refs {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		unique = append(unique, r)
	}
	if queued || e.opts.Force || len(unique) == 0 {
		return unique, nil
	}

	ids := make([]string, len(unique))
	for i, r := range unique {
		ids[i] = r.ID
	}
	states, err := e.store.MutableStates(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load local state: %w", err)
	}

	queue := make([]mailbox.MessageRef, 0, len(unique))
	var unknown []string
	for _, r := range unique {
		stored, ok := states[r.ID]
		switch {
		case !ok:
			queue = append(queue, r)
		case !r.HasState:
			unknown = append(unknown, r.ID)
		case stored != store.MutableHash(r.LabelIDs):
			queue = append(queue, r)
		default:
			sum.Skipped++
		}
	}
	if len(unknown) == 0 {
		return queue, nil
	}

	labels := make(map[string][]string, len(unknown))
	var mu gosync.Mutex
	err = e.forEach(ctx, unknown, sum, "state", false, func(ctx context.Context, id string) error {
		l, err := e.client.State(ctx, id)
		if err != nil {
			return err
		}
		mu.Lock()
		labels[id] = l
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range unique {
		l, ok := labels[r.ID]
		if !ok {
			continue
		}
		if states[r.ID] == store.MutableHash(l) {
			sum.Skipped++
			continue
		}
		r.LabelIDs = l
		r.HasState = true
		queue = append(queue, r)
	}
	return queue, nil
}

func (e *Engine) fetchAll(ctx context.Context, queue []mailbox.MessageRef, sum *Summary, queued bool) (map[string]*mailbox.RawMessage, error) {
	ids := make([]string, len(queue))
	for i, r := range queue {
		ids[i] = r.ID
	}
	fetched := make(map[string]*mailbox.RawMessage, len(queue))
	var mu gosync.Mutex
	err := e.forEach(ctx, ids, sum, "fetch", queued, func(ctx context.Context, id string) error {
		raw, err := e.client.Fetch(ctx, id)
		if err != nil {
			return err
		}
		mu.Lock()
		fetched[id] = raw
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

// forEach calls do for every id in rounds. Each round runs on the worker
// pool; rate limited or timed out calls are retried together after one
// backoff, and an auth error refreshes credentials once per batch.
func (e *Engine) forEach(ctx context.Context, ids []string, sum *Summary, stage string, queued bool, do func(context.Context, string) error) error {
	pending := ids
	refreshed := false
	for attempt := 0; len(pending) > 0; {
		errs := e.round(ctx, pending, do)

		var retry, denied []string
		var hint time.Duration
		var lastRetryable, lastAuth error
		for i, id := range pending {
			err := errs[i]
			switch {
			case err == nil:
			case errors.Is(err, mailbox.ErrNotFound):
				sum.NotFound++
				e.logger.Info("message gone, skipping", zap.String("msg_id", id), zap.String("stage", stage))
				if queued {
					e.clearFailure(ctx, id)
				}
			case mailbox.IsAuth(err):
				denied = append(denied, id)
				lastAuth = err
			case mailbox.IsRetryable(err):
				retry = append(retry, id)
				hint = max(hint, mailbox.RetryAfter(err))
				lastRetryable = err
			default:
				e.messageFailed(ctx, sum, id, stage, err, true)
			}
		}

		if len(denied) > 0 {
			if refreshed {
				return lastAuth
			}
			err := e.refresh(ctx, lastAuth)
			switch {
			case err == nil:
				refreshed = true
			case mailbox.IsRetryable(err):
				// The token endpoint is down; the denied calls wait with the rest.
				retry = append(retry, denied...)
				denied = nil
				hint = max(hint, mailbox.RetryAfter(err))
				lastRetryable = err
			default:
				return err
			}
		}
		if len(retry) > 0 {
			if e.opts.Backoff.Exhausted(attempt) {
				return fmt.Errorf("%s %d messages: %w: %w", stage, len(retry), ErrRetryBudgetExhausted, lastRetryable)
			}
			if err := e.pause(ctx, sum, attempt, hint); err != nil {
				return err
			}
			attempt++
		}
		pending = append(retry, denied...)
	}
	return nil
}

func (e *Engine) round(ctx context.Context, ids []string, do func(context.Context, string) error) []error {
	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i, id := range ids {
		g.Go(func() error {
			errs[i] = e.withTimeout(ctx, func(ctx context.Context) error {
				return do(ctx, id)
			})
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (e *Engine) upsert(ctx context.Context, id string, raw *mailbox.RawMessage, sum *Summary, queued bool) error {
	res, err := normalize.Normalize(raw)
	if err != nil {
		e.messageFailed(ctx, sum, id, "normalize", err, false)
		if queued {
			e.clearFailure(ctx, id)
		}
		return nil
	}
	for _, w := range res.Warnings {
		e.logger.Debug("normalized with defaults", zap.String("msg_id", id), zap.String("warning", w))
	}

	m := res.Message
	for attempt := 0; ; attempt++ {
		result, err := e.store.UpsertMessage(ctx, m)
		switch {
		case err == nil:
			sum.count(result)
			e.bus.Emit(bus.KindMessageUpserted, MessageUpserted{ID: m.ID, Result: result})
			if queued {
				e.clearFailure(ctx, m.ID)
			}
			return nil
		case store.IsConstraint(err):
			// A constraint violation is a bug in the sync logic; stop before
			// the checkpoint moves past it.
			return fmt.Errorf("upsert %s: %w", m.ID, err)
		case store.IsRetryable(err) && !e.opts.Backoff.Exhausted(attempt):
			if err := e.pause(ctx, sum, attempt, 0); err != nil {
				return err
			}
		default:
			e.messageFailed(ctx, sum, m.ID, "upsert", err, true)
			return nil
		}
	}
}

// call runs one remote call with the call timeout, refreshing credentials
// once on an auth error and backing off on retryable errors. A token
// endpoint that is unavailable counts as retryable.
func (e *Engine) call(ctx context.Context, sum *Summary, fn func(context.Context) error) error {
	refreshed := false
	for attempt := 0; ; {
		err := e.withTimeout(ctx, fn)
		if mailbox.IsAuth(err) && !refreshed {
			if err = e.refresh(ctx, err); err == nil {
				refreshed = true
				continue
			}
		}
		switch {
		case err == nil:
			return nil
		case mailbox.IsRetryable(err):
			if e.opts.Backoff.Exhausted(attempt) {
				return fmt.Errorf("%w: %w", ErrRetryBudgetExhausted, err)
			}
			if err := e.pause(ctx, sum, attempt, mailbox.RetryAfter(err)); err != nil {
				return err
			}
			attempt++
		default:
			return err
		}
	}
}

func (e *Engine) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if e.opts.CallTimeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	return fn(cctx)
}

func (e *Engine) refresh(ctx context.Context, cause error) error {
	if e.creds == nil {
		return cause
	}
	e.logger.Warn("credentials rejected, refreshing token", zap.Error(cause))
	if _, err := e.creds.Refresh(ctx); err != nil {
		if mailbox.IsAuth(err) || mailbox.IsRetryable(err) || errors.Is(err, context.Canceled) {
			return err
		}
		return &mailbox.AuthError{Err: err}
	}
	return nil
}

func (e *Engine) pause(ctx context.Context, sum *Summary, attempt int, hint time.Duration) error {
	d := e.opts.Backoff.Delay(attempt, hint)
	if err := e.machine.EnterBackoff(); err != nil {
		return err
	}
	sum.Retries++
	e.logger.Warn("backing off", zap.Int("attempt", attempt+1), zap.Duration("delay", d))
	e.bus.Emit(bus.KindBackoff, BackoffStarted{Attempt: attempt + 1, Delay: d})
	e.sleep(ctx, d)
	_, err := e.machine.Resume()
	return err
}

// messageFailed counts a per-message error. requeue records it in the
// failure queue for the next run.
func (e *Engine) messageFailed(ctx context.Context, sum *Summary, id, stage string, err error, requeue bool) {
	sum.Errored++
	e.logger.Error("message failed", zap.String("msg_id", id), zap.String("stage", stage), zap.Error(err))
	e.bus.Emit(bus.KindMessageFailed, MessageFailed{ID: id, Stage: stage, Error: err.Error()})
	if !requeue || id == "" {
		return
	}
	if ferr := e.store.RecordFailure(ctx, e.opts.Account, id, stage+": "+err.Error()); ferr != nil {
		e.logger.Error("failed to queue message for retry", zap.String("msg_id", id), zap.Error(ferr))
	}
}

func (e *Engine) clearFailure(ctx context.Context, id string) {
	if err := e.store.ClearFailure(ctx, e.opts.Account, id); err != nil {
		e.logger.Error("failed to clear queued failure", zap.String("msg_id", id), zap.Error(err))
	}
}
