package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/matheus3301/gmarchive/internal/bus"
	"github.com/matheus3301/gmarchive/internal/lock"
	"github.com/matheus3301/gmarchive/internal/mailbox"
)

func newRunner(t *testing.T, mb *mailbox.Memory) (*Runner, string) {
	t.Helper()
	db := testDB(t)
	e, _ := newEngine(t, db, mb, nil, Options{})
	dir := t.TempDir()
	return NewRunner(db, e, dir, "me", bus.New(), nil), dir
}

func TestRunnerRecordsRuns(t *testing.T) {
	mb := mailbox.NewMemory()
	seed(mb, 2)
	r, _ := newRunner(t, mb)

	sum, err := r.SyncNow(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	runs, err := r.db.LastRuns(context.Background(), "me", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].ID != sum.RunID || runs[0].Outcome != "success" || runs[0].Inserted != 2 {
		t.Errorf("recorded run = %+v", runs[0])
	}

	mb.FailList(errors.New("boom"))
	if _, err := r.SyncNow(context.Background(), RunOptions{}); err == nil {
		t.Fatal("expected list failure")
	}
	runs, _ = r.db.LastRuns(context.Background(), "me", 5)
	if len(runs) != 2 || runs[0].Outcome != "failed" || runs[0].Error == "" {
		t.Errorf("failed run not recorded: %+v", runs)
	}
}

func TestRunnerSerializesRuns(t *testing.T) {
	mb := mailbox.NewMemory()
	seed(mb, 1)
	r, dir := newRunner(t, mb)

	t.Run("other process", func(t *testing.T) {
		held, err := lock.Acquire(dir, "me")
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = held.Release() }()

		_, err = r.SyncNow(context.Background(), RunOptions{})
		var he *lock.HeldError
		if !errors.As(err, &he) {
			t.Fatalf("SyncNow() error = %v, want *lock.HeldError", err)
		}
	})

	t.Run("same process", func(t *testing.T) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, err := r.SyncNow(context.Background(), RunOptions{}); !errors.Is(err, ErrSyncInProgress) {
			t.Fatalf("SyncNow() error = %v, want ErrSyncInProgress", err)
		}
	})

	if mb.ListCalls() != 0 {
		t.Error("rejected runs must not touch the remote")
	}
	if _, err := r.SyncNow(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("SyncNow() after release: %v", err)
	}
}

func TestRunnerReset(t *testing.T) {
	mb := mailbox.NewMemory()
	seed(mb, 3)
	r, _ := newRunner(t, mb)

	if _, err := r.SyncNow(context.Background(), RunOptions{}); err != nil {
		t.Fatal(err)
	}
	sum, err := r.SyncNow(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Listed != 0 {
		t.Errorf("incremental run listed %d", sum.Listed)
	}

	sum, err = r.SyncNow(context.Background(), RunOptions{Reset: true})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Listed != 3 || sum.Skipped != 3 || sum.Inserted != 0 {
		t.Errorf("reset run = %+v", sum)
	}
}
