package lock

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "work")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if l.Account() != "work" {
		t.Errorf("Account() = %q, want work", l.Account())
	}

	data, err := os.ReadFile(Path(tmpDir, "work"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.Contains(string(data), "account=work") {
		t.Errorf("lock file = %q, want account line", data)
	}
	if parsePID(string(data)) != os.Getpid() {
		t.Errorf("lock file pid = %d, want %d", parsePID(string(data)), os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(Path(tmpDir, "work")); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed after release, stat err = %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := Acquire(tmpDir, "work")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(tmpDir, "work")
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("error type = %T, want *HeldError", err)
	}
	if held.PID != os.Getpid() || held.Account != "work" {
		t.Errorf("held = %+v, want pid %d account work", held, os.Getpid())
	}
}

func TestAccountsLockIndependently(t *testing.T) {
	tmpDir := t.TempDir()

	a, err := Acquire(tmpDir, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = a.Release() }()

	b, err := Acquire(tmpDir, "b")
	if err != nil {
		t.Fatalf("Acquire(b) error = %v, want independent lock", err)
	}
	_ = b.Release()
}

func TestReacquireAfterRelease(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "work")
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Release()

	l2, err := Acquire(tmpDir, "work")
	if err != nil {
		t.Fatalf("Acquire after release error = %v", err)
	}
	_ = l2.Release()
}

func TestAcquireEmptyAccount(t *testing.T) {
	if _, err := Acquire(t.TempDir(), ""); err == nil {
		t.Error("Acquire with empty account should fail")
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("Release(nil) error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l, err := Acquire(t.TempDir(), "work")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
