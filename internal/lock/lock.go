package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HeldError is returned when another process is already syncing the account.
type HeldError struct {
	Account string
	PID     int
	Path    string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("sync lock for account %q held by PID %d (%s)", e.Account, e.PID, e.Path)
}

// Lock is an acquired advisory lock on one account's store.
type Lock struct {
	file    *os.File
	path    string
	account string
}

// Path returns the lock file path for account inside dir.
func Path(dir, account string) string {
	return filepath.Join(dir, "sync-"+account+".lock")
}

// Acquire takes an exclusive, non-blocking flock on the account's lock file.
// Returns *HeldError if another process already holds it.
func Acquire(dir, account string) (*Lock, error) {
	if account == "" {
		return nil, fmt.Errorf("acquire lock: empty account")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	lockPath := Path(dir, account)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		_ = f.Close()
		return nil, &HeldError{Account: account, PID: parsePID(string(data)), Path: lockPath}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\naccount=%s\ntime=%s\n", os.Getpid(), account, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath, account: account}, nil
}

// Account returns the account the lock is keyed by.
func (l *Lock) Account() string {
	if l == nil {
		return ""
	}
	return l.account
}

// Release releases the lock. Safe to call on nil receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Unlink while still holding the flock so a waiter never locks a stale inode.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(after)
			return pid
		}
	}
	return 0
}
