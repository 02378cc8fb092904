package sync

import (
	"time"

	"github.com/matheus3301/gmarchive/internal/store"
)

// Outcome classifies a finished run.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomePartial    Outcome = "partial"
	OutcomeAuthFailed Outcome = "auth_failed"
	OutcomeFailed     Outcome = "failed"
)

// ExitCode maps the outcome to the process exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeSuccess:
		return 0
	case OutcomePartial:
		return 2
	case OutcomeAuthFailed:
		return 3
	}
	return 1
}

// Summary counts what a run did. It is reported to the user and stored in
// the run history.
type Summary struct {
	RunID      string    `json:"run_id"`
	Account    string    `json:"account"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Listed          int `json:"listed"`
	Queued          int `json:"queued"`
	Inserted        int `json:"inserted"`
	Changed         int `json:"changed"`
	Unchanged       int `json:"unchanged"`
	Skipped         int `json:"skipped"`
	NotFound        int `json:"not_found"`
	Errored         int `json:"errored"`
	Batches         int `json:"batches"`
	Retries         int `json:"retries"`
	FailuresRetried int `json:"failures_retried"`

	Resynced      bool     `json:"resynced,omitempty"`
	UnknownLabels []string `json:"unknown_labels,omitempty"`
	Outcome       Outcome  `json:"outcome"`
	Error         string   `json:"error,omitempty"`
}

func (s *Summary) count(r store.UpsertResult) {
	switch r {
	case store.Inserted:
		s.Inserted++
	case store.Changed:
		s.Changed++
	case store.Unchanged:
		s.Unchanged++
	}
}

// Run converts the summary to a run history row.
func (s *Summary) Run() *store.Run {
	return &store.Run{
		ID:         s.RunID,
		Account:    s.Account,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Outcome:    string(s.Outcome),
		Listed:     s.Listed,
		Inserted:   s.Inserted,
		Changed:    s.Changed,
		Unchanged:  s.Unchanged,
		Skipped:    s.Skipped,
		NotFound:   s.NotFound,
		Errored:    s.Errored,
		Batches:    s.Batches,
		Error:      s.Error,
	}
}
