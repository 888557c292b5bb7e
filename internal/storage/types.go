package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	// ErrNoReport is returned by ClaimReport when nothing is pending.
	ErrNoReport = errors.New("no pending report")
	ErrNotFound = errors.New("report not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type ReportState string

const (
	ReportPending    ReportState = "pending"
	ReportProcessing ReportState = "processing"
	ReportDone       ReportState = "done"
	ReportFailed     ReportState = "failed"
)

// Report is one submitted analysis report waiting for, or done with,
// processing. Path points at the report file on disk.
type Report struct {
	ID          string      `json:"id"`
	Path        string      `json:"path"`
	State       ReportState `json:"state"`
	SubmittedAt time.Time   `json:"submitted_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Attempts    int         `json:"attempts"`
	Issues      int         `json:"issues"`
	Error       string      `json:"error,omitempty"`
}

// RunRecord is one finished coordinator run, kept for the audit trail.
type RunRecord struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"` // task | migration
	Name     string        `json:"name"`
	Trigger  string        `json:"trigger,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
}

const (
	KindTask      = "task"
	KindMigration = "migration"
)

// RunRecord.Status values. They match migration.Status names.
const (
	RunSucceeded = "SUCCEEDED"
	RunFailed    = "FAILED"
)
