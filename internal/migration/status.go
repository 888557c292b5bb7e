package migration

import (
	"fmt"
	"strings"
	"time"
)

// Status is the state of the migration. The zero value is StatusNone.
type Status int32

const (
	StatusNone Status = iota
	StatusRunning
	StatusFailed
	StatusSucceeded
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusRunning:
		return "RUNNING"
	case StatusFailed:
		return "FAILED"
	case StatusSucceeded:
		return "SUCCEEDED"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Terminal reports whether s is the end state of a run.
func (s Status) Terminal() bool { return s == StatusFailed || s == StatusSucceeded }

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseStatus(raw string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NONE", "":
		return StatusNone, nil
	case "RUNNING":
		return StatusRunning, nil
	case "FAILED":
		return StatusFailed, nil
	case "SUCCEEDED":
		return StatusSucceeded, nil
	}
	return StatusNone, fmt.Errorf("unknown migration status %q", raw)
}

// StatusSnapshot is what the status endpoint renders.
type StatusSnapshot struct {
	State      Status        `json:"state"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Duration   time.Duration `json:"duration,omitempty"`
	RunID      string        `json:"run_id,omitempty"`
	Message    string        `json:"message,omitempty"`
}
