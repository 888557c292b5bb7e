package scheduler

import (
	"time"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultQueueSize   = 16
	DefaultHistorySize = 100
	DefaultName        = "computation"
)

// Config is fixed at construction.
//
// Spec, when set, takes precedence over Interval and accepts everything
// ParseSchedule understands. An empty Spec with a zero Interval means
// DefaultInterval.
type Config struct {
	Name         string
	InitialDelay time.Duration
	Interval     time.Duration
	Spec         string
	QueueSize    int
	HistorySize  int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Interval == 0 && c.Spec == "" {
		c.Interval = DefaultInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Trigger tells why a run happened.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

type HistoryItem struct {
	ID         string        `json:"id"`
	Trigger    Trigger       `json:"trigger"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* events on the bus.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Trigger  Trigger       `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Observer receives every finished run. Implementations must not block.
type Observer interface {
	ObserveTask(name string, item HistoryItem)
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Name      string        `json:"name"`
	Schedule  string        `json:"schedule"`
	Ready     bool          `json:"ready"`
	Stopped   bool          `json:"stopped"`
	Running   bool          `json:"running"`
	NextRun   time.Time     `json:"next_run,omitzero"`
	QueueLen  int           `json:"queue_len"`
	QueueCap  int           `json:"queue_cap"`
	Scheduled uint64        `json:"scheduled"`
	Manual    uint64        `json:"manual"`
	Failed    uint64        `json:"failed"`
	Dropped   uint64        `json:"dropped"`
	LastRun   *HistoryItem  `json:"last_run,omitempty"`
	History   []HistoryItem `json:"history"`
}
