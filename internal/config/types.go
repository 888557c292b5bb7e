package config

// Config is the daemon configuration. Files may be JSON or YAML; both are
// decoded strictly so misspelled keys fail the load.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	HTTP        HTTPConfig        `json:"http"`
	Computation ComputationConfig `json:"computation"`
	Migration   MigrationConfig   `json:"migration"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the status/trigger API.
//
// Security note:
//   - Prefer binding to localhost (the default "127.0.0.1:8080").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token for /api (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// TriggerRate caps manual triggers per second. 0 disables the limiter.
	TriggerRate  float64 `json:"trigger_rate,omitempty"`
	TriggerBurst int     `json:"trigger_burst,omitempty"`

	Pprof bool `json:"pprof,omitempty"`
}

// ComputationConfig controls the periodic report computation.
//
// Interval and Schedule are mutually exclusive. Schedule accepts the forms
// understood by scheduler.ParseSchedule ("cron:0 */5 * * * *", "every:30s").
//
// Defaults (when omitted/zero):
//   - initial_delay: "0s"
//   - interval: "10s"
//   - queue_size: 16
//   - history_size: 100
//   - batch: 1
type ComputationConfig struct {
	InitialDelay string `json:"initial_delay,omitempty"`
	Interval     string `json:"interval,omitempty"`
	Schedule     string `json:"schedule,omitempty"`
	QueueSize    int    `json:"queue_size,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
	Batch        int    `json:"batch,omitempty"`
}

// MigrationConfig selects the migrator behind the launcher.
//
// Driver values:
//   - "sqlite", "postgres": versioned SQL scripts (embedded, or Dir)
//   - "script": run Command
//   - "" or "none": no migrator; launches fail fast
type MigrationConfig struct {
	Driver      string   `json:"driver,omitempty"`
	DSN         string   `json:"dsn,omitempty"` // may carry credentials (do not log)
	Dir         string   `json:"dir,omitempty"`
	Command     []string `json:"command,omitempty"`
	Env         []string `json:"env,omitempty"`
	GracePeriod string   `json:"grace_period,omitempty"` // default "5s"
	RunOnStart  bool     `json:"run_on_start,omitempty"`
}

// StorageConfig controls the optional persistence layer. Nil disables it.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./analysisd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}
