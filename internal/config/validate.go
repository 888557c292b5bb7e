package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"analysisd/internal/task/scheduler"
	"analysisd/pkg/logx"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks every section and returns all problems joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	h := cfg.HTTP
	dur("http.read_timeout", h.ReadTimeout)
	dur("http.write_timeout", h.WriteTimeout)
	dur("http.idle_timeout", h.IdleTimeout)
	if h.TriggerRate < 0 {
		add(errors.New("http.trigger_rate must be >= 0"))
	}
	if h.TriggerBurst < 0 {
		add(errors.New("http.trigger_burst must be >= 0"))
	}

	c := cfg.Computation
	dur("computation.initial_delay", c.InitialDelay)
	dur("computation.interval", c.Interval)
	if strings.TrimSpace(c.Interval) != "" && strings.TrimSpace(c.Schedule) != "" {
		add(errors.New("computation.interval and computation.schedule are mutually exclusive"))
	}
	if s := strings.TrimSpace(c.Schedule); s != "" {
		if p, err := scheduler.ParseSchedule(s); err != nil {
			add(fmt.Errorf("computation.schedule: %w", err))
		} else if _, err := p.Schedule(); err != nil {
			add(fmt.Errorf("computation.schedule: %w", err))
		}
	}
	if c.QueueSize < 0 {
		add(errors.New("computation.queue_size must be >= 0"))
	}
	if c.HistorySize < 0 {
		add(errors.New("computation.history_size must be >= 0"))
	}
	if c.Batch < 0 {
		add(errors.New("computation.batch must be >= 0"))
	}

	m := cfg.Migration
	dur("migration.grace_period", m.GracePeriod)
	switch strings.ToLower(strings.TrimSpace(m.Driver)) {
	case "", "none":
		if m.RunOnStart {
			add(errors.New("migration.run_on_start needs a migration.driver"))
		}
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
		if strings.TrimSpace(m.DSN) == "" {
			add(fmt.Errorf("migration.dsn is required when migration.driver=%s", m.Driver))
		}
	case "script":
		if len(m.Command) == 0 || strings.TrimSpace(m.Command[0]) == "" {
			add(errors.New("migration.command is required when migration.driver=script"))
		}
	default:
		add(fmt.Errorf("unknown migration.driver: %s", m.Driver))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required when storage.driver=sqlite"))
			}
		default:
			add(fmt.Errorf("unknown storage.driver: %s", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	return errors.Join(errs...)
}
