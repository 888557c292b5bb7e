package app

import (
	"fmt"
	"strings"
	"time"

	"analysisd/internal/config"
	"analysisd/internal/httpapi"
	"analysisd/internal/migration"
	"analysisd/internal/migration/dbmigrate"
	"analysisd/internal/migration/script"
	"analysisd/internal/storage"
	"analysisd/internal/task/scheduler"
	"analysisd/pkg/logx"
)

func mapLoggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = "./analysisd_store"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(c config.HTTPConfig) (httpapi.Config, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", c.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// pprof's /profile streams for 30s by default.
	defWrite := 15 * time.Second
	if c.Pprof {
		defWrite = 0
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", c.WriteTimeout, defWrite)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", c.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		TriggerRate:   c.TriggerRate,
		TriggerBurst:  c.TriggerBurst,
		Pprof:         c.Pprof,
	}, nil
}

func mapSchedulerConfig(c config.ComputationConfig) (scheduler.Config, error) {
	delay, err := config.ParseDurationField("computation.initial_delay", c.InitialDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	every, err := config.ParseDurationField("computation.interval", c.Interval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Name:         scheduler.DefaultName,
		InitialDelay: delay,
		Interval:     every,
		Spec:         strings.TrimSpace(c.Schedule),
		QueueSize:    c.QueueSize,
		HistorySize:  c.HistorySize,
	}, nil
}

// newMigrator returns nil when no migration driver is configured; the
// launcher then fails each run with migration.ErrNoMigrator.
func newMigrator(c config.MigrationConfig, log logx.Logger) (migration.Migrator, error) {
	switch driver := strings.ToLower(strings.TrimSpace(c.Driver)); driver {
	case "", "none":
		return nil, nil
	case "script":
		return script.New(script.Config{Command: c.Command, Dir: c.Dir, Env: c.Env}, log)
	default:
		return dbmigrate.New(dbmigrate.Config{Driver: driver, DSN: c.DSN, Dir: c.Dir}, log)
	}
}

func migrationGrace(c config.MigrationConfig) (time.Duration, error) {
	return config.ParseDurationOrDefault("migration.grace_period", c.GracePeriod, migration.DefaultGracePeriod)
}
