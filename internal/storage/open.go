package storage

import (
	"context"
	"fmt"
	"strings"

	"analysisd/pkg/logx"
)

// Store persists the report queue and the run audit trail.
type Store interface {
	// EnqueueReport adds a pending report. An empty ID is assigned.
	EnqueueReport(ctx context.Context, r Report) (Report, error)
	// ClaimReport moves the oldest pending report to processing.
	// It returns ErrNoReport when the queue is empty.
	ClaimReport(ctx context.Context) (Report, error)
	// CompleteReport marks a claimed report done, or failed when runErr != nil.
	CompleteReport(ctx context.Context, id string, issues int, runErr error) error
	GetReport(ctx context.Context, id string) (Report, error)
	// RequeueStale returns reports left in processing by a previous process
	// to pending. Only the process that claims reports may call it.
	RequeueStale(ctx context.Context) (int, error)

	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
