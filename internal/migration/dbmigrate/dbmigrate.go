// Package dbmigrate applies versioned SQL migrations with goose.
//
// Scripts come from the embedded migrations directory unless Config.Dir
// points at a directory on disk.
package dbmigrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"analysisd/pkg/logx"
)

//go:embed migrations/*.sql
var embedded embed.FS

var (
	ErrUnknownDriver = errors.New("unknown migration driver")
	ErrNoDSN         = errors.New("migration dsn required")
)

type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	DSN    string
	// Dir overrides the embedded scripts.
	Dir string
}

type Migrator struct {
	cfg     Config
	dialect goose.Dialect
	fsys    fs.FS
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Migrator, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Migrator{cfg: cfg, log: log.With(logx.String("comp", "dbmigrate"))}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		m.dialect = goose.DialectSQLite3
	case "postgres", "postgresql", "pgx":
		m.dialect = goose.DialectPostgres
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, ErrNoDSN
	}

	if cfg.Dir != "" {
		m.fsys = os.DirFS(cfg.Dir)
	} else {
		sub, err := fs.Sub(embedded, "migrations")
		if err != nil {
			return nil, err
		}
		m.fsys = sub
	}
	return m, nil
}

// Migrate applies every pending migration.
func (m *Migrator) Migrate(ctx context.Context) error {
	db, closeDB, err := m.open(ctx)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeDB()

	p, err := goose.NewProvider(m.dialect, db, m.fsys)
	if err != nil {
		return fmt.Errorf("init goose: %w", err)
	}
	results, err := p.Up(ctx)
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		m.log.Info("migration applied",
			logx.Int64("version", r.Source.Version),
			logx.String("file", r.Source.Path),
			logx.Duration("dur", r.Duration),
		)
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(results) == 0 {
		m.log.Debug("schema up to date")
	}
	return nil
}

// Version returns the current schema version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	db, closeDB, err := m.open(ctx)
	if err != nil {
		return 0, err
	}
	defer closeDB()
	p, err := goose.NewProvider(m.dialect, db, m.fsys)
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}

func (m *Migrator) open(ctx context.Context) (*sql.DB, func(), error) {
	if m.dialect == goose.DialectPostgres {
		pool, err := pgxpool.New(ctx, m.cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		db := stdlib.OpenDBFromPool(pool)
		return db, func() {
			_ = db.Close()
			pool.Close()
		}, nil
	}
	db, err := sql.Open("sqlite", m.cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)
	return db, func() { _ = db.Close() }, nil
}
