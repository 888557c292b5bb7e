package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"analysisd/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) RequeueStale(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET state = ?, updated_at = ? WHERE state = ?`,
		string(ReportPending), ts(time.Now()), string(ReportProcessing),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("reports requeued after restart", logx.Int64("count", n))
	}
	return int(n), nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) EnqueueReport(ctx context.Context, r Report) (Report, error) {
	if strings.TrimSpace(r.Path) == "" {
		return Report{}, errors.New("report path required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now()
	r.State = ReportPending
	r.SubmittedAt = now
	r.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports(id, path, state, submitted_at, updated_at) VALUES(?,?,?,?,?)`,
		r.ID, r.Path, string(r.State), ts(now), ts(now),
	)
	if err != nil {
		return Report{}, err
	}
	return r, nil
}

const reportCols = `id, path, state, submitted_at, updated_at, attempts, issues, err`

func (s *sqliteStore) ClaimReport(ctx context.Context) (Report, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE reports SET state = ?, attempts = attempts + 1, updated_at = ?
		 WHERE seq = (SELECT seq FROM reports WHERE state = ? ORDER BY seq LIMIT 1)
		 RETURNING `+reportCols,
		string(ReportProcessing), ts(time.Now()), string(ReportPending),
	)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNoReport
	}
	return r, err
}

func (s *sqliteStore) CompleteReport(ctx context.Context, id string, issues int, runErr error) error {
	state, msg := ReportDone, ""
	if runErr != nil {
		state, msg = ReportFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET state = ?, issues = ?, err = ?, updated_at = ? WHERE id = ?`,
		string(state), issues, nullStr(msg), ts(time.Now()), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetReport(ctx context.Context, id string) (Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportCols+` FROM reports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, kind, name, trig, started_at, duration_ms, status, err) VALUES(?,?,?,?,?,?,?,?)`,
		r.ID, r.Kind, r.Name, nullStr(r.Trigger), ts(r.Started), r.Duration.Milliseconds(), r.Status, nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, name, trig, started_at, duration_ms, status, err FROM runs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r         RunRecord
			trig, msg sql.NullString
			started   string
			ms        int64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Name, &trig, &started, &ms, &r.Status, &msg); err != nil {
			return nil, err
		}
		r.Trigger = trig.String
		r.Error = msg.String
		r.Started = parseTS(started)
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (Report, error) {
	var (
		r                  Report
		state              string
		submitted, updated string
		msg                sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Path, &state, &submitted, &updated, &r.Attempts, &r.Issues, &msg); err != nil {
		return Report{}, err
	}
	r.State = ReportState(state)
	r.SubmittedAt = parseTS(submitted)
	r.UpdatedAt = parseTS(updated)
	r.Error = msg.String
	return r, nil
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
