package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"analysisd/pkg/logx"
)

const (
	fileRunsKept    = 256
	fileCompactEach = 1000
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.reports.snapshot.json (compacted report state)
//   - <prefix>.reports.journal.jsonl (append-only, one full report per line)
//   - <prefix>.runs.jsonl            (append-only run audit)
//
// The journal is periodically compacted into the snapshot. The run audit is
// rewritten to its last fileRunsKept records once it holds twice as many.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	runsPath     string
	journal      *os.File
	runsFile     *os.File

	reports map[string]*fileReport
	seq     uint64
	writes  int

	runs     []RunRecord // oldest first, capped at fileRunsKept
	runLines int         // records in runsFile, including trimmed ones
}

type fileReport struct {
	Report
	seq uint64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".reports.snapshot.json",
		reports:      map[string]*fileReport{},
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("report snapshot unreadable; starting from journal", logx.Err(err))
	}
	journalPath := prefix + ".reports.journal.jsonl"
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay %s: %w", journalPath, err)
	}
	s.runsPath = prefix + ".runs.jsonl"
	if err := s.loadRuns(s.runsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run audit unreadable", logx.Err(err))
	}

	var err error
	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		return nil, err
	}
	if s.runLines > fileRunsKept {
		if err := s.compactRunsLocked(); err != nil {
			log.Warn("run audit compact failed", logx.Err(err))
		}
	}
	if s.runsFile == nil {
		if s.runsFile, err = openRuns(s.runsPath); err != nil {
			_ = s.journal.Close()
			return nil, err
		}
	}
	return s, nil
}

// RequeueStale hands out again the reports a crashed run left in processing.
func (s *fileStore) RequeueStale(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.ordered() {
		if r.State != ReportProcessing {
			continue
		}
		r.State = ReportPending
		r.UpdatedAt = time.Now()
		if err := s.appendLocked(r); err != nil {
			return n, err
		}
		n++
		s.log.Info("report requeued after restart", logx.String("report", r.ID))
	}
	return n, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) EnqueueReport(ctx context.Context, r Report) (Report, error) {
	_ = ctx
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.reports[r.ID]; dup {
		return Report{}, fmt.Errorf("report %s already exists", r.ID)
	}
	if err := s.appendLocked(r); err != nil {
		return Report{}, err
	}
	return r, nil
}

func (s *fileStore) ClaimReport(ctx context.Context) (Report, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var pick *fileReport
	for _, r := range s.reports {
		if r.State != ReportPending {
			continue
		}
		if pick == nil || r.seq < pick.seq {
			pick = r
		}
	}
	if pick == nil {
		return Report{}, ErrNoReport
	}
	next := pick.Report
	next.State = ReportProcessing
	next.Attempts++
	next.UpdatedAt = time.Now()
	if err := s.appendLocked(next); err != nil {
		return Report{}, err
	}
	return next, nil
}

func (s *fileStore) CompleteReport(ctx context.Context, id string, issues int, runErr error) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.reports[id]
	if !ok {
		return ErrNotFound
	}
	next := cur.Report
	next.UpdatedAt = time.Now()
	next.Issues = issues
	next.State = ReportDone
	next.Error = ""
	if runErr != nil {
		next.State = ReportFailed
		next.Error = runErr.Error()
	}
	return s.appendLocked(next)
}

func (s *fileStore) GetReport(ctx context.Context, id string) (Report, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return Report{}, ErrNotFound
	}
	return r.Report, nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.keepRunLocked(r)
	s.runLines++
	if s.runLines >= 2*fileRunsKept {
		if err := s.compactRunsLocked(); err != nil {
			s.log.Debug("run audit compact failed", logx.Err(err))
		}
	}
	return nil
}

func openRuns(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

// compactRunsLocked replaces the audit file with the records kept in
// memory. runsFile is reopened even when the rewrite fails.
func (s *fileStore) compactRunsLocked() error {
	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.runs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	if s.runsFile != nil {
		_ = s.runsFile.Close()
		s.runsFile = nil
	}
	renameErr := os.Rename(tmp, s.runsPath)
	if renameErr == nil {
		s.runLines = len(s.runs)
	}
	rf, err := openRuns(s.runsPath)
	if err != nil {
		return errors.Join(renameErr, err)
	}
	s.runsFile = rf
	return renameErr
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.runs) {
		limit = len(s.runs)
	}
	out := make([]RunRecord, 0, limit)
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

func (s *fileStore) keepRunLocked(r RunRecord) {
	s.runs = append(s.runs, r)
	if len(s.runs) > fileRunsKept {
		s.runs = s.runs[len(s.runs)-fileRunsKept:]
	}
}

// appendLocked journals r and applies it to the in-memory view.
func (s *fileStore) appendLocked(r Report) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.applyLocked(r)
	s.writes++
	if s.writes%fileCompactEach == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("report journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) applyLocked(r Report) {
	if cur, ok := s.reports[r.ID]; ok {
		cur.Report = r
		return
	}
	s.seq++
	s.reports[r.ID] = &fileReport{Report: r, seq: s.seq}
}

func (s *fileStore) ordered() []Report {
	list := make([]*fileReport, 0, len(s.reports))
	for _, r := range s.reports {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]Report, len(list))
	for i, r := range list {
		out[i] = r.Report
	}
	return out
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.ordered()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var list []Report
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	for _, r := range list {
		s.applyLocked(r)
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r Report
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		s.applyLocked(r)
	}
	return sc.Err()
}

func (s *fileStore) loadRuns(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		s.runLines++
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.keepRunLocked(r)
	}
	return sc.Err()
}
