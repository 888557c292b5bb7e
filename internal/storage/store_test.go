package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysisd/pkg/logx"
)

func drivers() []string { return []string{"file", "sqlite"} }

func openTest(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		assert.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestReportQueueLifecycle(t *testing.T) {
	t.Parallel()

	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTest(t, driver, filepath.Join(t.TempDir(), "state.db"))
			defer st.Close()

			_, err := st.ClaimReport(ctx)
			require.ErrorIs(t, err, ErrNoReport)

			_, err = st.EnqueueReport(ctx, Report{})
			require.Error(t, err)

			a, err := st.EnqueueReport(ctx, Report{Path: "/tmp/a.json"})
			require.NoError(t, err)
			assert.NotEmpty(t, a.ID)
			assert.Equal(t, ReportPending, a.State)
			b, err := st.EnqueueReport(ctx, Report{ID: "b", Path: "/tmp/b.json"})
			require.NoError(t, err)

			// FIFO.
			got, err := st.ClaimReport(ctx)
			require.NoError(t, err)
			assert.Equal(t, a.ID, got.ID)
			assert.Equal(t, ReportProcessing, got.State)
			assert.Equal(t, 1, got.Attempts)

			require.NoError(t, st.CompleteReport(ctx, a.ID, 7, nil))
			got, err = st.GetReport(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, ReportDone, got.State)
			assert.Equal(t, 7, got.Issues)

			got, err = st.ClaimReport(ctx)
			require.NoError(t, err)
			assert.Equal(t, b.ID, got.ID)
			require.NoError(t, st.CompleteReport(ctx, b.ID, 0, errors.New("unreadable")))
			got, err = st.GetReport(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, ReportFailed, got.State)
			assert.Equal(t, "unreadable", got.Error)

			_, err = st.ClaimReport(ctx)
			assert.ErrorIs(t, err, ErrNoReport)
			assert.ErrorIs(t, st.CompleteReport(ctx, "missing", 0, nil), ErrNotFound)
			_, err = st.GetReport(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestProcessingReportsRequeuedOnRequest(t *testing.T) {
	t.Parallel()

	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state.db")

			st := openTest(t, driver, path)
			r, err := st.EnqueueReport(ctx, Report{Path: "/tmp/r.json"})
			require.NoError(t, err)
			_, err = st.ClaimReport(ctx)
			require.NoError(t, err)
			require.NoError(t, st.Close())

			// A second opener, such as the submit command, leaves the
			// claim alone.
			st = openTest(t, driver, path)
			defer st.Close()
			_, err = st.ClaimReport(ctx)
			require.ErrorIs(t, err, ErrNoReport)
			got, err := st.GetReport(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, ReportProcessing, got.State)

			n, err := st.RequeueStale(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			got, err = st.ClaimReport(ctx)
			require.NoError(t, err)
			assert.Equal(t, r.ID, got.ID)
			assert.Equal(t, 2, got.Attempts)
		})
	}
}

func TestRunAudit(t *testing.T) {
	t.Parallel()

	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state.db")
			st := openTest(t, driver, path)

			start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
			for i, status := range []string{"SUCCEEDED", "FAILED", "ok"} {
				require.NoError(t, st.AppendRun(ctx, RunRecord{
					ID:       string(rune('a' + i)),
					Kind:     KindMigration,
					Name:     "db",
					Started:  start.Add(time.Duration(i) * time.Minute),
					Duration: 1500 * time.Millisecond,
					Status:   status,
				}))
			}
			require.NoError(t, st.Close())

			st = openTest(t, driver, path)
			defer st.Close()
			runs, err := st.RecentRuns(ctx, 2)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "c", runs[0].ID)
			assert.Equal(t, "b", runs[1].ID)
			assert.Equal(t, "FAILED", runs[1].Status)
			assert.Equal(t, 1500*time.Millisecond, runs[1].Duration)
			assert.True(t, runs[1].Started.Equal(start.Add(time.Minute)))
		})
	}
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st := openTest(t, "file", path)

	var last Report
	for i := 0; i < fileCompactEach; i++ {
		var err error
		last, err = st.EnqueueReport(ctx, Report{Path: "/tmp/x.json"})
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	st = openTest(t, "file", path)
	defer st.Close()
	got, err := st.GetReport(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, ReportPending, got.State)
}

func TestFileRunAuditKeepsTail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	runsPath := filepath.Join(filepath.Dir(path), "state.runs.jsonl")
	st := openTest(t, "file", path)

	total := 2*fileRunsKept + 10
	for i := 0; i < total; i++ {
		require.NoError(t, st.AppendRun(ctx, RunRecord{
			ID:      fmt.Sprintf("run-%d", i),
			Kind:    KindTask,
			Name:    "computation",
			Started: time.Unix(int64(i), 0).UTC(),
			Status:  "ok",
		}))
	}

	lines := func() int {
		b, err := os.ReadFile(runsPath)
		require.NoError(t, err)
		return bytes.Count(b, []byte("\n"))
	}
	assert.Equal(t, fileRunsKept+10, lines())
	require.NoError(t, st.Close())

	st = openTest(t, "file", path)
	defer st.Close()
	assert.Equal(t, fileRunsKept, lines())

	runs, err := st.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, fmt.Sprintf("run-%d", total-1), runs[0].ID)

	// Appends after the rewrite still land in the audit.
	require.NoError(t, st.AppendRun(ctx, RunRecord{ID: "after", Kind: KindTask, Status: "ok"}))
	assert.Equal(t, fileRunsKept+1, lines())
}
