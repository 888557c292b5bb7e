package migration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysisd/internal/eventbus"
	"analysisd/internal/storage"
	"analysisd/pkg/logx"
)

func newStarted(t *testing.T, m Migrator, opts ...Option) *Launcher {
	t.Helper()
	l := NewLauncher(m, logx.Nop(), nil, opts...)
	l.Start(context.Background())
	t.Cleanup(func() { l.Stop(context.Background()) })
	return l
}

func waitTerminal(t *testing.T, l *Launcher) {
	t.Helper()
	require.Eventually(t, func() bool { return l.Status().Terminal() }, time.Second, 2*time.Millisecond)
}

func TestFreshLauncherIsNone(t *testing.T) {
	t.Parallel()

	l := newStarted(t, MigratorFunc(func(context.Context) error { return nil }))
	assert.Equal(t, StatusNone, l.Status())
	_, ok := l.StartedAt()
	assert.False(t, ok)
	assert.NoError(t, l.FailureError())
	assert.Equal(t, StatusSnapshot{State: StatusNone}, l.Snapshot())
}

func TestSuccessfulRun(t *testing.T) {
	t.Parallel()

	l := newStarted(t, MigratorFunc(func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}))

	require.True(t, l.Launch())
	assert.Equal(t, StatusRunning, l.Status())
	require.Eventually(t, func() bool { return l.Status() == StatusSucceeded }, 200*time.Millisecond, 2*time.Millisecond)

	started, ok := l.StartedAt()
	assert.True(t, ok)
	assert.False(t, started.IsZero())
	assert.NoError(t, l.FailureError())

	snap := l.Snapshot()
	assert.Equal(t, StatusSucceeded, snap.State)
	assert.NotEmpty(t, snap.RunID)
	assert.GreaterOrEqual(t, snap.Duration, 50*time.Millisecond)
	assert.Empty(t, snap.Message)
}

// A failing migrator must end in FAILED, never SUCCEEDED.
func TestErrorMapsToFailed(t *testing.T) {
	t.Parallel()

	boom := errors.New("schema conflict")
	l := newStarted(t, MigratorFunc(func(context.Context) error { return boom }))

	require.True(t, l.Launch())
	waitTerminal(t, l)

	assert.Equal(t, StatusFailed, l.Status())
	assert.ErrorIs(t, l.FailureError(), boom)
	assert.Equal(t, "schema conflict", l.Snapshot().Message)
}

func TestRelaunchAfterFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	l := newStarted(t, MigratorFunc(func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		<-release
		return errors.New("second attempt fails too")
	}))

	require.True(t, l.Launch())
	waitTerminal(t, l)
	firstStart, _ := l.StartedAt()
	firstRun := l.Snapshot().RunID

	require.True(t, l.Launch())
	assert.Equal(t, StatusRunning, l.Status())
	// Once dispatched, the previous failure is cleared and the timestamp moves.
	require.Eventually(t, func() bool { return l.FailureError() == nil }, time.Second, 2*time.Millisecond)
	secondStart, _ := l.StartedAt()
	assert.False(t, secondStart.Before(firstStart))
	assert.NotEqual(t, firstRun, l.Snapshot().RunID)

	close(release)
	waitTerminal(t, l)
	assert.Equal(t, StatusFailed, l.Status())
	assert.EqualError(t, l.FailureError(), "second attempt fails too")
	assert.EqualValues(t, 2, calls.Load())
}

// clockGate parks the next clock read until release is closed. The worker
// reads the clock first when it picks up a launch.
type clockGate struct {
	reached chan struct{}
	release chan struct{}
}

// Between an accepted launch and its dispatch the launcher reports RUNNING,
// refuses further launches and still shows the previous run.
func TestLaunchAcceptedButNotDispatched(t *testing.T) {
	t.Parallel()

	var next atomic.Pointer[clockGate]
	clock := func() time.Time {
		if g := next.Swap(nil); g != nil {
			close(g.reached)
			<-g.release
		}
		return time.Now()
	}
	var calls atomic.Int32
	l := newStarted(t, MigratorFunc(func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("disk full")
		}
		return nil
	}), WithClock(clock))

	require.True(t, l.Launch())
	waitTerminal(t, l)
	require.Equal(t, StatusFailed, l.Status())
	failedAt, ok := l.StartedAt()
	require.True(t, ok)
	failedRun := l.Snapshot().RunID

	g := &clockGate{reached: make(chan struct{}), release: make(chan struct{})}
	next.Store(g)
	require.True(t, l.Launch())
	<-g.reached

	assert.Equal(t, StatusRunning, l.Status())
	assert.False(t, l.Launch())
	assert.EqualError(t, l.FailureError(), "disk full")
	again, ok := l.StartedAt()
	assert.True(t, ok)
	assert.Equal(t, failedAt, again)
	assert.Equal(t, failedRun, l.Snapshot().RunID)
	assert.Equal(t, StatusRunning, l.Snapshot().State)

	close(g.release)
	waitTerminal(t, l)
	assert.Equal(t, StatusSucceeded, l.Status())
	assert.NoError(t, l.FailureError())
	assert.NotEqual(t, failedRun, l.Snapshot().RunID)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLaunchWhileRunningIsNoop(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	l := newStarted(t, MigratorFunc(func(context.Context) error {
		close(entered)
		<-release
		return nil
	}))

	require.True(t, l.Launch())
	<-entered
	started, _ := l.StartedAt()
	runID := l.Snapshot().RunID

	for i := 0; i < 10; i++ {
		assert.False(t, l.Launch())
	}
	again, _ := l.StartedAt()
	assert.Equal(t, started, again)
	assert.Equal(t, runID, l.Snapshot().RunID)
	assert.NoError(t, l.FailureError())

	close(release)
	waitTerminal(t, l)
	assert.Equal(t, StatusSucceeded, l.Status())
}

func TestConcurrentLaunchRunsAtMostOnce(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight, calls atomic.Int32
	l := newStarted(t, MigratorFunc(func(context.Context) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return nil
	}))

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if l.Launch() {
					accepted.Add(1)
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	waitTerminal(t, l)

	assert.EqualValues(t, 1, maxInFlight.Load())
	assert.Equal(t, accepted.Load(), calls.Load())
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestPanicIsCapturedAsFailure(t *testing.T) {
	t.Parallel()

	l := newStarted(t, MigratorFunc(func(context.Context) error { panic("nil schema") }))
	require.True(t, l.Launch())
	waitTerminal(t, l)

	assert.Equal(t, StatusFailed, l.Status())
	assert.Contains(t, l.FailureError().Error(), "nil schema")
}

func TestNilMigratorFails(t *testing.T) {
	t.Parallel()

	l := newStarted(t, nil)
	require.True(t, l.Launch())
	waitTerminal(t, l)
	assert.ErrorIs(t, l.FailureError(), ErrNoMigrator)
}

func TestLaunchBeforeStartRunsOnStart(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{})
	l := NewLauncher(MigratorFunc(func(context.Context) error {
		close(ran)
		return nil
	}), logx.Nop(), nil)

	require.True(t, l.Launch())
	assert.Equal(t, StatusRunning, l.Status())
	assert.False(t, l.Launch())

	l.Start(context.Background())
	defer l.Stop(context.Background())
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("pending launch not executed after Start")
	}
	waitTerminal(t, l)
}

func TestStopWithoutStartFailsPendingLaunch(t *testing.T) {
	t.Parallel()

	l := NewLauncher(MigratorFunc(func(context.Context) error { return nil }), logx.Nop(), nil)
	require.True(t, l.Launch())
	l.Stop(context.Background())

	assert.Equal(t, StatusFailed, l.Status())
	assert.ErrorIs(t, l.FailureError(), ErrStopped)
	assert.False(t, l.Launch())
}

func TestStopWaitsForGracefulFinish(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	var sawCancel atomic.Bool
	l := newStarted(t, MigratorFunc(func(ctx context.Context) error {
		close(entered)
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
			return ctx.Err()
		case <-time.After(30 * time.Millisecond):
			return nil
		}
	}), WithGracePeriod(time.Second))

	require.True(t, l.Launch())
	<-entered
	l.Stop(context.Background())

	assert.False(t, sawCancel.Load())
	assert.Equal(t, StatusSucceeded, l.Status())
	assert.False(t, l.Launch())
}

func TestStopCancelsAfterGracePeriod(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	l := newStarted(t, MigratorFunc(func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}), WithGracePeriod(20*time.Millisecond))

	require.True(t, l.Launch())
	<-entered

	start := time.Now()
	l.Stop(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, StatusFailed, l.Status())
	assert.ErrorIs(t, l.FailureError(), context.Canceled)
}

func TestStopGivesUpOnStuckWorker(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	l := NewLauncher(MigratorFunc(func(context.Context) error {
		close(entered)
		<-release
		return nil
	}), logx.Nop(), nil, WithGracePeriod(10*time.Millisecond))
	l.Start(context.Background())

	require.True(t, l.Launch())
	<-entered

	done := make(chan struct{})
	go func() {
		l.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a worker that ignores cancellation")
	}
	assert.Equal(t, StatusRunning, l.Status())
	close(release)
	waitTerminal(t, l)
}

type memRuns struct {
	mu   sync.Mutex
	runs []storage.RunRecord
}

func (m *memRuns) AppendRun(_ context.Context, r storage.RunRecord) error {
	m.mu.Lock()
	m.runs = append(m.runs, r)
	m.mu.Unlock()
	return nil
}

type countObserver struct{ running, failed, ok atomic.Int32 }

func (c *countObserver) ObserveMigration(st Status, _ time.Duration) {
	switch st {
	case StatusRunning:
		c.running.Add(1)
	case StatusFailed:
		c.failed.Add(1)
	default:
		c.ok.Add(1)
	}
}

func TestRunsAreAuditedAndPublished(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Second) }

	store := &memRuns{}
	obs := &countObserver{}
	l := NewLauncher(MigratorFunc(func(context.Context) error { return errors.New("locked") }),
		logx.Nop(), bus, WithRunStore(store), WithObserver(obs), WithClock(clock), WithName("reports-db"))
	l.Start(context.Background())
	defer l.Stop(context.Background())

	require.True(t, l.Launch())
	waitTerminal(t, l)

	require.Eventually(t, func() bool { return obs.failed.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(1), obs.running.Load())
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.runs) == 1
	}, time.Second, 2*time.Millisecond)

	store.mu.Lock()
	rec := store.runs[0]
	store.mu.Unlock()
	assert.Equal(t, storage.KindMigration, rec.Kind)
	assert.Equal(t, "reports-db", rec.Name)
	assert.Equal(t, "FAILED", rec.Status)
	assert.Equal(t, "locked", rec.Error)
	assert.Positive(t, rec.Duration)

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatal("missing migration events")
		}
	}
	assert.Equal(t, []string{eventbus.MigrationStarted, eventbus.MigrationFailed}, types)
}

func TestStatusText(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(StatusSnapshot{State: StatusRunning, RunID: "r1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"RUNNING","run_id":"r1"}`, string(b))

	var s Status
	require.NoError(t, s.UnmarshalText([]byte("succeeded")))
	assert.Equal(t, StatusSucceeded, s)
	assert.Error(t, s.UnmarshalText([]byte("DONE")))
	assert.Equal(t, "Status(9)", Status(9).String())
}
