package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysisd/internal/eventbus"
	"analysisd/internal/work"
	"analysisd/pkg/logx"
)

func newTestService(t *testing.T, cfg Config, fn work.Func, opts ...Option) *Service {
	t.Helper()
	s, err := New(cfg, fn, logx.Nop(), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	noop := work.Func(func(context.Context) error { return nil })
	cases := map[string]Config{
		"negative delay":    {InitialDelay: -time.Second},
		"negative interval": {Interval: -time.Second},
		"bad spec":          {Spec: "whenever"},
		"bad cron":          {Spec: "cron:99 * * * *"},
	}
	for name, cfg := range cases {
		_, err := New(cfg, noop, logx.Nop(), nil)
		assert.ErrorIs(t, err, ErrInvalidConfig, name)
	}
	_, err := New(Config{}, nil, logx.Nop(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{}, func(context.Context) error { return nil })
	snap := s.Snapshot()
	assert.Equal(t, DefaultName, snap.Name)
	assert.Equal(t, "every:10s", snap.Schedule)
	assert.Equal(t, DefaultQueueSize, snap.QueueCap)
	assert.False(t, snap.Ready)
}

func TestNothingRunsBeforeHostReady(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := newTestService(t, Config{Interval: 5 * time.Millisecond}, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runs.Load())

	s.OnHostReady(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestFirstRunImmediateWithZeroDelay(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{}, 1)
	s := newTestService(t, Config{Interval: time.Hour}, func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})
	s.OnHostReady(context.Background())

	select {
	case <-ran:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("first run did not start immediately")
	}
}

func TestInitialDelayIsHonored(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := newTestService(t, Config{InitialDelay: 80 * time.Millisecond, Interval: time.Hour}, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	s.OnHostReady(context.Background())

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, runs.Load())
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRunsNeverOverlap(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight, runs atomic.Int32
	s := newTestService(t, Config{Interval: 5 * time.Millisecond}, func(context.Context) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	s.OnHostReady(context.Background())
	for i := 0; i < 5; i++ {
		_ = s.TriggerNow()
	}

	require.Eventually(t, func() bool { return runs.Load() >= 8 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, maxInFlight.Load())
}

func TestOverrunIsFollowedByImmediateRun(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var starts []time.Time
	s := newTestService(t, Config{Interval: 20 * time.Millisecond}, func(context.Context) error {
		mu.Lock()
		starts = append(starts, time.Now())
		first := len(starts) == 1
		mu.Unlock()
		if first {
			time.Sleep(70 * time.Millisecond)
		}
		return nil
	})
	s.OnHostReady(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) >= 2
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	gap := starts[1].Sub(starts[0])
	mu.Unlock()
	// No extra interval wait after an overrun.
	assert.Less(t, gap, 70*time.Millisecond+20*time.Millisecond)
}

func TestAdvanceCollapsesMissedTargets(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{Interval: 10 * time.Second}, func(context.Context) error { return nil })
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// On time: the next grid point.
	assert.Equal(t, base.Add(10*time.Second), s.advance(base, base.Add(time.Second)))
	// Overran by 35s: one overdue target is kept (base+30s), earlier ones are skipped.
	assert.Equal(t, base.Add(30*time.Second), s.advance(base, base.Add(35*time.Second)))
	// Exactly on a grid point counts as overdue.
	assert.Equal(t, base.Add(20*time.Second), s.advance(base, base.Add(20*time.Second)))
}

func TestTriggerNowDoesNotShiftSchedule(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := newTestService(t, Config{Interval: time.Hour}, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	s.OnHostReady(context.Background())
	require.Eventually(t, func() bool {
		return s.Snapshot().NextRun.After(time.Now().Add(30 * time.Minute))
	}, time.Second, 2*time.Millisecond)
	next := s.Snapshot().NextRun

	require.NoError(t, s.TriggerNow())
	require.Eventually(t, func() bool { return s.Snapshot().Manual == 1 && runs.Load() == 2 }, time.Second, 2*time.Millisecond)

	snap := s.Snapshot()
	assert.True(t, snap.NextRun.Equal(next))
	assert.EqualValues(t, 1, snap.Scheduled)
	require.NotNil(t, snap.LastRun)
	assert.Equal(t, TriggerManual, snap.LastRun.Trigger)
}

func TestDueScheduledRunGoesBeforeLaterTrigger(t *testing.T) {
	t.Parallel()

	for i := 0; i < 10; i++ {
		release := make(chan struct{})
		var calls atomic.Int32
		s := newTestService(t, Config{InitialDelay: 30 * time.Millisecond, Interval: time.Hour}, func(context.Context) error {
			if calls.Add(1) == 1 {
				<-release
			}
			return nil
		})
		s.OnHostReady(context.Background())

		// The first manual run holds the worker past the scheduled target.
		require.NoError(t, s.TriggerNow())
		require.Eventually(t, func() bool { return s.Snapshot().Running }, time.Second, time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, s.TriggerNow())
		close(release)

		require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 2*time.Millisecond)
		var order []Trigger
		for _, h := range s.Snapshot().History {
			order = append(order, h.Trigger)
		}
		require.Equal(t, []Trigger{TriggerManual, TriggerScheduled, TriggerManual}, order, "round %d", i)
	}
}

func TestEarlierTriggerGoesBeforeDueScheduledRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var calls atomic.Int32
	s := newTestService(t, Config{InitialDelay: 40 * time.Millisecond, Interval: time.Hour}, func(context.Context) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	})
	s.OnHostReady(context.Background())

	// Both triggers are queued before the target falls due.
	require.NoError(t, s.TriggerNow())
	require.Eventually(t, func() bool { return s.Snapshot().Running }, time.Second, time.Millisecond)
	require.NoError(t, s.TriggerNow())
	time.Sleep(60 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 2*time.Millisecond)
	var order []Trigger
	for _, h := range s.Snapshot().History {
		order = append(order, h.Trigger)
	}
	assert.Equal(t, []Trigger{TriggerManual, TriggerManual, TriggerScheduled}, order)
}

func TestTriggerBeforeHostReadyIsQueued(t *testing.T) {
	t.Parallel()

	var manual atomic.Int32
	s := newTestService(t, Config{InitialDelay: time.Hour, Interval: time.Hour}, func(context.Context) error {
		manual.Add(1)
		return nil
	})
	require.NoError(t, s.TriggerNow())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, manual.Load())

	s.OnHostReady(context.Background())
	require.Eventually(t, func() bool { return manual.Load() == 1 }, time.Second, 2*time.Millisecond)
}

func TestFailureDoesNotStopSchedule(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	var calls atomic.Int32
	s, err := New(Config{Interval: 5 * time.Millisecond, HistorySize: 3}, work.Func(func(context.Context) error {
		if calls.Add(1)%2 == 0 {
			panic("odd state")
		}
		return errors.New("analysis failed")
	}), logx.Nop(), bus)
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	s.OnHostReady(context.Background())
	require.Eventually(t, func() bool { return s.Snapshot().Failed >= 5 }, 2*time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	assert.Len(t, snap.History, 3)
	for _, h := range snap.History {
		assert.NotEmpty(t, h.Error)
		assert.NotEmpty(t, h.ID)
	}

	var failed int
	timeout := time.After(time.Second)
	for failed < 2 {
		select {
		case e := <-events:
			if e.Type == eventbus.TaskFailed {
				failed++
				ev, ok := e.Data.(TaskEvent)
				require.True(t, ok)
				assert.Equal(t, DefaultName, ev.Name)
			}
		case <-timeout:
			t.Fatal("no task.failed events")
		}
	}
}

func TestTriggerNowQueueFull(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s, err := New(Config{QueueSize: 1, Interval: time.Hour}, work.Func(func(context.Context) error { return nil }), logx.Nop(), bus)
	require.NoError(t, err)

	require.NoError(t, s.TriggerNow())
	assert.ErrorIs(t, s.TriggerNow(), ErrQueueFull)
	assert.EqualValues(t, 1, s.Snapshot().Dropped)

	select {
	case e := <-events:
		assert.Equal(t, eventbus.TaskDropped, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no task.dropped event")
	}
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestTriggerNowAfterShutdown(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{}, func(context.Context) error { return nil })
	s.OnHostReady(context.Background())
	require.NoError(t, s.Shutdown(context.Background()))

	assert.ErrorIs(t, s.TriggerNow(), ErrStopped)
	assert.True(t, s.Snapshot().Stopped)
	assert.True(t, s.Snapshot().NextRun.IsZero())

	// Late host-ready is ignored.
	s.OnHostReady(context.Background())
	assert.ErrorIs(t, s.TriggerNow(), ErrStopped)
}

func TestShutdownLetsInFlightRunFinish(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var canceled atomic.Bool
	s := newTestService(t, Config{Interval: time.Hour}, func(ctx context.Context) error {
		close(started)
		<-release
		canceled.Store(ctx.Err() != nil)
		return nil
	})
	s.OnHostReady(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.Snapshot().Running)

	close(release)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, canceled.Load())
	assert.False(t, s.Snapshot().Running)
}

type recordingObserver struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (o *recordingObserver) ObserveTask(name string, item HistoryItem) {
	o.mu.Lock()
	o.items = append(o.items, item)
	o.mu.Unlock()
}

func (o *recordingObserver) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func TestObserverSeesEveryRun(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	s := newTestService(t, Config{Interval: time.Hour}, func(context.Context) error { return nil }, WithObserver(obs))
	s.OnHostReady(context.Background())
	require.NoError(t, s.TriggerNow())

	require.Eventually(t, func() bool { return obs.len() == 2 }, time.Second, 2*time.Millisecond)
}
