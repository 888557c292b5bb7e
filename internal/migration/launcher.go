package migration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"analysisd/internal/eventbus"
	"analysisd/internal/runtime/supervisor"
	"analysisd/internal/storage"
	"analysisd/internal/work"
	"analysisd/pkg/logx"
)

const DefaultGracePeriod = 5 * time.Second

// Migrator performs the migration once. It should honor ctx cancellation.
type Migrator interface {
	Migrate(ctx context.Context) error
}

type MigratorFunc func(ctx context.Context) error

func (f MigratorFunc) Migrate(ctx context.Context) error { return f(ctx) }

// RunStore receives one record per finished run.
type RunStore interface {
	AppendRun(ctx context.Context, r storage.RunRecord) error
}

// Observer is told about every run twice, from the worker goroutine: once
// with StatusRunning before the migrator is called, and once with the
// terminal status and duration. It must not block.
type Observer interface {
	ObserveMigration(status Status, dur time.Duration)
}

type Option func(*Launcher)

// WithGracePeriod bounds each of the two waits in Stop.
func WithGracePeriod(d time.Duration) Option {
	return func(l *Launcher) {
		if d > 0 {
			l.grace = d
		}
	}
}

// WithClock replaces time.Now for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Launcher) {
		if now != nil {
			l.now = now
		}
	}
}

func WithRunStore(st RunStore) Option { return func(l *Launcher) { l.store = st } }

func WithObserver(o Observer) Option { return func(l *Launcher) { l.obs = o } }

// WithSupervisor hosts the worker goroutine on sup.
func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(l *Launcher) { l.sup = sup }
}

// WithName labels logs, events and audit records. Default "db".
func WithName(name string) Option {
	return func(l *Launcher) {
		if name != "" {
			l.name = name
		}
	}
}

// run is immutable once published; readers load it through an atomic
// pointer. It is always stored before the status that refers to it.
type run struct {
	id         string
	startedAt  time.Time
	finishedAt time.Time
	err        error
}

// Launcher runs a Migrator off the caller's goroutine, at most one run at a
// time, and publishes its progress for lock-free reads.
type Launcher struct {
	m     Migrator
	name  string
	log   logx.Logger
	bus   eventbus.Bus
	store RunStore
	obs   Observer
	sup   *supervisor.Supervisor
	grace time.Duration
	now   func() time.Time

	status atomic.Int32
	last   atomic.Pointer[run]
	closed atomic.Bool

	kick chan struct{}

	mu        sync.Mutex
	started   bool
	ownSup    *supervisor.Supervisor
	runCancel context.CancelFunc
	quitOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func NewLauncher(m Migrator, log logx.Logger, bus eventbus.Bus, opts ...Option) *Launcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	l := &Launcher{
		m:     m,
		name:  "db",
		bus:   bus,
		grace: DefaultGracePeriod,
		now:   time.Now,
		kick:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = log.With(logx.String("comp", "migration"), logx.String("migration", l.name))
	return l
}

// Start launches the worker goroutine. Launches accepted earlier run now.
func (l *Launcher) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed.Load() {
		return
	}
	l.started = true

	// Runs are cancelled by Stop only, never by the caller's context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.runCancel = cancel

	sup := l.sup
	if sup == nil {
		sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(l.log))
		l.ownSup = sup
	}
	sup.Go0("migration."+l.name, func(context.Context) { l.loop(runCtx) })
}

// Launch requests a run and returns at once. It reports whether a new run
// was accepted; false means one is already in flight or the launcher is
// stopped.
func (l *Launcher) Launch() bool {
	if l.closed.Load() {
		return false
	}
	for {
		cur := l.status.Load()
		if Status(cur) == StatusRunning {
			return false
		}
		if l.status.CompareAndSwap(cur, int32(StatusRunning)) {
			break
		}
	}
	// Only the CAS winner sends, and the worker drains the kick before the
	// status leaves RUNNING, so the slot is always free here.
	l.kick <- struct{}{}
	if l.closed.Load() {
		// Stop raced with us; make sure the kick is not stranded.
		l.abandonPending()
	}
	return true
}

func (l *Launcher) Status() Status { return Status(l.status.Load()) }

// StartedAt is the dispatch time of the most recent run.
func (l *Launcher) StartedAt() (time.Time, bool) {
	r := l.last.Load()
	if r == nil || r.startedAt.IsZero() {
		return time.Time{}, false
	}
	return r.startedAt, true
}

// FailureError is the error of the most recent run if it failed. It is
// cleared when the next run is dispatched.
func (l *Launcher) FailureError() error {
	if r := l.last.Load(); r != nil {
		return r.err
	}
	return nil
}

func (l *Launcher) Snapshot() StatusSnapshot {
	snap := StatusSnapshot{State: l.Status()}
	r := l.last.Load()
	if r == nil {
		return snap
	}
	snap.RunID = r.id
	snap.StartedAt = r.startedAt
	snap.FinishedAt = r.finishedAt
	if !r.finishedAt.IsZero() {
		snap.Duration = r.finishedAt.Sub(r.startedAt)
	}
	if r.err != nil {
		snap.Message = r.err.Error()
	}
	return snap
}

// Stop refuses new launches, waits up to the grace period for the current
// run, then cancels it and waits once more. A worker that still has not
// returned is logged and left behind.
func (l *Launcher) Stop(ctx context.Context) {
	l.closed.Store(true)
	l.mu.Lock()
	started := l.started
	cancel := l.runCancel
	own := l.ownSup
	l.mu.Unlock()
	l.quitOnce.Do(func() { close(l.quit) })

	if !started {
		l.abandonPending()
		return
	}
	defer func() {
		if own != nil {
			own.Cancel()
		}
	}()

	if l.waitDone(ctx) {
		cancel()
		return
	}
	l.log.Warn("migration still running after grace period; cancelling", logx.Duration("grace", l.grace))
	cancel()
	if l.waitDone(ctx) {
		return
	}
	l.log.Warn("migration worker did not terminate after cancellation", logx.Duration("grace", l.grace))
}

func (l *Launcher) waitDone(ctx context.Context) bool {
	t := time.NewTimer(l.grace)
	defer t.Stop()
	select {
	case <-l.done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (l *Launcher) loop(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			l.abandonPending()
			return
		default:
		}
		select {
		case <-l.kick:
			l.execute(ctx)
		case <-l.quit:
			l.abandonPending()
			return
		}
	}
}

// abandonPending fails a launch that was accepted but will never run.
func (l *Launcher) abandonPending() {
	select {
	case <-l.kick:
	default:
		return
	}
	now := l.now()
	l.last.Store(&run{id: work.NewRunID(), startedAt: now, finishedAt: now, err: ErrStopped})
	l.status.Store(int32(StatusFailed))
	l.log.Warn("pending migration dropped at shutdown")
}

func (l *Launcher) execute(ctx context.Context) {
	r := &run{id: work.NewRunID(), startedAt: l.now()}
	l.last.Store(r)
	l.log.Info("migration.started", logx.String("run_id", r.id))
	l.bus.Publish(eventbus.Event{Type: eventbus.MigrationStarted, Data: l.event(r, StatusRunning)})
	if l.obs != nil {
		l.obs.ObserveMigration(StatusRunning, 0)
	}

	var unit work.Unit = work.Func(func(context.Context) error { return ErrNoMigrator })
	if l.m != nil {
		unit = work.Func(l.m.Migrate)
	}
	res := work.ExecuteAs(ctx, r.id, unit, l.now)

	fin := &run{id: r.id, startedAt: r.startedAt, finishedAt: r.startedAt.Add(res.Duration), err: res.Err}
	st := StatusSucceeded
	if res.Err != nil {
		st = StatusFailed
	}
	l.last.Store(fin)
	l.status.Store(int32(st))

	if res.Err != nil {
		fields := []logx.Field{logx.String("run_id", r.id), logx.Duration("dur", res.Duration), logx.Err(res.Err)}
		var pe *work.PanicError
		if errors.As(res.Err, &pe) {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		l.log.Error("migration.failed", fields...)
		l.bus.Publish(eventbus.Event{Type: eventbus.MigrationFailed, Data: l.event(fin, st)})
	} else {
		l.log.Info("migration.succeeded", logx.String("run_id", r.id), logx.Duration("dur", res.Duration))
		l.bus.Publish(eventbus.Event{Type: eventbus.MigrationSucceeded, Data: l.event(fin, st)})
	}

	if l.obs != nil {
		l.obs.ObserveMigration(st, res.Duration)
	}
	if l.store != nil {
		rec := storage.RunRecord{
			ID:       r.id,
			Kind:     storage.KindMigration,
			Name:     l.name,
			Started:  r.startedAt,
			Duration: res.Duration,
			Status:   st.String(),
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if err := l.store.AppendRun(sctx, rec); err != nil {
			l.log.Warn("migration audit append failed", logx.Err(err))
		}
		cancel()
	}
}

// Event is the payload of migration.* events.
type Event struct {
	RunID     string        `json:"run_id"`
	Name      string        `json:"name"`
	State     Status        `json:"state"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func (l *Launcher) event(r *run, st Status) Event {
	ev := Event{RunID: r.id, Name: l.name, State: st, StartedAt: r.startedAt}
	if !r.finishedAt.IsZero() {
		ev.Duration = r.finishedAt.Sub(r.startedAt)
	}
	if r.err != nil {
		ev.Error = r.err.Error()
	}
	return ev
}
