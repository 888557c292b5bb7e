package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"analysisd/internal/eventbus"
	"analysisd/internal/runtime/supervisor"
	"analysisd/internal/work"
	"analysisd/pkg/logx"
)

type Option func(*Service)

// WithSupervisor hosts the worker goroutine on sup. Without it the service
// creates its own supervisor in OnHostReady.
func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(s *Service) { s.sup = sup }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.obs = o }
}

type request struct {
	enqueued time.Time
}

type Service struct {
	cfg    Config
	sched  cron.Schedule
	desc   string
	isCron bool
	unit   work.Unit

	log  logx.Logger
	bus  eventbus.Bus
	obs  Observer
	sup  *supervisor.Supervisor
	warn *logx.Throttle

	manual chan request

	mu       sync.Mutex // lifecycle: ready, stopCh, ownSup
	ready    bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	ownSup   *supervisor.Supervisor

	stopped   atomic.Bool
	running   atomic.Bool
	next      atomic.Int64 // unix nanos, 0 = none
	scheduled atomic.Uint64
	manualN   atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// New validates cfg and builds a scheduler for unit. Nothing runs until
// OnHostReady.
func New(cfg Config, unit work.Unit, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Service, error) {
	if unit == nil {
		return nil, fmt.Errorf("%w: work unit required", ErrInvalidConfig)
	}
	if cfg.InitialDelay < 0 {
		return nil, fmt.Errorf("%w: initial delay must be >= 0", ErrInvalidConfig)
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("%w: interval must be > 0", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()

	ps := ParsedSpec{Kind: SpecInterval, Every: cfg.Interval, Source: "duration"}
	if cfg.Spec != "" {
		var err error
		if ps, err = ParseSchedule(cfg.Spec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	sched, err := ps.Schedule()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		cfg:    cfg,
		sched:  sched,
		desc:   ps.String(),
		isCron: ps.Kind == SpecCron,
		unit:   unit,
		log:    log.With(logx.String("comp", "scheduler"), logx.String("task", cfg.Name)),
		bus:    bus,
		warn:   logx.NewThrottle(5*time.Second, 1),
		manual: make(chan request, cfg.QueueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// OnHostReady starts the worker. The first scheduled run is due
// InitialDelay from now. A second call is ignored.
func (s *Service) OnHostReady(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		s.log.Warn("host ready after shutdown; ignoring")
		return
	}
	if s.ready {
		s.log.Warn("host ready signalled twice; ignoring")
		return
	}
	s.ready = true

	sup := s.sup
	if sup == nil {
		sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
		s.ownSup = sup
	}
	// Cron schedules fire on their own grid, starting after the delay.
	first := time.Now().Add(s.cfg.InitialDelay)
	if s.isCron {
		first = s.sched.Next(first)
	}
	s.next.Store(first.UnixNano())
	sup.Go0("scheduler."+s.cfg.Name, func(ctx context.Context) { s.loop(ctx, first) })

	s.log.Info("scheduler started",
		logx.String("schedule", s.desc),
		logx.Duration("initial_delay", s.cfg.InitialDelay),
		logx.Int("queue_size", s.cfg.QueueSize),
	)
}

// TriggerNow queues one immediate run behind anything already queued. It
// never blocks.
func (s *Service) TriggerNow() error {
	if s.stopped.Load() {
		return ErrStopped
	}
	select {
	case s.manual <- request{enqueued: time.Now()}:
		return nil
	default:
	}
	s.dropped.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Data: TaskEvent{Name: s.cfg.Name, Trigger: TriggerManual}})
	s.warn.Warn(s.log, "trigger", "task.dropped", logx.String("reason", "queue full"), logx.Int("queue_cap", cap(s.manual)))
	return ErrQueueFull
}

// Shutdown stops accepting triggers and stops the schedule. An in-flight run
// is allowed to finish; Shutdown waits for it until ctx is done and never
// cancels it.
func (s *Service) Shutdown(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	s.stopped.Store(true)
	s.stopOnce.Do(func() { close(s.stopCh) })
	ready := s.ready
	own := s.ownSup
	s.mu.Unlock()

	if !ready {
		return nil
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; run still in flight", logx.Duration("waited", time.Since(start)))
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
	if own != nil {
		own.Cancel()
	}
	s.next.Store(0)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}
