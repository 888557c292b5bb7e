// Package app constructs and owns every component of the daemon and drives
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"analysisd/internal/config"
	"analysisd/internal/eventbus"
	"analysisd/internal/httpapi"
	"analysisd/internal/metrics"
	"analysisd/internal/migration"
	"analysisd/internal/reports"
	"analysisd/internal/runtime/supervisor"
	"analysisd/internal/storage"
	"analysisd/internal/task/scheduler"
	"analysisd/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// Notifier reports service state to the init system. The default is
// daemon.SdNotify, which is a no-op outside systemd.
type Notifier func(state string) (bool, error)

type Option func(*App)

func WithNotifier(fn Notifier) Option {
	return func(a *App) {
		if fn != nil {
			a.notify = fn
		}
	}
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(log logx.Logger) Option { return func(a *App) { a.log = log } }

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	metrics  *metrics.Metrics
	sched    *scheduler.Service
	launcher *migration.Launcher
	http     *httpapi.Server

	runOnStart  bool
	grace       time.Duration
	notify      Notifier
	coordCancel context.CancelFunc
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) }}
	for _, o := range opts {
		o(a)
	}
	if a.log.IsZero() {
		a.logs, a.log = logx.New(mapLoggingConfig(cfg.Logging))
	}
	log := a.log
	a.log = log.With(logx.String("comp", "app"))

	a.bus = eventbus.New()
	a.metrics = metrics.New()

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		if a.store, err = storage.Open(sc, log); err != nil {
			return nil, err
		}
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		a.log.Warn("storage disabled; computation runs and report submission will fail")
	}

	mig, err := newMigrator(cfg.Migration, log)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	grace, err := migrationGrace(cfg.Migration)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	lopts := []migration.Option{migration.WithGracePeriod(grace), migration.WithObserver(a.metrics)}
	if a.store != nil {
		lopts = append(lopts, migration.WithRunStore(a.store))
	}
	a.launcher = migration.NewLauncher(mig, log, a.bus, lopts...)
	a.runOnStart = cfg.Migration.RunOnStart
	a.grace = grace

	schedCfg, err := mapSchedulerConfig(cfg.Computation)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	obs := taskObservers{a.metrics}
	if a.store != nil {
		obs = append(obs, runAudit{store: a.store, log: a.log})
	}
	proc := reports.NewProcessor(a.store, log, reports.WithBatch(cfg.Computation.Batch))
	if a.sched, err = scheduler.New(schedCfg, proc, log, a.bus, scheduler.WithObserver(obs)); err != nil {
		a.closeStore()
		return nil, err
	}

	if cfg.HTTP.Enabled {
		hc, err := mapHTTPConfig(cfg.HTTP)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		a.http = httpapi.New(hc, httpapi.Deps{
			Migrations:  a.launcher,
			Computation: a.sched,
			Store:       a.store,
			Metrics:     a.metrics,
		}, log)
	}
	return a, nil
}

func (a *App) Store() storage.Store { return a.store }

// ReopenLogs reopens the log file after an external rotation.
func (a *App) ReopenLogs() {
	if a.logs != nil {
		a.logs.Reopen()
		a.log.Info("log file reopened")
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings components up in dependency order and signals host readiness
// once the HTTP listener is bound.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Coordinators outlive the app context so Stop can drain them.
	coordCtx, cancel := context.WithCancel(context.WithoutCancel(a.sup.Context()))
	a.coordCancel = cancel

	// Only the daemon claims reports, so only it may take back stale claims.
	if a.store != nil {
		if _, err := a.store.RequeueStale(ctx); err != nil {
			return fmt.Errorf("requeue stale reports: %w", err)
		}
	}

	a.launcher.Start(coordCtx)

	if a.http != nil {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return err
		}
		wait, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		select {
		case <-a.http.Ready():
		case <-wait.Done():
			return fmt.Errorf("http not listening: %w", wait.Err())
		}
	}

	a.sup.Go0("eventbus.log", a.eventLoop)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sched.OnHostReady(coordCtx)

	if ok, err := a.notify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	if a.runOnStart {
		if a.launcher.Launch() {
			a.log.Info("migration launched on start")
		}
	}

	a.log.Info("app started")
	return nil
}

func (a *App) eventLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// Debug only; schedulers can be frequent.
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// reloadLoop applies logging changes live. Every other section needs a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}

			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			if a.logs != nil {
				a.logs.Apply(mapLoggingConfig(newCfg.Logging))
			}
			if pending := config.RestartRequired(sections); len(pending) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(pending, ",")))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// Stop drains components in reverse dependency order. Each step is bounded
// and a stuck step is logged, never escalated.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.notify(daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	step := a.stepper(ctx)

	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})

	// The two coordinators are independent; drain them together.
	step("coordinators", 2*a.grace+time.Second, func(c context.Context) error {
		g, gctx := errgroup.WithContext(c)
		g.Go(func() error { return a.sched.Shutdown(gctx) })
		g.Go(func() error { a.launcher.Stop(gctx); return nil })
		return g.Wait()
	})
	if a.coordCancel != nil {
		a.coordCancel()
	}

	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	if errors.Is(err, storage.ErrClosed) {
		return nil
	}
	return err
}

// stepper runs shutdown steps with an upper bound so one component cannot
// stall the whole stop. The caller's deadline is never extended.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}
}
