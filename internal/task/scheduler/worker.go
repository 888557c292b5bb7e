package scheduler

import (
	"context"
	"time"

	"analysisd/internal/eventbus"
	"analysisd/internal/work"
	"analysisd/pkg/logx"
)

// loop is the only goroutine that runs the unit.
//
// target is the absolute time of the next scheduled run. It only moves
// forward along the schedule, so manual runs never shift it. When a run
// overruns one or more targets, the missed ones collapse into a single
// immediate run and the schedule keeps its original grid.
//
// When a scheduled run and a manual request are both ready, the one that
// became due first runs first: a trigger queued while the worker was busy
// past target waits behind that scheduled run.
func (s *Service) loop(ctx context.Context, target time.Time) {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	var pending *request
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if pending == nil {
			select {
			case req := <-s.manual:
				pending = &req
			default:
			}
		}

		due := !target.IsZero() && !time.Now().Before(target)
		switch {
		case pending != nil && (!due || pending.enqueued.Before(target)):
			s.manualN.Add(1)
			s.execute(ctx, TriggerManual, pending.enqueued)
			pending = nil
			continue
		case due:
			s.scheduled.Add(1)
			s.execute(ctx, TriggerScheduled, target)
			target = s.advance(target, time.Now())
			if target.IsZero() {
				s.log.Warn("schedule has no further runs")
				s.next.Store(0)
			} else {
				s.next.Store(target.UnixNano())
			}
			continue
		}

		arm(timer, target)
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case req := <-s.manual:
			pending = &req
		case <-timer.C:
		}
	}
}

// arm points timer at target. A zero target disarms it.
func arm(timer *time.Timer, target time.Time) {
	if target.IsZero() {
		timer.Stop()
		return
	}
	timer.Reset(time.Until(target))
}

// advance returns the first target after prev that is not already behind
// now, except that one overdue target is kept so an overrun is followed by
// an immediate run.
func (s *Service) advance(prev, now time.Time) time.Time {
	next := s.sched.Next(prev)
	for !next.IsZero() {
		after := s.sched.Next(next)
		if after.IsZero() || after.After(now) {
			return next
		}
		next = after
	}
	return next
}

func (s *Service) execute(ctx context.Context, trig Trigger, queued time.Time) {
	s.running.Store(true)
	startEv := TaskEvent{Name: s.cfg.Name, Trigger: trig, Started: time.Now()}
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Data: startEv})

	res := work.Execute(ctx, s.unit, nil)
	s.running.Store(false)

	item := HistoryItem{
		ID:       res.RunID,
		Trigger:  trig,
		Started:  res.Started,
		Duration: res.Duration,
	}
	if d := res.Started.Sub(queued); d > 0 {
		item.QueueDelay = d
	}
	ev := TaskEvent{ID: res.RunID, Name: s.cfg.Name, Trigger: trig, Started: res.Started, Duration: res.Duration}

	if res.Err != nil {
		s.failed.Add(1)
		item.Error = res.Err.Error()
		ev.Error = item.Error
		fields := []logx.Field{
			logx.String("run_id", res.RunID),
			logx.String("trigger", string(trig)),
			logx.Duration("dur", res.Duration),
			logx.Err(res.Err),
		}
		if pe, ok := res.Err.(*work.PanicError); ok {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		s.log.Warn("task.failed", fields...)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
	} else {
		s.log.Debug("task.finished",
			logx.String("run_id", res.RunID),
			logx.String("trigger", string(trig)),
			logx.Duration("dur", res.Duration),
		)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()

	if s.obs != nil {
		s.obs.ObserveTask(s.cfg.Name, item)
	}
}
