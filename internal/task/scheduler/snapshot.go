package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()

	snap := Snapshot{
		Name:      s.cfg.Name,
		Schedule:  s.desc,
		Ready:     ready,
		Stopped:   s.stopped.Load(),
		Running:   s.running.Load(),
		QueueLen:  len(s.manual),
		QueueCap:  cap(s.manual),
		Scheduled: s.scheduled.Load(),
		Manual:    s.manualN.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
	if n := s.next.Load(); n != 0 {
		snap.NextRun = time.Unix(0, n)
	}

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()

	if n := len(snap.History); n > 0 {
		last := snap.History[n-1]
		snap.LastRun = &last
	}
	return snap
}
