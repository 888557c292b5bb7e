package app

import (
	"context"
	"time"

	"analysisd/internal/storage"
	"analysisd/internal/task/scheduler"
	"analysisd/pkg/logx"
)

type taskObservers []scheduler.Observer

func (o taskObservers) ObserveTask(name string, item scheduler.HistoryItem) {
	for _, ob := range o {
		ob.ObserveTask(name, item)
	}
}

// runAudit appends every finished scheduler run to the store.
type runAudit struct {
	store storage.Store
	log   logx.Logger
}

func (a runAudit) ObserveTask(name string, item scheduler.HistoryItem) {
	rec := storage.RunRecord{
		ID:       item.ID,
		Kind:     storage.KindTask,
		Name:     name,
		Trigger:  string(item.Trigger),
		Started:  item.Started,
		Duration: item.Duration,
		Status:   storage.RunSucceeded,
		Error:    item.Error,
	}
	if item.Error != "" {
		rec.Status = storage.RunFailed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.AppendRun(ctx, rec); err != nil {
		a.log.Warn("task audit append failed", logx.String("task", name), logx.Err(err))
	}
}
