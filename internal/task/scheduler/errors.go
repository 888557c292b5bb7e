package scheduler

import "errors"

var (
	ErrStopped       = errors.New("scheduler stopped")
	ErrQueueFull     = errors.New("scheduler trigger queue full")
	ErrInvalidConfig = errors.New("invalid scheduler config")
)
