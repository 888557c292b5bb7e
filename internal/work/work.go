// Package work defines the opaque unit of work handed to the background
// coordinators, and the typed result of running it once.
package work

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// Unit is an opaque, argument-less operation. It may fail by returning an error.
type Unit interface {
	Run(ctx context.Context) error
}

// Func adapts a plain function to Unit.
type Func func(ctx context.Context) error

func (f Func) Run(ctx context.Context) error { return f(ctx) }

// Result is the outcome of a single Execute call.
type Result struct {
	RunID    string
	Started  time.Time
	Duration time.Duration
	Err      error
}

// OK reports whether the run completed without error.
func (r Result) OK() bool { return r.Err == nil }

// PanicError is returned in Result.Err when the unit panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// NewRunID returns a fresh identifier for one execution.
func NewRunID() string { return uuid.NewString() }

// Execute runs u once, converting a panic into a *PanicError.
// now is injectable for tests; nil means time.Now.
func Execute(ctx context.Context, u Unit, now func() time.Time) Result {
	return ExecuteAs(ctx, NewRunID(), u, now)
}

// ExecuteAs is Execute with a run ID chosen by the caller.
func ExecuteAs(ctx context.Context, id string, u Unit, now func() time.Time) (res Result) {
	if now == nil {
		now = time.Now
	}
	res.RunID = id
	res.Started = now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
		res.Duration = now().Sub(res.Started)
	}()
	if u == nil {
		res.Err = fmt.Errorf("work: nil unit")
		return res
	}
	res.Err = u.Run(ctx)
	return res
}
