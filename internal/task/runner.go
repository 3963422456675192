package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/qfabric/qfabric/internal/pubsub"
	"github.com/qfabric/qfabric/internal/wire"
)

// Task is a background activity run by a Runner. ctx is cancelled when the
// owning qfabric Context shuts down; rt carries the cooperative stop
// signal and the settings/status sync primitives. Returning ErrStopped is
// equivalent to returning nil: both end the run cleanly.
type Task interface {
	Run(ctx context.Context, rt *Runtime) error
}

// Func adapts a plain function to Task, for tasks with no settings/status
// bookkeeping of their own.
type Func func(ctx context.Context, rt *Runtime) error

func (f Func) Run(ctx context.Context, rt *Runtime) error { return f(ctx, rt) }

// State is a Runner's lifecycle state, mirroring _TaskThread's state
// machine (INITIAL/READY_TO_RUN/RUNNING/TASK_COMPLETED_NORMALLY/
// EXCEPTION_WHILE_RUNNING_TASK/TASK_STOPPED_BEFORE_START), collapsed since
// Go gives us construct-and-launch as a single step.
type State int

const (
	StateReady State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateStoppedBeforeStart
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateStoppedBeforeStart:
		return "stopped-before-start"
	default:
		return "unknown"
	}
}

// ErrAlreadyStarted is returned by Start when the runner was already
// started once; a Runner cannot be restarted, matching QMI_TaskRunner's
// "task ... cannot be restarted" usage error.
var ErrAlreadyStarted = errors.New("task: already started")

// Runner drives one Task on its own goroutine and exposes the
// start/stop/join/settings/status surface QMI_TaskRunner provides as an
// RPC object over rpcobj.Object (see object.go in this package).
//
// Unlike most of this codebase's background loops, Runner does not wrap
// internal/worker.Worker: a task's lifecycle (ready/running/stopped-
// before-start, success-vs-failure join) is richer than Worker's plain
// cancel-and-wait contract, so it manages its own goroutine directly,
// built on the same context-first idiom.
type Runner struct {
	name          string
	taskClassName string

	rt *Runtime

	startCh chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	started bool
	state   State
	err     error
}

// NewRunner constructs a Runner for fn, launching its goroutine
// immediately but gated behind Start: the goroutine blocks until Start is
// called, ctx is cancelled, or Stop is called first.
func NewRunner(ctx context.Context, taskClassName, name string, signals *pubsub.Manager, fn Task) *Runner {
	r := &Runner{
		name:          name,
		taskClassName: taskClassName,
		rt:            newRuntime(name, signals),
		startCh:       make(chan struct{}),
		done:          make(chan struct{}),
		state:         StateReady,
	}
	go r.loop(ctx, fn)
	return r
}

func (r *Runner) loop(ctx context.Context, fn Task) {
	defer close(r.done)

	select {
	case <-r.startCh:
	case <-ctx.Done():
		r.mu.Lock()
		if r.state == StateReady {
			r.state = StateStoppedBeforeStart
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	if r.state == StateStoppedBeforeStart {
		r.mu.Unlock()
		return
	}
	r.state = StateRunning
	r.mu.Unlock()

	err := runSafely(ctx, fn, r.rt)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case errors.Is(err, ErrStopped), err == nil:
		r.state = StateCompleted
	default:
		r.state = StateFailed
		r.err = err
	}
}

func runSafely(ctx context.Context, fn Task, rt *Runtime) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task: panic: %v", p)
		}
	}()
	return fn.Run(ctx, rt)
}

// Start releases the task's goroutine to begin running. It may be called
// at most once.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("%w: task %q", ErrAlreadyStarted, r.name)
	}
	r.started = true
	r.mu.Unlock()
	close(r.startCh)
	return nil
}

// Stop requests the task stop as soon as possible. Safe to call before
// Start (in which case the task never runs at all) or after the task has
// already finished, in which case it has no effect.
func (r *Runner) Stop() {
	r.rt.requestStop()

	r.mu.Lock()
	already := r.started
	if !already && r.state == StateReady {
		r.state = StateStoppedBeforeStart
		r.started = true
	}
	r.mu.Unlock()

	if !already {
		close(r.startCh)
	}
}

// Join blocks until the task's goroutine has exited, or ctx is done first.
// It returns the task's error, if it failed.
func (r *Runner) Join(ctx context.Context) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// IsRunning reports whether the task is currently executing.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateRunning
}

// State reports the runner's current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// GetTaskClassName returns the task's registered class name, as surfaced
// by the get_task_class_name RPC method.
func (r *Runner) GetTaskClassName() string { return r.taskClassName }

// SetSettings stages new settings for the task to pick up.
func (r *Runner) SetSettings(s wire.Value) { r.rt.SetSettings(s) }

// GetSettings returns the settings currently in effect.
func (r *Runner) GetSettings() wire.Value { return r.rt.GetSettings() }

// GetPendingSettings peeks at a staged settings value, if any.
func (r *Runner) GetPendingSettings() wire.Value { return r.rt.GetPendingSettings() }

// GetStatus returns the task's current status snapshot.
func (r *Runner) GetStatus() wire.Value { return r.rt.Status() }
