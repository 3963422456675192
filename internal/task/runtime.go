// Package task implements the Cooperative Task: a background activity
// running in its own goroutine, with a settings/status sync pattern and
// two built-in signals (sig_settings_updated, sig_status_updated).
// Grounded on original_source/qmi/core/task.py's QMI_Task / QMI_LoopTask /
// _TaskThread / QMI_TaskRunner.
package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/qfabric/qfabric/internal/pubsub"
	"github.com/qfabric/qfabric/internal/wire"
)

const (
	// SignalSettingsUpdated is published whenever UpdateSettings pulls a
	// pending settings value into effect.
	SignalSettingsUpdated = "sig_settings_updated"
	// SignalStatusUpdated is published by loop tasks whenever UpdateStatus
	// reports a change; free-form tasks may publish it too via
	// Runtime.PublishStatusUpdated.
	SignalStatusUpdated = "sig_status_updated"
)

// ErrStopped is returned by Sleep (and may be checked by Task.Run) when
// the task received a stop request, mirroring QMI_TaskStopException.
var ErrStopped = errors.New("task: stop requested")

// Runtime is the task-facing handle passed into Task.Run: it exposes
// cooperative stop checking, interruptible sleep, and the settings/status
// sync primitives every QMI_Task subclass gets via self.settings/
// self.status/update_settings(). One Runtime exists per Runner.
type Runtime struct {
	name    string
	signals *pubsub.Manager

	stopCh   chan struct{}
	stopOnce sync.Once

	mu              sync.Mutex
	settings        wire.Value
	pendingSettings *wire.Value
	status          wire.Value
}

func newRuntime(name string, signals *pubsub.Manager) *Runtime {
	return &Runtime{
		name:     name,
		signals:  signals,
		stopCh:   make(chan struct{}),
		settings: wire.Null(),
		status:   wire.Null(),
	}
}

func (rt *Runtime) requestStop() {
	rt.stopOnce.Do(func() { close(rt.stopCh) })
}

// StopRequested reports whether the task should stop as soon as possible.
func (rt *Runtime) StopRequested() bool {
	select {
	case <-rt.stopCh:
		return true
	default:
		return false
	}
}

// Sleep pauses for duration d, returning ErrStopped immediately if a stop
// request arrives first, or ctx.Err() if ctx is done first. Task code
// should use this instead of time.Sleep so a stop request is honoured
// promptly, matching QMI_Task.sleep().
func (rt *Runtime) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if rt.StopRequested() {
			return ErrStopped
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-rt.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSettings stages a new settings value for the task to pick up next
// time it calls UpdateSettings. Only the most recently staged value is
// kept, matching the original's maxlen=1 settings fifo.
func (rt *Runtime) SetSettings(s wire.Value) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	v := s
	rt.pendingSettings = &v
}

// GetSettings returns the settings value currently in effect.
func (rt *Runtime) GetSettings() wire.Value {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.settings
}

// GetPendingSettings peeks at a staged settings value without consuming
// it, returning wire.Null if nothing is pending.
func (rt *Runtime) GetPendingSettings() wire.Value {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pendingSettings == nil {
		return wire.Null()
	}
	return *rt.pendingSettings
}

// UpdateSettings pulls any staged settings into effect and publishes
// SignalSettingsUpdated. Returns true if settings actually changed.
func (rt *Runtime) UpdateSettings() bool {
	rt.mu.Lock()
	if rt.pendingSettings == nil {
		rt.mu.Unlock()
		return false
	}
	rt.settings = *rt.pendingSettings
	rt.pendingSettings = nil
	newSettings := rt.settings
	rt.mu.Unlock()

	if rt.signals != nil {
		rt.signals.Publish(rt.name, SignalSettingsUpdated, newSettings)
	}
	return true
}

// Status returns the task's current status snapshot.
func (rt *Runtime) Status() wire.Value {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.status
}

// SetStatusValue updates the task's status snapshot. Unlike settings,
// status flows one way — only the task itself calls this, matching
// self.status being writable only from within the task.
func (rt *Runtime) SetStatusValue(v wire.Value) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.status = v
}

// PublishStatusUpdated publishes the current status as SignalStatusUpdated.
func (rt *Runtime) PublishStatusUpdated() {
	if rt.signals != nil {
		rt.signals.Publish(rt.name, SignalStatusUpdated, rt.Status())
	}
}
