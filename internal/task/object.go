package task

import (
	"context"
	"time"

	"github.com/qfabric/qfabric/internal/rpcobj"
	"github.com/qfabric/qfabric/internal/wire"
)

// joinTimeout bounds the Join RPC method's wait so a stuck task can't hang
// the object thread handling it forever; callers that need an unbounded
// wait should drive Runner.Join directly in-process instead.
const joinTimeout = 30 * time.Second

// RunnerObject adapts a Runner to rpcobj.Object, giving it the same
// start/stop/join/settings/status surface QMI_TaskRunner exposes as an
// RPC object.
type RunnerObject struct {
	*Runner
}

// NewRunnerObject wraps r for registration with an rpcobj.Manager.
func NewRunnerObject(r *Runner) *RunnerObject {
	return &RunnerObject{Runner: r}
}

// Category implements rpcobj.Object.
func (*RunnerObject) Category() string { return "task" }

// Methods implements rpcobj.Object.
func (o *RunnerObject) Methods() map[string]rpcobj.MethodFunc {
	return map[string]rpcobj.MethodFunc{
		"start": func(wire.Value, wire.Value) (wire.Value, error) {
			return wire.Null(), o.Start()
		},
		"stop": func(wire.Value, wire.Value) (wire.Value, error) {
			o.Stop()
			return wire.Null(), nil
		},
		"join": func(wire.Value, wire.Value) (wire.Value, error) {
			ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
			defer cancel()
			return wire.Null(), o.Join(ctx)
		},
		"is_running": func(wire.Value, wire.Value) (wire.Value, error) {
			return wire.Bool(o.IsRunning()), nil
		},
		"get_task_class_name": func(wire.Value, wire.Value) (wire.Value, error) {
			return wire.String(o.GetTaskClassName()), nil
		},
		"set_settings": func(args, kwargs wire.Value) (wire.Value, error) {
			o.SetSettings(args)
			return wire.Null(), nil
		},
		"get_settings": func(wire.Value, wire.Value) (wire.Value, error) {
			return o.GetSettings(), nil
		},
		"get_pending_settings": func(wire.Value, wire.Value) (wire.Value, error) {
			return o.GetPendingSettings(), nil
		},
		"get_status": func(wire.Value, wire.Value) (wire.Value, error) {
			return o.GetStatus(), nil
		},
	}
}
