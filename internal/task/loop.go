package task

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/qfabric/qfabric/internal/qmetrics"
)

// OverrunPolicy controls what LoopTask does when an iteration plus its
// settings/status bookkeeping take longer than the loop period, so the
// next scheduled wakeup has already passed. Mirrors
// QMI_LoopTaskMissedLoopPolicy.
type OverrunPolicy int

const (
	// Immediate starts the next period timer from now, discarding the
	// accumulated lag.
	Immediate OverrunPolicy = iota
	// Skip advances the schedule by as many whole periods as needed to
	// land back in the future, without resetting the phase.
	Skip
	// Terminate stops the task the moment an overrun is detected.
	Terminate
)

// LoopTask is a task that repeats a fixed-period iteration until stopped,
// mirroring QMI_LoopTask's overridable hooks. Embed BaseLoopTask to pick
// up no-op defaults for hooks a given task doesn't need.
type LoopTask interface {
	// LoopPrepare runs once before the first iteration.
	LoopPrepare(rt *Runtime)
	// ProcessNewSettings runs whenever UpdateSettings reports a change.
	ProcessNewSettings(rt *Runtime)
	// LoopIteration runs once per period. A non-nil error stops the loop
	// and is returned from Loop.Run.
	LoopIteration(rt *Runtime) error
	// UpdateStatus recomputes the task's status snapshot and reports
	// whether it changed; implementations call rt.SetStatusValue
	// themselves before returning true.
	UpdateStatus(rt *Runtime) bool
	// PublishSignals runs after UpdateStatus, for signals beyond the
	// built-in settings/status pair.
	PublishSignals(rt *Runtime)
	// LoopFinalize runs once after the loop exits, including on error.
	LoopFinalize(rt *Runtime)
}

// BaseLoopTask supplies no-op defaults for every LoopTask hook so a
// concrete loop task only needs to implement LoopIteration.
type BaseLoopTask struct{}

func (BaseLoopTask) LoopPrepare(*Runtime)        {}
func (BaseLoopTask) ProcessNewSettings(*Runtime) {}
func (BaseLoopTask) UpdateStatus(*Runtime) bool  { return false }
func (BaseLoopTask) PublishSignals(*Runtime)     {}
func (BaseLoopTask) LoopFinalize(*Runtime)       {}

// Loop adapts a LoopTask plus a period and overrun policy into a Task,
// the way QMI_LoopTask wraps its subclasses' run() around their hooks.
// MetricSink is optional; a nil sink discards overrun counts.
type Loop struct {
	Body       LoopTask
	Period     time.Duration
	Policy     OverrunPolicy
	MetricSink metrics.MetricSink
}

// Run implements Task.
func (l *Loop) Run(ctx context.Context, rt *Runtime) error {
	msink := qmetrics.Sink(l.MetricSink)
	l.Body.LoopPrepare(rt)
	defer l.Body.LoopFinalize(rt)

	nextTime := time.Now().Add(l.Period)
	for !rt.StopRequested() {
		if rt.UpdateSettings() {
			l.Body.ProcessNewSettings(rt)
		}

		if err := l.Body.LoopIteration(rt); err != nil {
			return err
		}

		if l.Body.UpdateStatus(rt) {
			rt.PublishStatusUpdated()
		}
		l.Body.PublishSignals(rt)

		timeToSleep := time.Until(nextTime)
		if timeToSleep > 0 {
			if err := rt.Sleep(ctx, timeToSleep); err != nil {
				if errors.Is(err, ErrStopped) {
					break
				}
				return err
			}
			nextTime = nextTime.Add(l.Period)
			continue
		}

		msink.IncrCounter(qmetrics.MetricTaskOverrunCount, 1)
		switch l.Policy {
		case Immediate:
			nextTime = time.Now().Add(l.Period)
		case Skip:
			periodsMissed := int(float64(l.Period-timeToSleep) / float64(l.Period))
			if periodsMissed < 1 {
				periodsMissed = 1
			}
			nextTime = nextTime.Add(l.Period * time.Duration(periodsMissed))
			if err := rt.Sleep(ctx, time.Until(nextTime)); err != nil {
				if errors.Is(err, ErrStopped) {
					return nil
				}
				return err
			}
			nextTime = nextTime.Add(l.Period)
		case Terminate:
			rt.requestStop()
		}
	}
	return nil
}
