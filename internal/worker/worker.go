// Package worker implements the Cancellable Worker abstraction: a
// goroutine wrapper with idempotent shutdown and an overridable shutdown
// hook, grounded on original_source/qmi/core/thread.py's QMI_Thread and
// adapted to the context.Context + channel idiom grinta's Fabric uses for
// its own background loops (shutdownCh/dropCh/wg in fabric.go).
package worker

import (
	"context"
	"sync"
)

// ShutdownRequester is the overridable hook a worker's owner may supply to
// react to a shutdown request before the worker goroutine observes
// ctx.Done() on its own. It must be safe to call concurrently and must not
// block, mirroring QMI_Thread._request_shutdown's contract.
type ShutdownRequester interface {
	RequestShutdown()
}

// Func is the body a Worker runs. It must return promptly once ctx is done.
type Func func(ctx context.Context)

// Worker wraps a single background goroutine with idempotent Shutdown and
// Wait, analogous to QMI_Thread but built on context cancellation instead
// of a thread-private stop flag.
type Worker struct {
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	req     ShutdownRequester
	started bool
	mu      sync.Mutex
}

// Start launches fn in a new goroutine, derived from parent, and returns a
// Worker that can be used to request it stops. req, if non-nil, is invoked
// exactly once the first time Shutdown is called (before ctx is
// cancelled), the same ordering QMI_Thread.shutdown() guarantees for
// _request_shutdown().
func Start(parent context.Context, fn Func, req ShutdownRequester) *Worker {
	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		cancel: cancel,
		done:   make(chan struct{}),
		req:    req,
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		fn(ctx)
	}()
	return w
}

// Shutdown requests the worker stop. It is safe to call multiple times and
// from multiple goroutines; only the first call has any effect, matching
// QMI_Thread.shutdown()'s idempotency guarantee.
func (w *Worker) Shutdown() {
	w.once.Do(func() {
		if w.req != nil {
			w.req.RequestShutdown()
		}
		w.cancel()
	})
}

// Wait blocks until the worker's Func has returned.
func (w *Worker) Wait() {
	<-w.done
}

// Done returns a channel closed once the worker's Func has returned, for
// use in select statements alongside other shutdown signals.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// ShutdownAndWait is the common Shutdown+Wait sequence.
func (w *Worker) ShutdownAndWait() {
	w.Shutdown()
	w.Wait()
}

// RequesterFunc adapts a plain function to the ShutdownRequester interface.
type RequesterFunc func()

func (f RequesterFunc) RequestShutdown() { f() }
