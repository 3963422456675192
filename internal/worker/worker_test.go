package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerShutdownIsIdempotent(t *testing.T) {
	var hookCalls int32
	w := Start(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
	}, RequesterFunc(func() { atomic.AddInt32(&hookCalls, 1) }))

	w.Shutdown()
	w.Shutdown()
	w.Shutdown()
	w.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&hookCalls))
}

func TestWorkerWaitBlocksUntilDone(t *testing.T) {
	finished := make(chan struct{})
	w := Start(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		close(finished)
	}, nil)

	select {
	case <-finished:
		t.Fatal("worker finished before shutdown")
	case <-time.After(10 * time.Millisecond):
	}

	w.ShutdownAndWait()
	select {
	case <-finished:
	default:
		t.Fatal("worker did not finish after shutdown")
	}
}
