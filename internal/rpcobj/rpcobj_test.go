package rpcobj_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qfabric/qfabric/internal/rpcobj"
	"github.com/qfabric/qfabric/internal/router"
	"github.com/qfabric/qfabric/internal/wire"
)

type echoObject struct{}

func (echoObject) Category() string { return "rpc" }
func (echoObject) Methods() map[string]rpcobj.MethodFunc {
	return map[string]rpcobj.MethodFunc{
		"Echo": func(args, kwargs wire.Value) (wire.Value, error) {
			return args, nil
		},
		"Fail": func(args, kwargs wire.Value) (wire.Value, error) {
			return wire.Value{}, assertErr
		},
	}
}

var assertErr = errFail{}

type errFail struct{}

func (errFail) Error() string { return "deliberate failure" }

func newTestManager(t *testing.T) (*rpcobj.Manager, *router.Router) {
	t.Helper()
	r := router.New("ctx-a", nil)
	m := rpcobj.NewManager(context.Background(), "ctx-a", r, nil, nil)
	require.NoError(t, r.RegisterMessageHandler(rpcobj.ReplyObjectName, m.ReplyHandler()))
	t.Cleanup(m.Shutdown)
	return m, r
}

func TestProxyCallRoundTrip(t *testing.T) {
	m, r := newTestManager(t)
	require.NoError(t, m.MakeObject("echo", echoObject{}))
	require.NoError(t, r.RegisterMessageHandler("echo", m.HandlerFor("echo")))

	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "echo"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := p.Call(ctx, "Echo", wire.String("hello"), wire.Null())
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Str)
}

func TestProxyCallUnknownMethod(t *testing.T) {
	m, r := newTestManager(t)
	require.NoError(t, m.MakeObject("echo", echoObject{}))
	require.NoError(t, r.RegisterMessageHandler("echo", m.HandlerFor("echo")))

	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "echo"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := p.Call(ctx, "DoesNotExist", wire.Null(), wire.Null())
	require.Error(t, err)
	var remote *rpcobj.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, wire.ErrKindUnknownMethod, remote.Kind)
}

func TestProxyCallApplicationError(t *testing.T) {
	m, r := newTestManager(t)
	require.NoError(t, m.MakeObject("echo", echoObject{}))
	require.NoError(t, r.RegisterMessageHandler("echo", m.HandlerFor("echo")))

	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "echo"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := p.Call(ctx, "Fail", wire.Null(), wire.Null())
	require.Error(t, err)
	var remote *rpcobj.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, wire.ErrKindApplicationError, remote.Kind)
}

func TestProxyCallUnknownReceiver(t *testing.T) {
	m, _ := newTestManager(t)
	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "nonexistent"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := p.Call(ctx, "Echo", wire.Null(), wire.Null())
	require.Error(t, err)
	var remote *rpcobj.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, wire.ErrKindUnknownReceiver, remote.Kind)
}

func TestProxyLockUnlockRoundTrip(t *testing.T) {
	m, r := newTestManager(t)
	require.NoError(t, m.MakeObject("echo", echoObject{}))
	require.NoError(t, r.RegisterMessageHandler("echo", m.HandlerFor("echo")))

	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "echo"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	token, err := p.Lock(ctx, "my-token", 0)
	require.NoError(t, err)
	assert.Equal(t, "my-token", token)

	locked, lockToken, _, err := p.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, "my-token", lockToken)

	require.NoError(t, p.Unlock(ctx, "my-token"))

	locked, _, _, err = p.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestProxyLockBlocksSecondCallerUntilForceUnlock(t *testing.T) {
	m, r := newTestManager(t)
	require.NoError(t, m.MakeObject("echo", echoObject{}))
	require.NoError(t, r.RegisterMessageHandler("echo", m.HandlerFor("echo")))

	addr := wire.Address{ContextName: "ctx-a", ObjectName: "echo"}
	p1 := m.MakeProxy(addr)
	p2 := m.MakeProxy(addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := p1.Lock(ctx, "token-1", 0)
	require.NoError(t, err)

	// p2 calling Echo while locked by p1 must fail.
	_, err = p2.Call(ctx, "Echo", wire.Null(), wire.Null())
	require.Error(t, err)
	var remote *rpcobj.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, wire.ErrKindLocked, remote.Kind)

	require.NoError(t, p1.ForceUnlock(ctx))

	result, err := p2.Call(ctx, "Echo", wire.Int(42), wire.Null())
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.Int)
}

func TestProxyCallNonBlockingFuture(t *testing.T) {
	m, r := newTestManager(t)
	require.NoError(t, m.MakeObject("echo", echoObject{}))
	require.NoError(t, r.RegisterMessageHandler("echo", m.HandlerFor("echo")))

	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "echo"})
	fut, err := p.CallNonBlocking("Echo", wire.String("async"), wire.Null(), 2*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "async", result.Str)
}

func TestObjectThreadProcessesSequentially(t *testing.T) {
	m, r := newTestManager(t)
	require.NoError(t, m.MakeObject("echo", echoObject{}))
	require.NoError(t, r.RegisterMessageHandler("echo", m.HandlerFor("echo")))

	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "echo"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		result, err := p.Call(ctx, "Echo", wire.Int(int64(i)), wire.Null())
		require.NoError(t, err)
		assert.Equal(t, int64(i), result.Int)
	}
}

func TestManagerPeerContextRemovedFailsPendingCallsWithPeerLost(t *testing.T) {
	m, r := newTestManager(t)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, m.MakeObject("blocker", blockingObject{release: release}))
	require.NoError(t, r.RegisterMessageHandler("blocker", m.HandlerFor("blocker")))

	// register() runs synchronously inside CallNonBlocking before the
	// request is even sent, so the pending entry is indexed under ctx-a
	// the moment this call returns, whether or not the object thread has
	// picked the request up yet.
	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "blocker"})
	fut, err := p.CallNonBlocking("Block", wire.Null(), wire.Null(), 0)
	require.NoError(t, err)

	m.PeerContextRemoved("ctx-a")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = fut.Wait(ctx)
	require.Error(t, err)
	var remote *rpcobj.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, wire.ErrKindPeerLost, remote.Kind)
}

func TestManagerPeerContextRemovedLeavesOtherPeersPending(t *testing.T) {
	m, r := newTestManager(t)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, m.MakeObject("blocker", blockingObject{release: release}))
	require.NoError(t, r.RegisterMessageHandler("blocker", m.HandlerFor("blocker")))

	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "blocker"})
	fut, err := p.CallNonBlocking("Block", wire.Null(), wire.Null(), 0)
	require.NoError(t, err)

	m.PeerContextRemoved("ctx-zzz") // unrelated peer

	require.False(t, fut.Done())
}

type blockingObject struct {
	release <-chan struct{}
}

func (blockingObject) Category() string { return "rpc" }
func (o blockingObject) Methods() map[string]rpcobj.MethodFunc {
	return map[string]rpcobj.MethodFunc{
		"Block": func(args, kwargs wire.Value) (wire.Value, error) {
			<-o.release
			return wire.Null(), nil
		},
	}
}

func TestProxyCallThreadsKeywordArguments(t *testing.T) {
	m, r := newTestManager(t)
	require.NoError(t, m.MakeObject("echo", kwargEchoObject{}))
	require.NoError(t, r.RegisterMessageHandler("echo", m.HandlerFor("echo")))

	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "echo"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := p.Call(ctx, "EchoKwargs", wire.String("pos"), wire.String("kw"))
	require.NoError(t, err)
	assert.Equal(t, "pos", result.Map["args"].Str)
	assert.Equal(t, "kw", result.Map["kwargs"].Str)
}

func TestFutureCancelDiscardsLateReplyAndFreesSubsequentCall(t *testing.T) {
	m, r := newTestManager(t)
	require.NoError(t, m.MakeObject("echo", echoObject{}))
	require.NoError(t, r.RegisterMessageHandler("echo", m.HandlerFor("echo")))

	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "echo"})
	fut, err := p.CallNonBlocking("Echo", wire.String("first"), wire.Null(), 2*time.Second)
	require.NoError(t, err)

	fut.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = fut.Wait(ctx)
	require.ErrorIs(t, err, rpcobj.ErrFutureCancelled)

	// A subsequent call on the same proxy still succeeds.
	result, err := p.Call(ctx, "Echo", wire.String("second"), wire.Null())
	require.NoError(t, err)
	assert.Equal(t, "second", result.Str)
}

func TestFutureWaitForgetsPendingEntryOnContextDone(t *testing.T) {
	m, r := newTestManager(t)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, m.MakeObject("blocker", blockingObject{release: release}))
	require.NoError(t, r.RegisterMessageHandler("blocker", m.HandlerFor("blocker")))

	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "blocker"})
	fut, err := p.CallNonBlocking("Block", wire.Null(), wire.Null(), 0)
	require.NoError(t, err)

	callCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = fut.Wait(callCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The pending entry must already be gone: a peer-lost notification for
	// ctx-a right after the deadline must find nothing left over from this
	// call to fail.
	m.PeerContextRemoved("ctx-a")
	require.False(t, fut.Done())
}

type kwargEchoObject struct{}

func (kwargEchoObject) Category() string { return "rpc" }
func (kwargEchoObject) Methods() map[string]rpcobj.MethodFunc {
	return map[string]rpcobj.MethodFunc{
		"EchoKwargs": func(args, kwargs wire.Value) (wire.Value, error) {
			return wire.Record("echo_kwargs", map[string]wire.Value{
				"args":   args,
				"kwargs": kwargs,
			}), nil
		},
	}
}

func TestRemoveObjectRejectsFurtherDispatch(t *testing.T) {
	m, r := newTestManager(t)
	require.NoError(t, m.MakeObject("echo", echoObject{}))
	require.NoError(t, r.RegisterMessageHandler("echo", m.HandlerFor("echo")))
	require.NoError(t, m.RemoveObject("echo"))
	r.UnregisterMessageHandler("echo")

	p := m.MakeProxy(wire.Address{ContextName: "ctx-a", ObjectName: "echo"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := p.Call(ctx, "Echo", wire.Null(), wire.Null())
	require.Error(t, err)
	var remote *rpcobj.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, wire.ErrKindUnknownReceiver, remote.Kind)
}
