package rpcobj

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qfabric/qfabric/internal/qlog"
	"github.com/qfabric/qfabric/internal/wire"
	"github.com/qfabric/qfabric/internal/worker"
)

// Sender is the subset of router.Router an object thread needs: the
// ability to send a reply back to whoever issued the request.
type Sender interface {
	SendMessage(msg wire.Message) error
}

// objectThread is the single dedicated goroutine that executes every
// method call and lock operation for one RPC object, one at a time —
// spec §5's "one worker per RPC object" invariant, grounded on rpc.py's
// _RpcThread. Requests queue on inbox and are processed strictly in
// order; nothing about a single object's state is ever touched from two
// goroutines at once.
type objectThread struct {
	name   string
	obj    Object
	lock   *lockState
	sender Sender
	logger *slog.Logger

	inbox chan wire.Message
	w     *worker.Worker
}

func newObjectThread(name string, obj Object, sender Sender, logger *slog.Logger) *objectThread {
	return &objectThread{
		name:   name,
		obj:    obj,
		lock:   &lockState{},
		sender: sender,
		logger: qlog.Default(logger),
		inbox:  make(chan wire.Message, 32),
	}
}

func (t *objectThread) start(ctx context.Context) {
	t.w = worker.Start(ctx, t.run, nil)
}

func (t *objectThread) shutdown() {
	t.w.ShutdownAndWait()
}

// push enqueues a request for this object. It returns at once while the
// inbox has buffer space left and blocks the caller while the inbox is
// full, until the object's thread takes a message off it.
func (t *objectThread) push(msg wire.Message) {
	t.inbox <- msg
}

func (t *objectThread) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.rejectRemaining()
			return
		case msg := <-t.inbox:
			t.handle(msg)
		}
	}
}

func (t *objectThread) rejectRemaining() {
	for {
		select {
		case msg := <-t.inbox:
			t.replyError(msg, wire.ErrKindIllegalState, "object is shutting down")
		default:
			return
		}
	}
}

func (t *objectThread) handle(msg wire.Message) {
	switch msg.Kind {
	case wire.KindLockRequest:
		t.handleLockRequest(msg)
	case wire.KindMethodRequest:
		t.handleMethodRequest(msg)
	default:
		t.logger.Warn("object thread received unexpected message kind",
			qlog.LabelObject.L(t.name), qlog.LabelMessageKind.L(msg.Kind))
	}
}

// handleLockRequest is dispatched on a path that never consults the
// object's lock state before running — lock/unlock/force-unlock/is-locked
// must always be processable regardless of current lock state. See
// DESIGN.md's "Lock bypass mechanism" Open Question resolution.
func (t *objectThread) handleLockRequest(msg wire.Message) {
	switch msg.MethodName {
	case "Lock":
		if err := t.lock.tryLock(msg.LockToken, msg.Source.ContextName); err != nil {
			t.replyError(msg, wire.ErrKindLocked, err.Error())
			return
		}
		t.replyResult(msg, wire.String(msg.LockToken))
	case "Unlock":
		if err := t.lock.unlock(msg.LockToken); err != nil {
			kind := wire.ErrKindIllegalState
			if err == ErrWrongToken {
				kind = wire.ErrKindLocked
			}
			t.replyError(msg, kind, err.Error())
			return
		}
		t.replyResult(msg, wire.Bool(true))
	case "ForceUnlock":
		t.lock.forceUnlock()
		t.replyResult(msg, wire.Bool(true))
	case "IsLocked":
		locked, token, contextName := t.lock.status()
		t.replyResult(msg, wire.Record("lock_status", map[string]wire.Value{
			"locked":  wire.Bool(locked),
			"token":   wire.String(token),
			"context": wire.String(contextName),
		}))
	default:
		t.replyError(msg, wire.ErrKindIllegalState, fmt.Sprintf("unknown lock operation %q", msg.MethodName))
	}
}

func (t *objectThread) handleMethodRequest(msg wire.Message) {
	if err := t.lock.checkLocked(msg.LockToken); err != nil {
		t.replyError(msg, wire.ErrKindLocked, err.Error())
		return
	}
	fn, ok := t.obj.Methods()[msg.MethodName]
	if !ok {
		t.replyError(msg, wire.ErrKindUnknownMethod, fmt.Sprintf("object %q has no method %q", t.name, msg.MethodName))
		return
	}
	result, err := fn(msg.Args, msg.Kwargs)
	if err != nil {
		t.replyError(msg, wire.ErrKindApplicationError, err.Error())
		return
	}
	t.replyResult(msg, result)
}

func (t *objectThread) replyResult(req wire.Message, result wire.Value) {
	reply := wire.Message{
		Kind:        wire.KindReply,
		RequestID:   req.RequestID,
		Source:      req.Destination,
		Destination: req.Source,
		Result:      result,
	}
	if err := t.sender.SendMessage(reply); err != nil {
		t.logger.Warn("failed to send rpc reply", qlog.LabelError.L(err))
	}
}

func (t *objectThread) replyError(req wire.Message, kind wire.ErrorKind, msg string) {
	reply := wire.Message{
		Kind:        wire.KindErrorReply,
		RequestID:   req.RequestID,
		Source:      req.Destination,
		Destination: req.Source,
		Error:       &wire.ErrorInfo{Kind: kind, Message: msg},
	}
	if err := t.sender.SendMessage(reply); err != nil {
		t.logger.Warn("failed to send rpc error reply", qlog.LabelError.L(err))
	}
}
