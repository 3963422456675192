// Package router implements the Message Router: point-to-point delivery to
// either a locally registered handler or a remote peer, with no
// store-and-forward (spec §4.2/§4.3). Grounded on messaging.py's
// MessageRouter, which owns the same two halves (a local dispatch table,
// and delegation to _SocketManager for anything destined off-process).
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qfabric/qfabric/internal/qlog"
	"github.com/qfabric/qfabric/internal/transport"
	"github.com/qfabric/qfabric/internal/wire"
)

// Handler receives messages addressed to one locally registered object
// name, the Go equivalent of messaging.py's QMI_MessageHandler.
type Handler interface {
	HandleMessage(msg wire.Message)
}

// PeerObserver is implemented by components (the signal manager, in
// particular) that need to react when a peer context connects or
// disconnects, e.g. to drop remote subscriptions for a lost peer.
type PeerObserver interface {
	PeerContextAdded(name string)
	PeerContextRemoved(name string)
}

// Router is the Message Router.
type Router struct {
	contextName string
	logger      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	obsMu     sync.RWMutex
	observers []PeerObserver

	transport *transport.Manager
}

// New creates a Router bound to contextName. Transport is attached
// separately via AttachTransport once the socket manager is constructed,
// mirroring messaging.py's two-step MessageRouter.__init__ / start_tcp_server.
func New(contextName string, logger *slog.Logger) *Router {
	return &Router{
		contextName: contextName,
		logger:      qlog.Default(logger),
		handlers:    make(map[string]Handler),
	}
}

func (r *Router) AttachTransport(t *transport.Manager) {
	r.transport = t
}

func (r *Router) AddObserver(o PeerObserver) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

// RegisterMessageHandler binds a Handler to a local object name. Returns an
// error if the name is already taken, matching messaging.py's guard
// against duplicate registration.
func (r *Router) RegisterMessageHandler(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("router: object %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

func (r *Router) UnregisterMessageHandler(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// SendMessage routes msg to its destination: a local handler if
// Destination.ContextName is this context, otherwise the remote peer via
// the transport Manager. This is the only path any component uses to
// deliver a message, whether to another local object or a remote one.
func (r *Router) SendMessage(msg wire.Message) error {
	if msg.Destination.ContextName == r.contextName {
		r.deliverLocal(msg)
		return nil
	}
	if r.transport == nil {
		return fmt.Errorf("router: no transport attached, cannot reach peer %q", msg.Destination.ContextName)
	}
	return r.transport.SendToPeer(msg.Destination.ContextName, msg)
}

func (r *Router) deliverLocal(msg wire.Message) {
	r.mu.RLock()
	h, ok := r.handlers[msg.Destination.ObjectName]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("dropping message to unknown local object",
			qlog.LabelObject.L(msg.Destination.ObjectName))
		if msg.Kind == wire.KindMethodRequest || msg.Kind == wire.KindLockRequest {
			r.replyUnknownReceiver(msg)
		}
		return
	}
	h.HandleMessage(msg)
}

func (r *Router) replyUnknownReceiver(msg wire.Message) {
	reply := wire.Message{
		Kind:        wire.KindErrorReply,
		RequestID:   msg.RequestID,
		Source:      msg.Destination,
		Destination: msg.Source,
		Error: &wire.ErrorInfo{
			Kind:    wire.ErrKindUnknownReceiver,
			Message: fmt.Sprintf("no object named %q on context %q", msg.Destination.ObjectName, msg.Destination.ContextName),
		},
	}
	_ = r.SendMessage(reply)
}

// DeliverFromPeer implements transport.Sink: it is called by the socket
// manager's single dispatch loop for every message read off any peer
// connection.
func (r *Router) DeliverFromPeer(msg wire.Message, peerContext string) {
	r.deliverLocal(msg)
}

func (r *Router) PeerContextAdded(name string) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.PeerContextAdded(name)
	}
}

func (r *Router) PeerContextRemoved(name string) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.PeerContextRemoved(name)
	}
}

// ConnectToPeer, DisconnectFromPeer, HasPeerContext and PeerContextNames
// proxy straight through to the attached transport Manager, so callers
// only need to depend on Router.
func (r *Router) ConnectToPeer(ctx context.Context, addr string) (string, error) {
	if r.transport == nil {
		return "", fmt.Errorf("router: no transport attached")
	}
	return r.transport.ConnectToPeer(ctx, addr)
}

func (r *Router) DisconnectFromPeer(name string) error {
	if r.transport == nil {
		return fmt.Errorf("router: no transport attached")
	}
	return r.transport.DisconnectFromPeer(name)
}

func (r *Router) HasPeerContext(name string) bool {
	if r.transport == nil {
		return false
	}
	return r.transport.HasPeerContext(name)
}

func (r *Router) PeerContextNames() []string {
	if r.transport == nil {
		return nil
	}
	return r.transport.PeerContextNames()
}

func (r *Router) ContextName() string { return r.contextName }
