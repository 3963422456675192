// Package qfabric is a QMI-style messaging and task runtime: each Context
// is a process that hosts RPC objects and Cooperative Tasks, publishes and
// subscribes to signals, and exchanges messages with peer Contexts over
// TCP, discoverable via UDP broadcast. Grounded on
// original_source/qmi/core/context.py's QMI_Context, composed the way
// grinta's Fabric composes its own gossip/transport/endpoint layers behind
// one Create(opts...)/Shutdown() lifecycle.
package qfabric

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/qfabric/qfabric/internal/introspect"
	"github.com/qfabric/qfabric/internal/pubsub"
	"github.com/qfabric/qfabric/internal/qlog"
	"github.com/qfabric/qfabric/internal/router"
	"github.com/qfabric/qfabric/internal/rpcobj"
	"github.com/qfabric/qfabric/internal/task"
	"github.com/qfabric/qfabric/internal/transport"
	"github.com/qfabric/qfabric/internal/wire"
)

// Context is one runtime process within a workgroup.
type Context struct {
	name   string
	cfg    config
	logger *slog.Logger

	runCtx context.Context
	cancel context.CancelFunc

	router    *router.Router
	objects   *rpcobj.Manager
	signals   *pubsub.Manager
	transport *transport.Manager
	discovery *transport.Responder

	mu           sync.Mutex
	started      bool
	stopHandlers []func()

	shutdownRequested chan struct{}
	shutdownOnce      sync.Once
}

// New constructs a Context named name. The Context does not listen on any
// socket until Start is called.
func New(name string, opts ...Option) (*Context, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: invalid context name %q", ErrInvalidConfig, name)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	if cfg.discoveryBindAddr == "" {
		cfg.discoveryBindAddr = cfg.tcpBindAddr
	}

	var logger *slog.Logger
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	} else {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c := &Context{
		name:              name,
		cfg:               cfg,
		logger:            logger,
		runCtx:            runCtx,
		cancel:            cancel,
		shutdownRequested: make(chan struct{}),
	}

	c.router = router.New(name, logger)
	c.objects = rpcobj.NewManager(runCtx, name, c.router, logger, cfg.msink)
	c.signals = pubsub.NewManager(name, c.router, c.objects, logger, cfg.msink)

	if err := c.router.RegisterMessageHandler(rpcobj.ReplyObjectName, c.objects.ReplyHandler()); err != nil {
		cancel()
		return nil, err
	}
	if err := c.router.RegisterMessageHandler(pubsub.ObjectName, c.signals); err != nil {
		cancel()
		return nil, err
	}
	c.router.AddObserver(c.signals)
	c.router.AddObserver(c.objects)

	// $context is a built-in name and, per is_valid_object_name's own
	// docstring, internal names need not satisfy the public naming rule
	// applied to user-registered objects — register it directly.
	if err := c.registerRpcObject(introspect.ObjectName, introspect.NewContextObject(c.objects, c)); err != nil {
		cancel()
		return nil, err
	}

	return c, nil
}

// Name returns the context's own name.
func (c *Context) Name() string { return c.name }

// Start binds the TCP peer listener and, unless WithoutDiscovery was
// given, the UDP discovery responder. Grounded on QMI_Context.start.
func (c *Context) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	if c.runCtx.Err() != nil {
		return fmt.Errorf("%w: context was stopped and cannot be restarted", ErrAlreadyStarted)
	}

	trCfg := transport.Config{
		BindAddr:         c.cfg.tcpBindAddr,
		BindPort:         c.cfg.tcpBindPort,
		Workgroup:        c.cfg.workgroup,
		ContextName:      c.name,
		ConnectTimeout:   c.cfg.connectTimeout,
		HandshakeTimeout: c.cfg.handshakeTimeout,
		Logger:           c.logger,
		MetricSink:       c.cfg.msink,
	}
	c.transport = transport.NewManager(trCfg, c.router)
	c.router.AttachTransport(c.transport)
	if err := c.transport.Start(c.runCtx); err != nil {
		return fmt.Errorf("qfabric: starting tcp listener: %w", err)
	}

	if !c.cfg.disableDiscovery {
		discCfg := trCfg
		discCfg.BindAddr = c.cfg.discoveryBindAddr
		responder, err := transport.NewResponder(discCfg, tcpPortOf(c.transport.Addr()), os.Getpid(), c.handleKillRequest)
		if err != nil {
			c.transport.Stop()
			return fmt.Errorf("qfabric: starting discovery responder: %w", err)
		}
		c.discovery = responder
		c.discovery.Start(c.runCtx)
	}

	c.started = true
	c.logger.Info("context started", qlog.LabelContext.L(c.name))
	return nil
}

// Stop tears every component down and releases their sockets. A stopped
// Context cannot be started again: Start then returns ErrAlreadyStarted,
// matching QMI_Context's "used" guard.
func (c *Context) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.started = false
	handlers := c.stopHandlers
	c.mu.Unlock()

	for _, h := range handlers {
		h()
	}

	if c.discovery != nil {
		c.discovery.Stop()
	}
	if c.transport != nil {
		c.transport.Stop()
	}
	c.objects.Shutdown()
	c.cancel()
	c.shutdownOnce.Do(func() { close(c.shutdownRequested) })
	c.logger.Info("context stopped", qlog.LabelContext.L(c.name))
	return nil
}

// RegisterStopHandler registers f to run, in registration order, at the
// start of Stop, before any component is torn down — the hook an
// application uses to flush or close its own resources alongside the
// context's shutdown.
func (c *Context) RegisterStopHandler(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopHandlers = append(c.stopHandlers, f)
}

// ShutdownRequested returns a channel closed the moment a peer (or this
// process) issues a soft shutdown request. The owning application should
// watch this channel and call Stop once it has finished any work in
// flight, mirroring how a main program monitors
// QMI_Context._context_shutdown_requested.
func (c *Context) ShutdownRequested() <-chan struct{} {
	return c.shutdownRequested
}

// WaitUntilShutdown blocks until ShutdownRequested fires or ctx is done.
func (c *Context) WaitUntilShutdown(ctx context.Context) error {
	select {
	case <-c.shutdownRequested:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestShutdown implements introspect.Shutdowner. hard exits the
// process immediately; soft only raises ShutdownRequested.
func (c *Context) RequestShutdown(hard bool) {
	if hard {
		c.logger.Info("received hard shutdown request, exiting")
		os.Exit(1)
		return
	}
	c.logger.Info("received soft shutdown request")
	c.shutdownOnce.Do(func() { close(c.shutdownRequested) })
}

func (c *Context) handleKillRequest(contextName string) {
	c.RequestShutdown(true)
}

// MakeRpcObject registers obj under name, reachable by peers as
// "<c.Name()>:name". Grounded on QMI_Context's _internal_make_rpc_object.
func (c *Context) MakeRpcObject(name string, obj rpcobj.Object) error {
	if !validName(name) {
		return fmt.Errorf("%w: invalid object name %q", ErrInvalidConfig, name)
	}
	return c.registerRpcObject(name, obj)
}

// registerRpcObject does the actual registration, shared by MakeRpcObject
// and the built-in objects created in New that fall outside the public
// naming rule (e.g. "$context").
func (c *Context) registerRpcObject(name string, obj rpcobj.Object) error {
	if err := c.objects.MakeObject(name, obj); err != nil {
		return err
	}
	if err := c.router.RegisterMessageHandler(name, c.objects.HandlerFor(name)); err != nil {
		_ = c.objects.RemoveObject(name)
		return err
	}
	return nil
}

// RemoveRpcObject unregisters name, notifying any remote signal
// subscribers that its signals are gone.
func (c *Context) RemoveRpcObject(name string) error {
	if err := c.objects.RemoveObject(name); err != nil {
		return err
	}
	c.router.UnregisterMessageHandler(name)
	c.signals.ObjectRemoved(name)
	return nil
}

// MakeTask constructs a Runner for fn and registers it as an RPC object
// under name, the way QMI_Context.make_task both builds a _TaskThread and
// exposes a QMI_TaskRunner for it.
func (c *Context) MakeTask(taskClassName, name string, fn task.Task) (*task.Runner, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: invalid task name %q", ErrInvalidConfig, name)
	}
	runner := task.NewRunner(c.runCtx, taskClassName, name, c.signals, fn)
	if err := c.MakeRpcObject(name, task.NewRunnerObject(runner)); err != nil {
		return nil, err
	}
	return runner, nil
}

// MakeProxy mints a Proxy for calling methods and lock operations on the
// RPC object named objectName hosted by contextName (which may be this
// Context's own name, for local calls).
func (c *Context) MakeProxy(contextName, objectName string) *rpcobj.Proxy {
	return c.objects.MakeProxy(wire.Address{ContextName: contextName, ObjectName: objectName})
}

// PublishSignal publishes a signal on behalf of the locally hosted object
// objectName.
func (c *Context) PublishSignal(objectName, signalName string, args wire.Value) {
	c.signals.Publish(objectName, signalName, args)
}

// SubscribeSignal subscribes receiver to one publisher's signal, local or
// remote. publisherContext == "" means the publisher is this Context.
func (c *Context) SubscribeSignal(ctx context.Context, publisherContext, publisherName, signalName string, receiver *pubsub.Receiver) error {
	return c.signals.Subscribe(ctx, publisherContext, publisherName, signalName, receiver)
}

// UnsubscribeSignal reverses a prior SubscribeSignal.
func (c *Context) UnsubscribeSignal(publisherContext, publisherName, signalName string, receiver *pubsub.Receiver) error {
	return c.signals.Unsubscribe(publisherContext, publisherName, signalName, receiver)
}

// ConnectToPeer dials addr and performs the handshake, returning the
// remote context's name once connected.
func (c *Context) ConnectToPeer(ctx context.Context, addr string) (string, error) {
	return c.router.ConnectToPeer(ctx, addr)
}

// DisconnectFromPeer closes the connection to the named peer context.
func (c *Context) DisconnectFromPeer(name string) error {
	return c.router.DisconnectFromPeer(name)
}

// HasPeerContext reports whether name is currently a connected peer.
func (c *Context) HasPeerContext(name string) bool {
	return c.router.HasPeerContext(name)
}

// PeerContextNames lists every currently connected peer context.
func (c *Context) PeerContextNames() []string {
	return c.router.PeerContextNames()
}

// GetRpcObjectDescriptors lists every locally registered RPC object.
func (c *Context) GetRpcObjectDescriptors() []rpcobj.Descriptor {
	return c.objects.ObjectDescriptors()
}

// GetRpcObjectDescriptor describes one locally registered RPC object.
func (c *Context) GetRpcObjectDescriptor(name string) (rpcobj.Descriptor, bool) {
	return c.objects.Describe(name)
}

// Addr returns the TCP address this context's peer listener is bound to.
// Only valid after Start.
func (c *Context) Addr() net.Addr {
	if c.transport == nil {
		return nil
	}
	return c.transport.Addr()
}

func tcpPortOf(addr net.Addr) int {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0
	}
	return tcpAddr.Port
}
