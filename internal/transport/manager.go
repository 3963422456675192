package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/qfabric/qfabric/internal/qlog"
	"github.com/qfabric/qfabric/internal/qmetrics"
	"github.com/qfabric/qfabric/internal/wire"
	"github.com/qfabric/qfabric/internal/worker"
)

// Sink receives messages decoded off any peer connection. The Manager
// itself never interprets a message's payload; it only frames, handshakes,
// and hands decoded messages to the Sink — the same separation
// messaging.py draws between _SocketManager (transport) and MessageRouter
// (dispatch).
type Sink interface {
	DeliverFromPeer(msg wire.Message, peerContext string)
	PeerContextAdded(peerContext string)
	PeerContextRemoved(peerContext string)
}

type inboundMsg struct {
	msg  wire.Message
	peer string
}

// Manager is the Socket Manager: it owns the TCP listener, the table of
// live peer connections, and one central dispatch loop through which every
// message and every peer-table mutation is serialised — spec §5's
// "single shared socket-manager worker for all socket I/O". Blocking
// net.Conn reads necessarily happen on their own per-connection goroutine
// (Go has no direct equivalent of messaging.py's single-threaded asyncio
// event loop multiplexing non-blocking sockets), but those goroutines do
// nothing except forward frames into the manager's single loop, which is
// where all bookkeeping and dispatch actually happens.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink

	listener net.Listener

	mu    sync.RWMutex
	peers map[string]*PeerConn

	inbound chan inboundMsg
	addCh   chan *PeerConn
	rmCh    chan string

	sink Sink
	w    *worker.Worker
}

// NewManager creates a Manager. Start must be called to begin accepting
// connections.
func NewManager(cfg Config, sink Sink) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		logger:  qlog.Default(cfg.Logger),
		msink:   qmetrics.Sink(cfg.MetricSink),
		peers:   make(map[string]*PeerConn),
		inbound: make(chan inboundMsg, 64),
		addCh:   make(chan *PeerConn),
		rmCh:    make(chan string),
		sink:    sink,
	}
}

// Start binds the TCP listener and launches the accept loop plus the
// central dispatch loop.
func (m *Manager) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", m.cfg.BindAddr, m.cfg.BindPort))
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	m.listener = ln

	m.w = worker.Start(ctx, m.run, worker.RequesterFunc(func() {
		_ = m.listener.Close()
	}))
	go m.acceptLoop(ctx)
	return nil
}

// Addr returns the bound TCP listener address.
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *Manager) Stop() {
	if m.w != nil {
		m.w.ShutdownAndWait()
	}
	m.mu.Lock()
	for _, p := range m.peers {
		_ = p.Close()
	}
	m.mu.Unlock()
}

func (m *Manager) acceptLoop(ctx context.Context) {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				m.logger.Warn("accept failed", qlog.LabelError.L(err))
				return
			}
		}
		go m.serveInbound(ctx, conn)
	}
}

func (m *Manager) serveInbound(ctx context.Context, conn net.Conn) {
	peerName, err := handshake(conn, m.cfg, time.Now().Add(m.cfg.HandshakeTimeout))
	if err != nil {
		m.msink.IncrCounter(qmetrics.MetricHandshakeFailures, 1)
		m.logger.Warn("inbound handshake failed", qlog.LabelError.L(err))
		_ = conn.Close()
		return
	}
	p := &PeerConn{conn: conn, peerContext: peerName}
	m.msink.IncrCounter(qmetrics.MetricPeerConnEstCount, 1)
	m.registerPeer(ctx, p)
}

// ConnectToPeer dials a remote context's TCP endpoint and, on a successful
// handshake, registers it as a peer.
func (m *Manager) ConnectToPeer(ctx context.Context, addr string) (string, error) {
	dialer := net.Dialer{Timeout: m.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.msink.IncrCounter(qmetrics.MetricPeerConnErrCount, 1)
		return "", fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	peerName, err := handshake(conn, m.cfg, time.Now().Add(m.cfg.HandshakeTimeout))
	if err != nil {
		m.msink.IncrCounter(qmetrics.MetricHandshakeFailures, 1)
		_ = conn.Close()
		return "", err
	}
	p := &PeerConn{conn: conn, peerContext: peerName}
	m.msink.IncrCounter(qmetrics.MetricPeerConnEstCount, 1)
	m.registerPeer(ctx, p)
	return peerName, nil
}

func (m *Manager) registerPeer(ctx context.Context, p *PeerConn) {
	select {
	case m.addCh <- p:
	case <-ctx.Done():
		_ = p.Close()
		return
	}
	go m.readLoop(ctx, p)
}

func (m *Manager) readLoop(ctx context.Context, p *PeerConn) {
	defer func() {
		_ = p.Close()
		select {
		case m.rmCh <- p.peerContext:
		case <-ctx.Done():
		}
	}()
	for {
		msg, err := p.Recv()
		if err != nil {
			if err != ErrShuttingDown {
				m.logger.Debug("peer connection closed", qlog.LabelPeer.L(p.peerContext), qlog.LabelError.L(err))
			}
			return
		}
		select {
		case m.inbound <- inboundMsg{msg: msg, peer: p.peerContext}:
		case <-ctx.Done():
			return
		}
	}
}

// run is the single central dispatch loop: every peer-table mutation and
// every inbound message passes through here, so they are serialised with
// each other (spec §5's single-owner rule for the socket manager's shared
// state). m.mu still guards each peer-table write, because SendToPeer and
// the other readers look the table up from their own goroutines.
func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-m.addCh:
			m.mu.Lock()
			m.peers[p.peerContext] = p
			m.mu.Unlock()
			if m.sink != nil {
				m.sink.PeerContextAdded(p.peerContext)
			}
		case name := <-m.rmCh:
			m.mu.Lock()
			delete(m.peers, name)
			m.mu.Unlock()
			if m.sink != nil {
				m.sink.PeerContextRemoved(name)
			}
		case in := <-m.inbound:
			if m.sink != nil {
				m.sink.DeliverFromPeer(in.msg, in.peer)
			}
		}
	}
}

// SendToPeer sends msg to the named peer context.
func (m *Manager) SendToPeer(peerContext string, msg wire.Message) error {
	m.mu.RLock()
	p, ok := m.peers[peerContext]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerContext)
	}
	err := p.Send(msg)
	if err != nil {
		m.msink.IncrCounter(qmetrics.MetricPeerConnErrCount, 1)
	}
	return err
}

// HasPeerContext reports whether peerContext currently has a live connection.
func (m *Manager) HasPeerContext(peerContext string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peers[peerContext]
	return ok
}

// PeerContextNames lists all currently connected peer contexts.
func (m *Manager) PeerContextNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.peers))
	for name := range m.peers {
		names = append(names, name)
	}
	return names
}

// DisconnectFromPeer closes and forgets the named peer connection.
func (m *Manager) DisconnectFromPeer(peerContext string) error {
	m.mu.RLock()
	p, ok := m.peers[peerContext]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerContext)
	}
	return p.Close()
}
