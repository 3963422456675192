// Package transport implements the Socket Manager: TCP peer connections
// framed per spec §6, and the UDP discovery responder. Grounded on
// messaging.py's _PeerTcpConnection/_TcpServer/_UdpResponder/_SocketManager
// and on grinta's transport.go connection-table shape (one map of peer
// name to live connection, guarded by a single sync.RWMutex, metrics-tagged
// connect/accept paths) — with the QUIC stream multiplexing replaced by
// plain net.TCPConn, since spec §6 pins the wire format to TCP.
package transport

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Well-known discovery port, matching the original's fixed UDP port.
const DiscoveryPort = 35999

// Default timeouts, named the way messaging.py names its module-level
// CONNECT_TIMEOUT / HANDSHAKE_TIMEOUT constants.
const (
	DefaultConnectTimeout   = 2 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
)

// Config configures a Manager.
type Config struct {
	BindAddr    string
	BindPort    int
	Workgroup   string
	ContextName string

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration

	Logger     *slog.Logger
	MetricSink metrics.MetricSink
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}
