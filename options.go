package qfabric

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

// MaxNameLength and ValidName mirror util.py's is_valid_object_name:
// context, RPC object, and signal names share the same character set.
const MaxNameLength = 63

var ValidName = mustCompileName()

type config struct {
	tcpBindAddr string
	tcpBindPort int

	workgroup         string
	discoveryBindAddr string
	disableDiscovery  bool

	connectTimeout   time.Duration
	handshakeTimeout time.Duration

	logHandler slog.Handler
	msink      metrics.MetricSink
}

func defaultConfig() config {
	return config{
		tcpBindAddr:      "0.0.0.0",
		tcpBindPort:      0,
		workgroup:        "default",
		connectTimeout:   2 * time.Second,
		handshakeTimeout: 30 * time.Second,
	}
}

// Option configures a Context at New.
type Option func(*config) error

// WithTcpAddr binds the TCP peer-messaging listener to addr:port. Port 0
// (the default) lets the kernel pick an ephemeral port.
func WithTcpAddr(addr string, port int) Option {
	return func(c *config) error {
		c.tcpBindAddr = addr
		c.tcpBindPort = port
		return nil
	}
}

// WithWorkgroup sets the workgroup name used to scope UDP discovery, the
// Go equivalent of CfgQmi's workgroup_name.
func WithWorkgroup(name string) Option {
	return func(c *config) error {
		if name == "" {
			return ErrInvalidConfig
		}
		c.workgroup = name
		return nil
	}
}

// WithDiscoveryBindAddr binds the UDP discovery responder to a different
// address than the TCP listener; defaults to the TCP bind address.
func WithDiscoveryBindAddr(addr string) Option {
	return func(c *config) error {
		c.discoveryBindAddr = addr
		return nil
	}
}

// WithoutDiscovery disables the UDP discovery responder entirely, for
// deployments that resolve peers out of band.
func WithoutDiscovery() Option {
	return func(c *config) error {
		c.disableDiscovery = true
		return nil
	}
}

// WithConnectTimeout bounds how long ConnectToPeer waits for the TCP
// connection to be established; the handshake that follows is bounded by
// WithHandshakeTimeout.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout > 0 {
			c.connectTimeout = timeout
		}
		return nil
	}
}

// WithHandshakeTimeout bounds how long an inbound connection has to
// complete its handshake before being dropped.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout > 0 {
			c.handshakeTimeout = timeout
		}
		return nil
	}
}

// WithLog specifies which slog.Handler every component of the Context
// logs through.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink specifies where the Context's metrics are emitted. A nil
// sink discards all metrics.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		c.msink = ms
		return nil
	}
}
