// Package qmetrics defines the go-metrics counter/gauge names emitted by
// the runtime, following grinta's flat []string key + MetricSink pattern
// instead of a global metrics registry.
package qmetrics

import "github.com/hashicorp/go-metrics"

var (
	MetricRouterBytesIn     = []string{"qfabric", "router", "bytes", "in"}
	MetricRouterBytesOut    = []string{"qfabric", "router", "bytes", "out"}
	MetricRouterDropped     = []string{"qfabric", "router", "dropped"}
	MetricPeerConnEstCount  = []string{"qfabric", "peer", "connection", "established", "count"}
	MetricPeerConnErrCount  = []string{"qfabric", "peer", "connection", "error", "count"}
	MetricHandshakeFailures = []string{"qfabric", "handshake", "failure", "count"}
	MetricRpcCallCount      = []string{"qfabric", "rpc", "call", "count"}
	MetricRpcCallErrorCount = []string{"qfabric", "rpc", "call", "error", "count"}
	MetricRpcCallLatencyMs  = []string{"qfabric", "rpc", "call", "latency", "ms"}
	MetricSignalPublished   = []string{"qfabric", "signal", "published", "count"}
	MetricSignalDropped     = []string{"qfabric", "signal", "dropped", "count"}
	MetricTaskOverrunCount  = []string{"qfabric", "task", "overrun", "count"}
)

// Sink defaults a nil MetricSink to a blackhole, mirroring grinta's
// options.go WithMetricSink default.
func Sink(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return &metrics.BlackholeSink{}
	}
	return ms
}
