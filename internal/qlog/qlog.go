// Package qlog provides the structured-logging attribute helpers shared by
// every component of the runtime.
package qlog

import "log/slog"

// Label names a recurring slog attribute / metrics tag used across the
// router, rpc, pubsub and task components, the same way grinta's
// TelemetryLabel ties a single name to both a slog.Attr and a metrics.Label.
type Label string

const (
	LabelError        Label = "error"
	LabelContext      Label = "context"
	LabelPeer         Label = "peer"
	LabelAddress      Label = "address"
	LabelObject       Label = "object"
	LabelMethod       Label = "method"
	LabelRequestID    Label = "request_id"
	LabelSignal       Label = "signal"
	LabelTask         Label = "task"
	LabelToken        Label = "lock_token"
	LabelWorkgroup    Label = "workgroup"
	LabelRemoteAddr   Label = "remote_addr"
	LabelMessageKind  Label = "message_kind"
	LabelOverrunCount Label = "overrun_count"
)

// L turns the label into a slog.Attr carrying val.
func (l Label) L(val any) slog.Attr {
	return slog.Attr{Key: string(l), Value: slog.AnyValue(val)}
}

// Default returns slog.Default() when logger is nil, the idiom every
// component in this module uses instead of accepting a possibly-nil
// *slog.Logger at every call site.
func Default(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
