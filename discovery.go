package qfabric

import (
	"context"
	"time"

	"github.com/qfabric/qfabric/internal/transport"
)

// ContextInfo describes one context discovered by PingContexts.
type ContextInfo = transport.ContextInfo

// PingContexts broadcasts a discovery request on workgroup and collects
// every context whose name matches namePattern (a glob, "*" by default)
// within timeout. It needs no running Context of its own — grounded on
// original_source/qmi/core/context.py's module-level ping_qmi_contexts.
func PingContexts(ctx context.Context, workgroup, namePattern, broadcastAddr string, timeout time.Duration) ([]ContextInfo, error) {
	if namePattern == "" {
		namePattern = "*"
	}
	return transport.Ping(ctx, workgroup, namePattern, broadcastAddr, timeout)
}

// KillContext broadcasts a hard-shutdown request for contextName on
// workgroup. The targeted context's discovery responder, if running,
// calls its RequestShutdown(true) in response — see Context.Start's
// wiring of transport.KillHandler.
func KillContext(workgroup, contextName, broadcastAddr string) error {
	return transport.SendKill(workgroup, contextName, broadcastAddr)
}
