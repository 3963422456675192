// Package rpcobj implements the RPC-Object Manager, the per-object worker
// thread, the lock table, and blocking/non-blocking proxies. Grounded on
// original_source/qmi/core/rpc.py's RpcObjectManager / _RpcThread /
// QMI_RpcProxy family.
//
// The Python original marks remotely callable methods with an @rpc_method
// decorator, discovered by a metaclass. Go has neither decorators nor a
// runtime-mutable class body, so the equivalent here is an explicit method
// table an Object hands back at registration time — the same "explicit
// over reflected" tradeoff the rest of the pack makes wherever a Python
// decorator pattern doesn't translate (see DESIGN.md).
package rpcobj

import "github.com/qfabric/qfabric/internal/wire"

// MethodFunc is one remotely callable method's implementation, taking
// both the call's positional args and keyword kwargs (spec §3's Request
// record carries the two as distinct fields; §4.4 "invoke with positional
// and keyword arguments").
type MethodFunc func(args, kwargs wire.Value) (wire.Value, error)

// Object is anything the RPC-Object Manager can host: it must expose a
// method table for dispatch. Categories mirror QMI_RpcObject.get_category
// ("rpc", "task", "instrument", ...), used purely for introspection.
type Object interface {
	Methods() map[string]MethodFunc
	Category() string
}
