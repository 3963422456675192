// Package introspect implements the "$context" built-in RPC object every
// context answers to, exposing version, process, and registered-object
// information the way a peer's own tooling would query it. Grounded on
// original_source/qmi/core/context.py's _ContextRpcObject.
package introspect

import (
	"os"

	"github.com/qfabric/qfabric/internal/rpcobj"
	"github.com/qfabric/qfabric/internal/wire"
)

// ObjectName is the well-known local object name every context answers to.
const ObjectName = "$context"

// Version identifies this runtime build, returned by get_version.
const Version = "0.1.0"

// Descriptors is the subset of rpcobj.Manager the context object needs to
// answer object-listing queries.
type Descriptors interface {
	ObjectDescriptors() []rpcobj.Descriptor
	Describe(name string) (rpcobj.Descriptor, bool)
}

// Shutdowner is notified when a peer requests this context shut down.
// hard mirrors shutdown_context(hard): true exits the process immediately,
// false only raises the request for the owning program to notice and act
// on at its own pace.
type Shutdowner interface {
	RequestShutdown(hard bool)
}

// ContextObject implements rpcobj.Object for ObjectName.
type ContextObject struct {
	objects  Descriptors
	shutdown Shutdowner
}

// NewContextObject constructs the context object for registration with an
// rpcobj.Manager under ObjectName.
func NewContextObject(objects Descriptors, shutdown Shutdowner) *ContextObject {
	return &ContextObject{objects: objects, shutdown: shutdown}
}

// Category implements rpcobj.Object.
func (*ContextObject) Category() string { return "context" }

// Methods implements rpcobj.Object.
func (o *ContextObject) Methods() map[string]rpcobj.MethodFunc {
	return map[string]rpcobj.MethodFunc{
		"get_version": func(wire.Value, wire.Value) (wire.Value, error) {
			return wire.String(Version), nil
		},
		"get_pid": func(wire.Value, wire.Value) (wire.Value, error) {
			return wire.Int(int64(os.Getpid())), nil
		},
		"get_rpc_object_descriptors": func(wire.Value, wire.Value) (wire.Value, error) {
			descs := o.objects.ObjectDescriptors()
			list := make([]wire.Value, 0, len(descs))
			for _, d := range descs {
				list = append(list, descriptorValue(d))
			}
			return wire.List(list...), nil
		},
		"get_rpc_object_descriptor": func(args, kwargs wire.Value) (wire.Value, error) {
			d, ok := o.objects.Describe(args.Str)
			if !ok {
				return wire.Null(), nil
			}
			return descriptorValue(d), nil
		},
		"shutdown_context": func(args, kwargs wire.Value) (wire.Value, error) {
			hard := args.Bool
			if o.shutdown != nil {
				o.shutdown.RequestShutdown(hard)
			}
			return wire.Null(), nil
		},
	}
}

func descriptorValue(d rpcobj.Descriptor) wire.Value {
	methods := make([]wire.Value, 0, len(d.MethodList))
	for _, name := range d.MethodList {
		methods = append(methods, wire.String(name))
	}
	return wire.Record("RpcObjectDescriptor", map[string]wire.Value{
		"name":     wire.String(d.Name),
		"category": wire.String(d.Category),
		"methods":  wire.List(methods...),
	})
}
