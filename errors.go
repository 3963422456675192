package qfabric

import "errors"

// Sentinel errors a caller of the root package may want to match against
// with errors.Is, mirroring spec §7's error taxonomy at the package
// boundary the same way grinta's errors.go names one sentinel per failure
// category instead of leaking internal error types.
var (
	ErrInvalidConfig  = errors.New("qfabric: invalid configuration")
	ErrAlreadyStarted = errors.New("qfabric: context already started")
	ErrNotStarted     = errors.New("qfabric: context not started")
	ErrShuttingDown   = errors.New("qfabric: context is shutting down")
	ErrNameInUse      = errors.New("qfabric: name already registered")
	ErrUnknownObject  = errors.New("qfabric: no such rpc object")
)
