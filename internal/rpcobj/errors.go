package rpcobj

import "errors"

var (
	ErrUnknownObject  = errors.New("rpcobj: unknown object")
	ErrUnknownMethod  = errors.New("rpcobj: unknown method")
	ErrLocked         = errors.New("rpcobj: object is locked")
	ErrNotLocked      = errors.New("rpcobj: object is not locked")
	ErrWrongToken     = errors.New("rpcobj: lock token mismatch")
	ErrTimeout        = errors.New("rpcobj: call timed out")
	ErrAlreadyExists  = errors.New("rpcobj: object name already registered")
	ErrShuttingDown   = errors.New("rpcobj: manager is shutting down")
)
