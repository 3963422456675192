package transport

import "errors"

var (
	ErrProtocolMismatch = errors.New("transport: protocol mismatch")
	ErrUnknownPeer      = errors.New("transport: unknown peer context")
	ErrShuttingDown     = errors.New("transport: manager is shutting down")
)
