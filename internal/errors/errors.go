package errors

import "errors"

// Connection errors.
var (
	ErrNotConnected     = errors.New("no open session")
	ErrMissingParams    = errors.New("missing connection parameters")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// Optimistic mutation outcomes.
var (
	ErrSendRejected    = errors.New("command rejected by server")
	ErrLostOnReconnect = errors.New("command not confirmed before reconnect")
	ErrUnacknowledged  = errors.New("command not acknowledged in time")
)
