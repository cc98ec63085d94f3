package session

import (
	"errors"
	"fmt"
)

// ErrDisconnected is returned by [Conn.Read] when the peer closed the
// connection normally. It ends the session without an error.
var ErrDisconnected = errors.New("session: peer disconnected")

// ErrShuttingDown is passed to [Conn.Close] when the session ends because the
// server is draining.
var ErrShuttingDown = errors.New("session: server shutting down")

// ErrBusy is passed to [Conn.Close] when a connection is refused because the
// server is at capacity.
var ErrBusy = errors.New("session: server at capacity")

// EngineInitError reports that the recognizer could not be constructed. It is
// fatal to the session: no audio is ever fed.
type EngineInitError struct {
	Err error
}

func (e *EngineInitError) Error() string {
	return fmt.Sprintf("session: engine init: %v", e.Err)
}

func (e *EngineInitError) Unwrap() error { return e.Err }

// TransportError reports a failure of the client connection. Op is "read",
// "write" or "receive" (a recovered panic in the receive loop).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
