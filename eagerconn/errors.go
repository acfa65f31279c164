package eagerconn

import (
	"errors"

	"github.com/basinhollow/sqliteasync/internal/transport"
)

// ErrClosed is returned by any operation issued against a connection that
// has already closed, and is the rejection reason for every outstanding
// request when a terminal failure tears the connection down.
var ErrClosed = errors.New("eagerconn: database closed")

// ErrInvalidMessage is the error carried by the error event when the
// worker stream produces a response with an unrecognised correlation id or
// a malformed envelope outside the worker's own framing checks.
var ErrInvalidMessage = errors.New("eagerconn: invalid message received")

// ErrQuitAlreadyCalled is returned by a second call to Quit.
var ErrQuitAlreadyCalled = errors.New("eagerconn: quit already called")

// ErrOpenCancelled mirrors transport.ErrOpenCancelled for callers that only
// import eagerconn.
var ErrOpenCancelled = transport.ErrOpenCancelled
