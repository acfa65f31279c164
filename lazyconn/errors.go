package lazyconn

import "errors"

// ErrClosed is returned by any operation issued against a Conn that has
// already closed.
var ErrClosed = errors.New("lazyconn: database closed")
