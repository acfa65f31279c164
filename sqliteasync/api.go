package sqliteasync

import (
	"context"

	"github.com/basinhollow/sqliteasync/eagerconn"
	"github.com/basinhollow/sqliteasync/wireproto"
)

// Flags selects the SQLite open mode for open(filename, flags).
type Flags = wireproto.Flags

// Flag bit constants, re-exported so callers never need to import
// wireproto directly.
const (
	FlagReadOnly  = wireproto.FlagReadOnly
	FlagReadWrite = wireproto.FlagReadWrite
	FlagCreate    = wireproto.FlagCreate
	DefaultFlags  = wireproto.DefaultFlags
)

// Value is the tagged SQLite value union used for query parameters and
// result cells: {Null, Int, Float, Text, Blob}.
type Value = wireproto.Value

// ValueOf coerces a native Go scalar into the tagged Value form, the
// convenience coercion layer the Design Notes call for: bool becomes
// Int 0/1, []byte becomes Blob, and a string becomes Blob instead of Text
// when it is not valid UTF-8 or carries a control byte that can't survive
// the text transport.
func ValueOf(v any) Value { return wireproto.Of(v) }

// Result is the decoded outcome of exec/query.
type Result = eagerconn.Result

// Connection is the public operations surface shared by eager and lazy
// connections.
type Connection interface {
	// Exec runs a statement with no result set.
	Exec(sql string) (Result, error)
	// Query runs a statement and materialises its result set. params may
	// be nil, a []any (positional placeholders) or a map[string]any
	// (named placeholders).
	Query(sql string, params any) (Result, error)
	// Quit enqueues an orderly close, preserving the ordering of
	// previously submitted operations, and resolves once the worker
	// confirms it.
	Quit() error
	// Close is synchronous and unconditional.
	Close()
	// OnError registers a callback fired at most once, for a fatal
	// stream or framing failure, strictly before the close callbacks.
	OnError(func(error))
	// OnClose registers a callback fired exactly once per Connection
	// lifetime.
	OnClose(func())
}

var (
	_ Connection = (*eagerconn.Conn)(nil)
)

// Open spawns a worker, performs the open handshake, and returns a live
// Connection bound to it. Cancelling ctx during a socket-mode handshake
// tears down the listener and child and returns transport.ErrOpenCancelled.
func Open(ctx context.Context, filename string, flags Flags) (Connection, error) {
	return defaultFactory.Open(ctx, filename, flags)
}

// OpenLazy returns a Connection that defers spawning a worker until the
// first operation, per LazyOptions.
func OpenLazy(filename string, flags Flags, opts LazyOptions) Connection {
	return defaultFactory.OpenLazy(filename, flags, opts)
}

// defaultFactory backs the package-level Open/OpenLazy convenience
// functions with the zero-value Factory (pipe-mode transport, default
// worker path resolution).
var defaultFactory = &Factory{}
