package sqliteasync

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/basinhollow/sqliteasync/eagerconn"
	"github.com/basinhollow/sqliteasync/internal/transport"
	"github.com/basinhollow/sqliteasync/lazyconn"
)

// Factory assembles the transport bootstrap and Eager Connection for
// eager opens, and wraps a Lazy Connection around a factory closure for
// lazy opens. The zero value is usable: it resolves "sqliteworker" on
// PATH and spawns in pipe mode.
type Factory struct {
	// WorkerPath is the sqliteworker executable to launch. Empty resolves
	// "sqliteworker" via exec.LookPath at spawn time.
	WorkerPath string
	// Mode selects pipe vs socket transport. Zero value is pipe mode.
	Mode transport.Mode
	// Dir is the worker's working directory; empty inherits the parent's.
	Dir string
	// Logger receives diagnostics from the transport and connections it
	// creates. Defaults to slog.Default().
	Logger *slog.Logger
	// HandshakeTimeout bounds a socket-mode handshake. Defaults to 5s.
	HandshakeTimeout time.Duration
	// MinPort/MaxPort bound the socket-mode ephemeral port search.
	// Default to [10000, 19999].
	MinPort, MaxPort int
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f *Factory) workerPath() string {
	if f.WorkerPath != "" {
		return f.WorkerPath
	}
	if p, err := exec.LookPath("sqliteworker"); err == nil {
		return p
	}
	return "sqliteworker"
}

// LazyOptions configures a Lazy Connection returned by OpenLazy.
type LazyOptions struct {
	// IdlePeriod, when non-nil, overrides the default 60-second idle
	// window; negative disables the timer.
	IdlePeriod *time.Duration
}

func (o LazyOptions) toInternal(logger *slog.Logger) lazyconn.Options {
	return lazyconn.Options{IdlePeriod: o.IdlePeriod, Logger: logger}
}

// resolveFilename passes :memory: and the empty string through verbatim
// and resolves any other relative path against the current working
// directory now, so a later os.Chdir in the caller's process doesn't
// retroactively change where the database opens.
func resolveFilename(filename string) string {
	if filename == "" || filename == ":memory:" {
		return filename
	}
	if filepath.IsAbs(filename) {
		return filename
	}
	abs, err := filepath.Abs(filename)
	if err != nil {
		return filename
	}
	return abs
}

// Open spawns a worker, performs the open handshake, and returns a live
// Connection. On failure the transport is torn down and the error is
// returned unchanged.
func (f *Factory) Open(ctx context.Context, filename string, flags Flags) (Connection, error) {
	conn, err := f.openEager(ctx, filename, flags)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (f *Factory) openEager(ctx context.Context, filename string, flags Flags) (*eagerconn.Conn, error) {
	tr, err := transport.Spawn(ctx, transport.Options{
		WorkerPath:       f.workerPath(),
		Mode:             f.Mode,
		Dir:              f.Dir,
		Logger:           f.logger(),
		HandshakeTimeout: f.HandshakeTimeout,
		MinPort:          f.MinPort,
		MaxPort:          f.MaxPort,
	})
	if err != nil {
		return nil, err
	}

	conn := eagerconn.New(tr, eagerconn.Options{Logger: f.logger()})
	if err := conn.Open(resolveFilename(filename), flags); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// OpenLazy returns a Connection that defers spawning a worker until the
// first exec/query call.
func (f *Factory) OpenLazy(filename string, flags Flags, opts LazyOptions) Connection {
	resolved := resolveFilename(filename)
	openFn := func(ctx context.Context) (*eagerconn.Conn, error) {
		return f.openEager(ctx, resolved, flags)
	}
	return lazyconn.New(openFn, opts.toInternal(f.logger()))
}

var _ Connection = (*lazyconn.Conn)(nil)
