package lazyconn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basinhollow/sqliteasync/eagerconn"
)

// defaultIdlePeriod is the window after the last outstanding request during
// which a Lazy connection keeps its underlying worker alive before
// soft-closing it.
const defaultIdlePeriod = 60 * time.Second

// OpenFunc opens a fresh Eager Connection on behalf of a Lazy Connection.
// The Factory supplies one bound to a fixed filename/flags pair.
type OpenFunc func(ctx context.Context) (*eagerconn.Conn, error)

// Options configures a Conn. The zero value uses the 60-second default
// idle period.
type Options struct {
	// IdlePeriod, when non-nil, overrides the default 60s idle window. A
	// negative duration disables the idle timer entirely; zero arms it to
	// fire on the next scheduler tick rather than disabling it — matching
	// the Factory's documented "idle: seconds, negative disables" option.
	IdlePeriod *time.Duration
	Logger     *slog.Logger
}

func (o Options) idlePeriod() time.Duration {
	if o.IdlePeriod == nil {
		return defaultIdlePeriod
	}
	return *o.IdlePeriod
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Conn presents the identical public surface as eagerconn.Conn but defers
// the underlying open until first use and recreates it transparently.
type Conn struct {
	open       OpenFunc
	idlePeriod time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	openMu sync.Mutex // serializes the actual open() call

	mu        sync.Mutex
	current   *eagerconn.Conn
	draining  *eagerconn.Conn
	pending   int
	idleTimer *time.Timer
	closed    bool

	callbackMu     sync.Mutex
	closeCallbacks []func()
	closeFired     bool
}

// OnError registers a callback for parity with eagerconn.Conn's event
// surface. It is never invoked: the Lazy Connection has no terminal-error
// concept of its own — a spontaneous underlying failure is absorbed into
// the reopen-on-next-use policy (§4.5), and an open/SQL failure propagates
// through the returned error of the call that triggered it instead.
func (c *Conn) OnError(func(error)) {}

// New constructs a Lazy Connection delegating opens to open.
func New(open OpenFunc, opts Options) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		open:       open,
		idlePeriod: opts.idlePeriod(),
		logger:     opts.logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Exec runs a statement with no result set, opening the underlying
// connection on first use if necessary.
func (c *Conn) Exec(sql string) (eagerconn.Result, error) {
	conn, err := c.beginOp()
	if err != nil {
		return eagerconn.Result{}, err
	}
	defer c.endOp()
	return conn.Exec(sql)
}

// Query runs a statement and materialises its result set, opening the
// underlying connection on first use if necessary.
func (c *Conn) Query(sql string, params any) (eagerconn.Result, error) {
	conn, err := c.beginOp()
	if err != nil {
		return eagerconn.Result{}, err
	}
	defer c.endOp()
	return conn.Query(sql, params)
}

// Quit resolves immediately if no underlying connection exists; otherwise
// it delegates quit() to the live connection and transitions to closed
// once that settles.
func (c *Conn) Quit() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	current := c.current
	draining := c.draining
	c.mu.Unlock()

	var quitErr error
	switch {
	case current != nil:
		quitErr = current.Quit()
	case draining != nil:
		draining.Close()
	}
	c.finishClose()
	return quitErr
}

// Close cancels any pending open, force-closes the current (or draining)
// eager connection, cancels the idle timer, and fires the close callbacks
// exactly once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cur, drain, timer := c.current, c.draining, c.idleTimer
	c.current, c.draining, c.idleTimer = nil, nil, nil
	c.mu.Unlock()

	c.cancel()
	if timer != nil {
		timer.Stop()
	}
	if cur != nil {
		cur.Close()
	}
	if drain != nil {
		drain.Close()
	}
	c.fireClose()
}

// OnClose registers a callback fired exactly once, when this Lazy
// Connection itself is closed via Close or Quit. Spontaneous closes of the
// underlying eager connection (idle expiry, worker death) are never
// surfaced here — the Lazy Connection transparently reopens instead.
func (c *Conn) OnClose(fn func()) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	if c.closeFired {
		fn()
		return
	}
	c.closeCallbacks = append(c.closeCallbacks, fn)
}

func (c *Conn) fireClose() {
	c.callbackMu.Lock()
	if c.closeFired {
		c.callbackMu.Unlock()
		return
	}
	c.closeFired = true
	cbs := c.closeCallbacks
	c.closeCallbacks = nil
	c.callbackMu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

func (c *Conn) finishClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	timer := c.idleTimer
	c.current, c.draining, c.idleTimer = nil, nil, nil
	c.mu.Unlock()

	c.cancel()
	if timer != nil {
		timer.Stop()
	}
	c.fireClose()
}

// beginOp increments pending, disarms the idle timer, force-closes any
// connection currently mid soft-close, and ensures an eager connection is
// open before returning it to the caller.
func (c *Conn) beginOp() (*eagerconn.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	draining := c.draining
	c.draining = nil
	c.pending++
	c.mu.Unlock()

	if draining != nil {
		draining.Close()
	}

	conn, err := c.ensureOpen()
	if err != nil {
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// endOp decrements pending and, once it reaches zero, arms the idle timer
// (unless the timer is disabled by a negative idle period).
func (c *Conn) endOp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending--
	if c.pending == 0 && !c.closed && c.current != nil && c.idlePeriod >= 0 {
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		c.idleTimer = time.AfterFunc(c.idlePeriod, c.handleIdleExpiry)
	}
}

// ensureOpen returns the live eager connection, opening a fresh one if
// none exists. The open itself is serialised through openMu so concurrent
// first-use callers don't race into two simultaneous opens.
func (c *Conn) ensureOpen() (*eagerconn.Conn, error) {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.current != nil {
		current := c.current
		c.mu.Unlock()
		return current, nil
	}
	c.mu.Unlock()

	conn, err := c.open(c.ctx)
	if err != nil {
		return nil, err
	}
	conn.OnClose(func() { c.handleUnderlyingClose(conn) })

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	c.current = conn
	c.mu.Unlock()
	return conn, nil
}

// handleIdleExpiry moves the current connection into a soft-close: it
// attempts a graceful quit() and falls back to a forced close() if that
// rejects. The Lazy Connection never emits close for this churn.
func (c *Conn) handleIdleExpiry() {
	c.mu.Lock()
	if c.closed || c.current == nil {
		c.mu.Unlock()
		return
	}
	conn := c.current
	c.current = nil
	c.draining = conn
	c.idleTimer = nil
	c.mu.Unlock()

	go func() {
		if err := conn.Quit(); err != nil {
			conn.Close()
		}
		c.mu.Lock()
		if c.draining == conn {
			c.draining = nil
		}
		c.mu.Unlock()
	}()
}

// handleUnderlyingClose clears a stale reference when an eager connection
// this Conn owns closes — gracefully via quit(), or spontaneously via
// worker death. Either way, the next operation triggers a fresh open and
// no event is re-emitted on the Lazy Connection.
func (c *Conn) handleUnderlyingClose(conn *eagerconn.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == conn {
		c.current = nil
	}
	if c.draining == conn {
		c.draining = nil
	}
}
