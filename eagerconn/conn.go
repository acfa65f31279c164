package eagerconn

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/basinhollow/sqliteasync/internal/transport"
	"github.com/basinhollow/sqliteasync/wireproto"
)

// Result is the decoded outcome of exec/query, with blob cells already
// substituted back to raw bytes.
type Result struct {
	InsertID int64
	Changed  int64
	Columns  []string
	Rows     []map[string]wireproto.Value
}

// Options configures a Conn. The zero value is valid: it defaults the
// logger to slog.Default().
type Options struct {
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

type callResult struct {
	payload wireproto.ResultPayload
	err     error
}

// Conn is the parent-side request/response multiplexer bound to one worker
// process. It assigns a strictly monotonic correlation id per request,
// serialises frame writes through the encoder's lock, and
// demultiplexes responses by id through a single reader goroutine —
// mirroring the worker's own single-threaded-loop discipline on the parent
// side of the stream.
type Conn struct {
	logger *slog.Logger
	tr     *transport.Transport
	enc    *wireproto.Encoder
	dec    *wireproto.Decoder

	nextID  atomic.Int64
	state   atomic.Int32
	inFlight atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan callResult

	callbackMu     sync.Mutex
	errCallbacks   []func(error)
	closeCallbacks []func()

	quitCalled atomic.Bool
	teardownOnce sync.Once
}

// New wraps a spawned transport in a Conn and starts its reader goroutine.
// The caller must still perform the open handshake via Open before issuing
// Exec/Query.
func New(tr *transport.Transport, opts Options) *Conn {
	stream := tr.Stream()
	c := &Conn{
		logger:  opts.logger(),
		tr:      tr,
		enc:     wireproto.NewEncoder(stream),
		dec:     wireproto.NewDecoder(stream),
		pending: make(map[int64]chan callResult),
	}
	c.state.Store(int32(StateOpen))
	go c.readLoop()
	return c
}

// Open performs the handshake open RPC against the worker. It is called
// once, by the Factory, immediately after New.
func (c *Conn) Open(filename string, flags wireproto.Flags) error {
	params, err := openParams(filename, flags)
	if err != nil {
		return err
	}
	payload, err := c.call(wireproto.MethodOpen, params)
	if err != nil {
		return err
	}
	_ = payload
	c.state.Store(int32(StateIdle))
	return nil
}

func openParams(filename string, flags wireproto.Flags) ([]json.RawMessage, error) {
	nameRaw, err := json.Marshal(filename)
	if err != nil {
		return nil, fmt.Errorf("eagerconn: marshal filename: %w", err)
	}
	flagsRaw, err := json.Marshal(uint32(flags))
	if err != nil {
		return nil, fmt.Errorf("eagerconn: marshal flags: %w", err)
	}
	return []json.RawMessage{nameRaw, flagsRaw}, nil
}

// Exec runs a statement with no result set.
func (c *Conn) Exec(sql string) (Result, error) {
	sqlRaw, err := json.Marshal(sql)
	if err != nil {
		return Result{}, fmt.Errorf("eagerconn: marshal sql: %w", err)
	}
	payload, err := c.call(wireproto.MethodExec, []json.RawMessage{sqlRaw})
	if err != nil {
		return Result{}, err
	}
	return resultFromPayload(payload)
}

// Query runs a statement and materialises its result set. params may be
// nil, a []any (positional placeholders) or a map[string]any (named
// placeholders); each scalar is coerced through wireproto.Of, and any
// string containing control bytes or invalid UTF-8 is rewrapped as the
// blob envelope before it ever reaches the wire.
func (c *Conn) Query(sql string, params any) (Result, error) {
	if m, ok := params.(map[string]any); ok {
		if err := validateNamedParams(sql, m); err != nil {
			return Result{}, err
		}
	}

	sqlRaw, err := json.Marshal(sql)
	if err != nil {
		return Result{}, fmt.Errorf("eagerconn: marshal sql: %w", err)
	}
	reqParams := []json.RawMessage{sqlRaw}

	if params != nil {
		paramsRaw, err := marshalParams(params)
		if err != nil {
			return Result{}, err
		}
		if paramsRaw != nil {
			reqParams = append(reqParams, paramsRaw)
		}
	}

	payload, err := c.call(wireproto.MethodQuery, reqParams)
	if err != nil {
		return Result{}, err
	}
	return resultFromPayload(payload)
}

// marshalParams converts a caller-supplied positional/named params value
// into the wire's array-or-object parameter token.
func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case []any:
		tokens := make([]json.RawMessage, len(p))
		for i, v := range p {
			raw, err := wireproto.Of(v).MarshalWireValue()
			if err != nil {
				return nil, fmt.Errorf("eagerconn: marshal positional param %d: %w", i, err)
			}
			tokens[i] = raw
		}
		raw, err := json.Marshal(tokens)
		if err != nil {
			return nil, fmt.Errorf("eagerconn: marshal params array: %w", err)
		}
		return raw, nil
	case map[string]any:
		tokens := make(map[string]json.RawMessage, len(p))
		for name, v := range p {
			raw, err := wireproto.Of(v).MarshalWireValue()
			if err != nil {
				return nil, fmt.Errorf("eagerconn: marshal named param %q: %w", name, err)
			}
			tokens[name] = raw
		}
		raw, err := json.Marshal(tokens)
		if err != nil {
			return nil, fmt.Errorf("eagerconn: marshal params object: %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("eagerconn: params must be a list or object, got %T", params)
	}
}

func resultFromPayload(payload wireproto.ResultPayload) (Result, error) {
	res := Result{InsertID: payload.InsertID, Changed: payload.Changed, Columns: payload.Columns}
	if payload.Rows != nil {
		res.Rows = make([]map[string]wireproto.Value, len(payload.Rows))
		for i, row := range payload.Rows {
			decoded := make(map[string]wireproto.Value, len(row))
			for col, raw := range row {
				v, err := wireproto.DecodeWireValue(raw)
				if err != nil {
					return Result{}, fmt.Errorf("eagerconn: decode cell %q: %w", col, err)
				}
				decoded[col] = v
			}
			res.Rows[i] = decoded
		}
	}
	return res, nil
}

// Quit enqueues a close RPC, preserving order with respect to earlier
// requests, then half-closes the writer side of the transport. It resolves
// when the close response arrives and rejects with ErrClosed if the stream
// dies first.
func (c *Conn) Quit() error {
	if !c.quitCalled.CompareAndSwap(false, true) {
		return ErrQuitAlreadyCalled
	}
	_, err := c.call(wireproto.MethodClose, nil)
	if cwErr := c.tr.CloseWrite(); cwErr != nil && err == nil {
		c.logger.Warn("eagerconn: half-close after quit failed", "error", cwErr)
	}
	if err != nil {
		return err
	}
	c.teardown(true, nil)
	return nil
}

// Close is synchronous and unconditional: it tears down the transport,
// rejects every outstanding request with ErrClosed, fires close once, and
// detaches listeners. Subsequent calls are no-ops.
func (c *Conn) Close() {
	c.teardown(true, nil)
}

// OnError registers a callback fired at most once, for a fatal stream or
// framing failure, strictly before the close callbacks fire.
func (c *Conn) OnError(fn func(error)) {
	c.callbackMu.Lock()
	c.errCallbacks = append(c.errCallbacks, fn)
	c.callbackMu.Unlock()
}

// OnClose registers a callback fired exactly once per Conn lifetime.
func (c *Conn) OnClose(fn func()) {
	c.callbackMu.Lock()
	c.closeCallbacks = append(c.closeCallbacks, fn)
	c.callbackMu.Unlock()
}

// call assigns a correlation id, writes the request frame, and blocks the
// calling goroutine until the matching response arrives or the connection
// tears down. The blocking happens here, not in the reader goroutine, so
// that concurrent callers can have requests in flight simultaneously while
// the wire protocol itself stays strictly one-in-flight-write-at-a-time
// (serialised by wireproto.Encoder's own mutex).
func (c *Conn) call(method string, params []json.RawMessage) (wireproto.ResultPayload, error) {
	if !State(c.state.Load()).acceptsRequests() {
		return wireproto.ResultPayload{}, ErrClosed
	}

	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if c.inFlight.Add(1) == 1 {
		c.state.CompareAndSwap(int32(StateIdle), int32(StateBusy))
	}

	req := wireproto.Request{ID: id, Method: method, Params: params}
	if err := c.enc.Encode(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.settleInFlight()
		c.teardown(true, fmt.Errorf("eagerconn: write request: %w", err))
		return wireproto.ResultPayload{}, ErrClosed
	}

	result := <-ch
	c.settleInFlight()
	return result.payload, result.err
}

func (c *Conn) settleInFlight() {
	if c.inFlight.Add(-1) == 0 {
		c.state.CompareAndSwap(int32(StateBusy), int32(StateIdle))
	}
}

// readLoop is the single reader goroutine: it demultiplexes responses by
// id, feeding the waiting call() goroutine through its correlation
// channel, until the stream ends or a framing failure occurs.
func (c *Conn) readLoop() {
	for {
		var resp wireproto.Response
		if err := c.dec.Decode(&resp); err != nil {
			if errors.Is(err, io.EOF) {
				c.teardown(true, nil)
			} else {
				c.teardown(true, fmt.Errorf("eagerconn: %w", ErrInvalidMessage))
			}
			return
		}

		if resp.IsTerminal() {
			msg := "worker reported a terminal failure"
			if resp.Error != nil && resp.Error.Message != "" {
				msg = resp.Error.Message
			}
			c.teardown(true, errors.New("eagerconn: "+msg))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		if ok {
			delete(c.pending, *resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.teardown(true, ErrInvalidMessage)
			return
		}

		if resp.Error != nil {
			ch <- callResult{err: fmt.Errorf("eagerconn: %s", resp.Error.Message)}
			continue
		}
		var payload wireproto.ResultPayload
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &payload); err != nil {
				ch <- callResult{err: fmt.Errorf("eagerconn: decode result: %w", err)}
				continue
			}
		}
		ch <- callResult{payload: payload}
	}
}

// teardown runs at most once per Conn: it marks the connection closed,
// kills the transport, rejects every outstanding request, and fires the
// error/close callbacks in that order.
func (c *Conn) teardown(emitClose bool, failErr error) {
	c.teardownOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[int64]chan callResult)
		c.mu.Unlock()
		for _, ch := range pending {
			ch <- callResult{err: ErrClosed}
		}

		_ = c.tr.Close()

		if failErr != nil {
			c.callbackMu.Lock()
			cbs := append([]func(error){}, c.errCallbacks...)
			c.callbackMu.Unlock()
			for _, fn := range cbs {
				fn(failErr)
			}
		}

		if emitClose {
			c.callbackMu.Lock()
			cbs := append([]func(){}, c.closeCallbacks...)
			c.callbackMu.Unlock()
			for _, fn := range cbs {
				fn()
			}
		}
	})
}
