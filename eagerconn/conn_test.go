package eagerconn

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/basinhollow/sqliteasync/internal/transport"
	"github.com/basinhollow/sqliteasync/wireproto"
)

// fakeWorker drives the "worker side" of an in-process net.Pipe(), letting
// tests script exact response frames without a real SQLite engine.
type fakeWorker struct {
	conn net.Conn
	r    *bufio.Reader
}

func newFakeWorker(conn net.Conn) *fakeWorker {
	return &fakeWorker{conn: conn, r: bufio.NewReader(conn)}
}

func (f *fakeWorker) nextRequest(t *testing.T) wireproto.Request {
	t.Helper()
	line, err := f.r.ReadString('\n')
	if err != nil {
		t.Fatalf("fakeWorker: read request: %v", err)
	}
	var req wireproto.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		t.Fatalf("fakeWorker: decode request: %v", err)
	}
	return req
}

func (f *fakeWorker) respond(t *testing.T, resp wireproto.Response) {
	t.Helper()
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("fakeWorker: marshal response: %v", err)
	}
	if _, err := f.conn.Write(append(b, '\n')); err != nil {
		t.Fatalf("fakeWorker: write response: %v", err)
	}
}

func newTestConn(t *testing.T) (*Conn, *fakeWorker) {
	t.Helper()
	parent, worker := net.Pipe()
	t.Cleanup(func() { worker.Close() })
	tr := transport.Wrap(parent, nil)
	fw := newFakeWorker(worker)
	c := New(tr, Options{})
	return c, fw
}

func openResultRaw(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(wireproto.ResultPayload{})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestOpenThenExecSucceeds(t *testing.T) {
	c, fw := newTestConn(t)

	done := make(chan error, 1)
	go func() { done <- c.Open(":memory:", wireproto.DefaultFlags) }()

	req := fw.nextRequest(t)
	if req.Method != wireproto.MethodOpen {
		t.Fatalf("got method %q, want open", req.Method)
	}
	fw.respond(t, wireproto.Response{ID: wireproto.NewID(req.ID), Result: openResultRaw(t)})
	if err := <-done; err != nil {
		t.Fatalf("Open: %v", err)
	}

	execDone := make(chan struct {
		res Result
		err error
	}, 1)
	go func() {
		res, err := c.Exec("CREATE TABLE t(x)")
		execDone <- struct {
			res Result
			err error
		}{res, err}
	}()

	req = fw.nextRequest(t)
	if req.Method != wireproto.MethodExec {
		t.Fatalf("got method %q, want exec", req.Method)
	}
	payload := wireproto.ResultPayload{Changed: 0}
	raw, _ := json.Marshal(payload)
	fw.respond(t, wireproto.Response{ID: wireproto.NewID(req.ID), Result: raw})

	out := <-execDone
	if out.err != nil {
		t.Fatalf("Exec: %v", out.err)
	}
}

func TestQueryDecodesBlobCell(t *testing.T) {
	c, fw := newTestConn(t)

	go func() { _ = c.Open(":memory:", wireproto.DefaultFlags) }()
	req := fw.nextRequest(t)
	fw.respond(t, wireproto.Response{ID: wireproto.NewID(req.ID), Result: openResultRaw(t)})

	queryDone := make(chan struct {
		res Result
		err error
	}, 1)
	go func() {
		res, err := c.Query("SELECT ? AS v", []any{[]byte{0x00, 0x01, 0x02}})
		queryDone <- struct {
			res Result
			err error
		}{res, err}
	}()

	req = fw.nextRequest(t)
	if req.Method != wireproto.MethodQuery {
		t.Fatalf("got method %q, want query", req.Method)
	}
	blobVal, err := wireproto.BlobValue([]byte{0x00, 0x01, 0x02}).MarshalWireValue()
	if err != nil {
		t.Fatal(err)
	}
	payload := wireproto.ResultPayload{
		Columns: []string{"v"},
		Rows:    []map[string]json.RawMessage{{"v": blobVal}},
	}
	raw, _ := json.Marshal(payload)
	fw.respond(t, wireproto.Response{ID: wireproto.NewID(req.ID), Result: raw})

	out := <-queryDone
	if out.err != nil {
		t.Fatalf("Query: %v", out.err)
	}
	cell := out.res.Rows[0]["v"]
	if cell.Kind != wireproto.KindBlob {
		t.Fatalf("got kind %v, want blob", cell.Kind)
	}
	if string(cell.Blob) != "\x00\x01\x02" {
		t.Fatalf("got blob %q", cell.Blob)
	}
}

func TestQueryWithZeroMatchesReturnsEmptyRows(t *testing.T) {
	c, fw := newTestConn(t)

	go func() { _ = c.Open(":memory:", wireproto.DefaultFlags) }()
	req := fw.nextRequest(t)
	fw.respond(t, wireproto.Response{ID: wireproto.NewID(req.ID), Result: openResultRaw(t)})

	queryDone := make(chan struct {
		res Result
		err error
	}, 1)
	go func() {
		res, err := c.Query("SELECT * FROM t WHERE id = ?", []any{99})
		queryDone <- struct {
			res Result
			err error
		}{res, err}
	}()

	req = fw.nextRequest(t)
	if req.Method != wireproto.MethodQuery {
		t.Fatalf("got method %q, want query", req.Method)
	}
	payload := wireproto.ResultPayload{Columns: []string{"id"}, Rows: []map[string]json.RawMessage{}}
	raw, _ := json.Marshal(payload)
	fw.respond(t, wireproto.Response{ID: wireproto.NewID(req.ID), Result: raw})

	out := <-queryDone
	if out.err != nil {
		t.Fatalf("Query: %v", out.err)
	}
	if out.res.Columns == nil {
		t.Fatal("expected columns to still be present for a zero-match query")
	}
	if out.res.Rows == nil || len(out.res.Rows) != 0 {
		t.Fatalf("got rows %v, want a non-nil empty slice", out.res.Rows)
	}
}

func TestSoftErrorKeepsConnectionUsable(t *testing.T) {
	c, fw := newTestConn(t)
	go func() { _ = c.Open(":memory:", wireproto.DefaultFlags) }()
	req := fw.nextRequest(t)
	fw.respond(t, wireproto.Response{ID: wireproto.NewID(req.ID), Result: openResultRaw(t)})

	queryErr := make(chan error, 1)
	go func() {
		_, err := c.Query("nope", nil)
		queryErr <- err
	}()
	req = fw.nextRequest(t)
	fw.respond(t, wireproto.Response{ID: wireproto.NewID(req.ID), Error: &wireproto.RPCError{Message: "near \"nope\": syntax error"}})
	if err := <-queryErr; err == nil {
		t.Fatal("expected soft error from bad SQL")
	}

	if State(c.state.Load()) == StateClosed {
		t.Fatal("connection should remain usable after a soft error")
	}
}

func TestUnknownCorrelationIdForcesClose(t *testing.T) {
	c, fw := newTestConn(t)

	closed := make(chan struct{}, 1)
	c.OnClose(func() { closed <- struct{}{} })
	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })

	go func() { _ = c.Open(":memory:", wireproto.DefaultFlags) }()
	req := fw.nextRequest(t)
	fw.respond(t, wireproto.Response{ID: wireproto.NewID(req.ID), Result: openResultRaw(t)})

	// A response correlated to an id nobody is waiting on.
	fw.respond(t, wireproto.Response{ID: wireproto.NewID(9999), Result: openResultRaw(t)})

	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("expected error event for unknown correlation id")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected close event to follow the error event")
	}
	if State(c.state.Load()) != StateClosed {
		t.Fatal("expected connection to be closed")
	}
}

func TestStreamCloseEmitsCloseWithoutError(t *testing.T) {
	c, fw := newTestConn(t)

	closed := make(chan struct{}, 1)
	c.OnClose(func() { closed <- struct{}{} })
	c.OnError(func(error) { t.Error("did not expect an error event on a clean worker exit") })

	go func() { _ = c.Open(":memory:", wireproto.DefaultFlags) }()
	req := fw.nextRequest(t)
	fw.respond(t, wireproto.Response{ID: wireproto.NewID(req.ID), Result: openResultRaw(t)})

	fw.conn.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected close event on stream EOF")
	}
}

func TestCloseRejectsOutstandingRequests(t *testing.T) {
	c, fw := newTestConn(t)
	go func() { _ = c.Open(":memory:", wireproto.DefaultFlags) }()
	req := fw.nextRequest(t)
	fw.respond(t, wireproto.Response{ID: wireproto.NewID(req.ID), Result: openResultRaw(t)})

	execErr := make(chan error, 1)
	go func() {
		_, err := c.Exec("SELECT 1")
		execErr <- err
	}()
	fw.nextRequest(t) // drain, never respond

	c.Close()

	if err := <-execErr; err != ErrClosed {
		t.Fatalf("got %v, want ErrClosed", err)
	}

	if _, err := c.Exec("SELECT 1"); err != ErrClosed {
		t.Fatalf("got %v, want ErrClosed for post-close call", err)
	}
}
