package wireproto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Method names recognized by the worker.
const (
	MethodOpen  = "open"
	MethodExec  = "exec"
	MethodQuery = "query"
	MethodClose = "close"
)

// Terminal stream-level error codes, carried in an id-less Response.
const (
	CodeParseError    = -32700 // malformed JSON
	CodeInvalidFrame  = -32600 // frame missing id/method/params or wrong shape
	CodeInvalidMethod = -32601 // unknown method, or method unavailable in current state
)

// Request is one frame sent from the parent to the worker.
type Request struct {
	ID     int64             `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// RPCError is the error object of a Response, or the payload of a terminal
// stream-level failure frame.
type RPCError struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// Response is one frame sent from the worker to the parent. Exactly one of
// Result or Error is set for an id-bearing response; a Response with no ID
// and only Error set is a terminal stream failure emitted before the
// worker closes its output.
type Response struct {
	ID     *int64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// IsTerminal reports whether r is an un-correlated, stream-level failure.
func (r *Response) IsTerminal() bool {
	return r.ID == nil
}

// ResultPayload is the decoded shape of a successful exec/query Response's
// Result field. Columns/Rows are present together or not at all, matching
// exec's absence of a result set.
type ResultPayload struct {
	InsertID int64                        `json:"insertId,omitempty"`
	Changed  int64                        `json:"changed,omitempty"`
	Columns  []string                     `json:"columns,omitempty"`
	Rows     []map[string]json.RawMessage `json:"rows,omitempty"`
}

// MarshalJSON emits columns/rows together whenever a query produced a
// result set, even an empty one: plain struct tags can't express that,
// since omitempty drops a zero-length Rows slice exactly when a
// zero-match query needs it to stay on the wire alongside columns.
func (r ResultPayload) MarshalJSON() ([]byte, error) {
	if r.Columns == nil {
		type noRows struct {
			InsertID int64 `json:"insertId,omitempty"`
			Changed  int64 `json:"changed,omitempty"`
		}
		return json.Marshal(noRows{InsertID: r.InsertID, Changed: r.Changed})
	}

	rows := r.Rows
	if rows == nil {
		rows = []map[string]json.RawMessage{}
	}
	type withRows struct {
		InsertID int64                        `json:"insertId,omitempty"`
		Changed  int64                        `json:"changed,omitempty"`
		Columns  []string                     `json:"columns"`
		Rows     []map[string]json.RawMessage `json:"rows"`
	}
	return json.Marshal(withRows{InsertID: r.InsertID, Changed: r.Changed, Columns: r.Columns, Rows: rows})
}

// MalformedFrameError is the error ParseRequest returns for a frame that
// parses as JSON but fails the (id, method, params) shape check.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return "wireproto: malformed request frame: " + e.Reason
}

// ParseRequest validates that raw decodes to an object carrying the triple
// (id, method, params) with the right scalar/string/list types, per §4.2's
// framing rule, and returns the typed Request. A frame that is valid JSON
// but fails this shape check returns a *MalformedFrameError; the caller
// (the worker) treats that as a terminal, stream-ending failure, distinct
// from a soft per-request error.
func ParseRequest(raw []byte) (Request, error) {
	var probe struct {
		ID     *json.RawMessage    `json:"id"`
		Method *string             `json:"method"`
		Params *[]json.RawMessage  `json:"params"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Request{}, &MalformedFrameError{Reason: "id, method or params has the wrong type"}
		}
		return Request{}, fmt.Errorf("wireproto: malformed frame: %w", err)
	}
	if probe.ID == nil {
		return Request{}, &MalformedFrameError{Reason: "missing id"}
	}
	var id int64
	if err := json.Unmarshal(*probe.ID, &id); err != nil {
		return Request{}, &MalformedFrameError{Reason: "id must be an integer scalar"}
	}
	if probe.Method == nil || *probe.Method == "" {
		return Request{}, &MalformedFrameError{Reason: "missing method"}
	}
	params := []json.RawMessage{}
	if probe.Params != nil {
		params = *probe.Params
	}
	return Request{ID: id, Method: *probe.Method, Params: params}, nil
}

// NewID is a small helper for constructing a Response's *int64 ID field
// without callers needing a throwaway local variable at every call site.
func NewID(id int64) *int64 {
	return &id
}
