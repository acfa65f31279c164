// Package worker implements the single-threaded RPC server that owns one
// SQLite handle and answers open/exec/query/close requests from the parent
// process. It is deliberately the only package in this module that imports
// the SQLite driver: no other component ever touches the engine directly.
package worker

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basinhollow/sqliteasync/wireproto"
)

// Server is a single, serially driven RPC loop bound to at most one SQLite
// handle at a time. It is not safe for concurrent use — Serve is meant to
// run on the worker process's single goroutine dispatching requests.
type Server struct {
	logger *slog.Logger
	db     *sqlx.DB
}

// NewServer constructs a Server with no open handle. logger may be nil, in
// which case slog.Default() is used.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger}
}

// Serve reads frames from in and writes responses to out until in reaches
// EOF (orderly shutdown, returns nil) or a framing-level failure occurs (a
// terminal error frame is written first, and the error is returned).
func (s *Server) Serve(in io.Reader, out io.Writer) error {
	dec := wireproto.NewDecoder(in)
	enc := wireproto.NewEncoder(out)
	defer s.closeHandle()

	for {
		raw, err := dec.ReadFrame()
		if err == io.EOF {
			s.logger.Info("worker: input stream closed, shutting down")
			return nil
		}
		if err != nil {
			s.logger.Error("worker: fatal decode error", "error", err)
			_ = enc.Encode(wireproto.Response{Error: &wireproto.RPCError{
				Message: err.Error(),
				Code:    wireproto.CodeParseError,
			}})
			return err
		}

		req, err := wireproto.ParseRequest(raw)
		if err != nil {
			s.logger.Error("worker: malformed request frame", "error", err)
			code := wireproto.CodeInvalidFrame
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				code = wireproto.CodeParseError
			}
			_ = enc.Encode(wireproto.Response{Error: &wireproto.RPCError{
				Message: err.Error(),
				Code:    code,
			}})
			return err
		}

		resp := s.dispatch(&req)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("worker: write response: %w", err)
		}
	}
}

func (s *Server) dispatch(req *wireproto.Request) wireproto.Response {
	id := req.ID
	s.logger.Debug("worker: dispatching request", "id", id, "method", req.Method)

	var payload *wireproto.ResultPayload
	var rpcErr *wireproto.RPCError

	switch req.Method {
	case wireproto.MethodOpen:
		rpcErr = s.handleOpen(req)
	case wireproto.MethodExec:
		payload, rpcErr = s.handleExec(req)
	case wireproto.MethodQuery:
		payload, rpcErr = s.handleQuery(req)
	case wireproto.MethodClose:
		rpcErr = s.handleClose()
	default:
		rpcErr = &wireproto.RPCError{
			Message: fmt.Sprintf("unknown method %q", req.Method),
			Code:    wireproto.CodeInvalidMethod,
		}
	}

	if rpcErr != nil {
		s.logger.Warn("worker: request failed", "id", id, "method", req.Method, "error", rpcErr.Message)
		return wireproto.Response{ID: &id, Error: rpcErr}
	}

	var result json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			msg := fmt.Sprintf("failed to marshal result: %v", err)
			return wireproto.Response{ID: &id, Error: &wireproto.RPCError{Message: msg}}
		}
		result = raw
	} else {
		result = json.RawMessage("{}")
	}
	return wireproto.Response{ID: &id, Result: result}
}

func (s *Server) closeHandle() {
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}

func (s *Server) handleOpen(req *wireproto.Request) *wireproto.RPCError {
	if s.db != nil {
		return &wireproto.RPCError{Message: "database already open"}
	}
	if len(req.Params) < 1 {
		return &wireproto.RPCError{Message: "open requires a filename parameter"}
	}
	var filename string
	if err := json.Unmarshal(req.Params[0], &filename); err != nil {
		return &wireproto.RPCError{Message: "filename parameter must be a string"}
	}
	flags := wireproto.DefaultFlags
	if len(req.Params) > 1 {
		var f uint32
		if err := json.Unmarshal(req.Params[1], &f); err != nil {
			return &wireproto.RPCError{Message: "flags parameter must be an integer"}
		}
		flags = wireproto.Flags(f)
	}

	dsn := buildDSN(filename, flags)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return &wireproto.RPCError{Message: err.Error()}
	}
	s.db = db
	return nil
}

func buildDSN(filename string, flags wireproto.Flags) string {
	if filename == "" || filename == ":memory:" {
		return filename
	}
	mode := "rwc"
	switch {
	case flags&wireproto.FlagReadOnly != 0:
		mode = "ro"
	case flags&wireproto.FlagCreate == 0:
		mode = "rw"
	}
	return fmt.Sprintf("file:%s?mode=%s", filename, mode)
}

func (s *Server) handleExec(req *wireproto.Request) (*wireproto.ResultPayload, *wireproto.RPCError) {
	if s.db == nil {
		return nil, &wireproto.RPCError{Message: "invalid method call", Code: wireproto.CodeInvalidMethod}
	}
	if len(req.Params) < 1 {
		return nil, &wireproto.RPCError{Message: "exec requires a sql parameter"}
	}
	var sqlText string
	if err := json.Unmarshal(req.Params[0], &sqlText); err != nil {
		return nil, &wireproto.RPCError{Message: "sql parameter must be a string"}
	}

	res, err := s.db.Exec(sqlText)
	if err != nil {
		return nil, &wireproto.RPCError{Message: err.Error()}
	}
	insertID, _ := res.LastInsertId()
	changed, _ := res.RowsAffected()
	return &wireproto.ResultPayload{InsertID: insertID, Changed: changed}, nil
}

func (s *Server) handleQuery(req *wireproto.Request) (*wireproto.ResultPayload, *wireproto.RPCError) {
	if s.db == nil {
		return nil, &wireproto.RPCError{Message: "invalid method call", Code: wireproto.CodeInvalidMethod}
	}
	if len(req.Params) < 1 {
		return nil, &wireproto.RPCError{Message: "query requires a sql parameter"}
	}
	var sqlText string
	if err := json.Unmarshal(req.Params[0], &sqlText); err != nil {
		return nil, &wireproto.RPCError{Message: "sql parameter must be a string"}
	}

	var bindRaw json.RawMessage
	if len(req.Params) > 1 {
		bindRaw = req.Params[1]
	}
	args, err := bindArgs(bindRaw)
	if err != nil {
		return nil, &wireproto.RPCError{Message: err.Error()}
	}

	rows, err := s.db.Query(sqlText, args...)
	if err != nil {
		return nil, &wireproto.RPCError{Message: err.Error()}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, &wireproto.RPCError{Message: err.Error()}
	}

	resultRows := []map[string]json.RawMessage{}
	scanDest := make([]any, len(columns))
	scanPtrs := make([]any, len(columns))
	for i := range scanDest {
		scanPtrs[i] = &scanDest[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, &wireproto.RPCError{Message: err.Error()}
		}
		row := make(map[string]json.RawMessage, len(columns))
		for i, col := range columns {
			raw, err := cellToValue(scanDest[i]).MarshalWireValue()
			if err != nil {
				return nil, &wireproto.RPCError{Message: err.Error()}
			}
			row[col] = raw
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &wireproto.RPCError{Message: err.Error()}
	}
	rows.Close()

	// With rows closed the statement's connection is back in the pool, and
	// requests run one at a time, so this reads the same SQLite handle.
	var insertID, changed int64
	if err := s.db.QueryRow("SELECT last_insert_rowid(), changes()").Scan(&insertID, &changed); err != nil {
		return nil, &wireproto.RPCError{Message: err.Error()}
	}

	return &wireproto.ResultPayload{InsertID: insertID, Changed: changed, Columns: columns, Rows: resultRows}, nil
}

func (s *Server) handleClose() *wireproto.RPCError {
	if s.db == nil {
		return &wireproto.RPCError{Message: "invalid method call", Code: wireproto.CodeInvalidMethod}
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return &wireproto.RPCError{Message: err.Error()}
	}
	return nil
}

// bindArgs decodes the `query` method's optional second parameter, which is
// either a JSON array (positional, 1-based placeholders) or a JSON object
// (named placeholders).
func bindArgs(raw json.RawMessage) ([]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("malformed positional params: %w", err)
		}
		args := make([]any, len(list))
		for i, item := range list {
			v, err := wireproto.DecodeWireValue(item)
			if err != nil {
				return nil, err
			}
			args[i] = bindValue(v)
		}
		return args, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("malformed named params: %w", err)
		}
		args := make([]any, 0, len(obj))
		for name, item := range obj {
			v, err := wireproto.DecodeWireValue(item)
			if err != nil {
				return nil, err
			}
			args = append(args, sql.Named(name, bindValue(v)))
		}
		return args, nil
	default:
		return nil, fmt.Errorf("params must be a list or object")
	}
}

func bindValue(v wireproto.Value) any {
	switch v.Kind {
	case wireproto.KindNull:
		return nil
	case wireproto.KindInt:
		return v.Int
	case wireproto.KindFloat:
		return v.Float
	case wireproto.KindText:
		return v.Text
	case wireproto.KindBlob:
		return v.Blob
	default:
		return nil
	}
}

// cellToValue maps a database/sql scan result (as produced by go-sqlite3)
// back into the tagged Value domain. go-sqlite3 already distinguishes TEXT
// (string) from BLOB ([]byte) at the driver layer, so no further type
// inference is needed here.
func cellToValue(v any) wireproto.Value {
	switch x := v.(type) {
	case nil:
		return wireproto.NullValue()
	case int64:
		return wireproto.IntValue(x)
	case float64:
		return wireproto.FloatValue(x)
	case string:
		return wireproto.TextValue(x)
	case []byte:
		return wireproto.BlobValue(x)
	case bool:
		if x {
			return wireproto.IntValue(1)
		}
		return wireproto.IntValue(0)
	case time.Time:
		return wireproto.TextValue(x.Format(time.RFC3339Nano))
	default:
		return wireproto.TextValue(fmt.Sprint(x))
	}
}
