// Package wireproto defines the line-delimited JSON-RPC dialect spoken
// between a sqliteasync parent process and its worker child: frame
// encoding/decoding, the request/response envelope, and the value encoding
// rules that carry SQLite's native type domain (including binary blobs)
// across a text transport.
package wireproto
