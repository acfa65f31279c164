// Package eagerconn implements the parent-side connection bound one-to-one
// to a live worker process and SQLite handle: the request/response
// multiplexer that turns the worker's line-delimited wire protocol into
// futures the caller can wait on.
package eagerconn
