// Package transport spawns the worker child process and exposes it as a
// single bidirectional byte stream, choosing between a stdio pipe pair and
// a loopback TCP socket depending on the requested Mode.
package transport
