// Package sqliteasync is the public API: a non-blocking, event-loop
// friendly façade over an embedded SQLite engine, backed by a dedicated
// worker child process. Callers open a Connection through a Factory,
// either eagerly (the worker is spawned immediately) or lazily (the
// worker is spawned on first use and recycled after an idle period).
package sqliteasync
