// Package lazyconn implements the virtual connection that defers opening
// the underlying worker until first use, collapses idle time behind a
// timer, and transparently recreates the eager connection it wraps after
// failure or idle expiry, without ever exposing that churn to the caller.
package lazyconn
