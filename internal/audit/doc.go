// Package audit carries security events from the engine to a pluggable
// sink without blocking the request path. The engine re-exports the
// public pieces; this package holds the event model, the sinks, and the
// buffered dispatcher.
package audit
