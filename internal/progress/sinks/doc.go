// Package sinks implements concrete progress consumers: Prometheus metrics,
// structured logging, and an in-memory recorder. Each sink satisfies the
// progress.Sink interface.
package sinks
