// Package progress defines the events an aggregation run reports and the
// emitter/sink interfaces used to observe them. Components receive an Emitter
// explicitly; events are delivered synchronously, in order, to every sink.
package progress
