// Package store keeps the history of recent aggregation runs, built from the
// progress events they emit. The API serves it read-only.
package store
