// Package crawler defines the page, fetch, and storage contracts shared by the
// discovery chain, the fetch adapters, and the aggregation runner.
package crawler
