// Package server implements the WebSocket ingestion listener and the monitoring HTTP API.
// The listener runs one session handler per connection and closes live connections on
// shutdown; the HTTP API exposes sessions, statistics, configuration and Prometheus metrics.
package server
