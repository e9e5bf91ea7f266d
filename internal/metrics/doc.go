// Package metrics defines the Prometheus collectors exported by the ingestion service.
package metrics
