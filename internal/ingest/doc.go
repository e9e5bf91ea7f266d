// Package ingest implements the per-connection session handler. It reads messages
// from a sensor node, accumulates audio in the session store, and on end-of-segment
// classifies the buffered audio and persists tonal segments.
package ingest
