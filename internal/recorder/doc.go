// Package recorder persists accepted audio segments as timestamped files under a
// per-client directory.
package recorder
