// Package session provides the concurrent store of in-flight audio segments.
// Each entry is addressed by the connection's current key: the transport identity
// until the node identifies itself, its logical client id afterwards.
package session
