// Package conn owns the bidirectional message channel to one remote endpoint.
//
// Ownership boundary:
// - stream (TCP/TLS) and WebSocket transports carrying framed messages
// - reader/writer goroutines feeding the inbound queue
// - listener dispatch keyed by message type, run from Update or Run
// - pairing: background establishment with retry and backoff
package conn
