// Package transport owns connection policy shared by sharectl and sessiond.
//
// Ownership boundary:
// - timeouts, queue bounds and retry backoff
// - TLS security-mode validation and tls.Config construction
// - pending-request outbox with acknowledgment deadlines
package transport
