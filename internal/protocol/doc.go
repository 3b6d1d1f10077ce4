// Package protocol owns the typed sharectl wire messages.
//
// Ownership boundary:
// - Message envelope over frame + tlv primitives
// - typed request/notification bodies and their field mapping
// - element kinds and value encoding
package protocol
