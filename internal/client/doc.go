// Package client is the interactive sharectl facade. It owns pairing, the
// authority connection, the session registry and the replica of the joined
// session, and mutates them only from its update loop.
package client
