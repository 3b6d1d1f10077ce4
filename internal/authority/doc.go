// Package authority implements sessiond, the server side of the sharing
// protocol. It owns the session list, assigns user, session and element ids,
// orders concurrent writes and fans every change out to session members.
package authority
