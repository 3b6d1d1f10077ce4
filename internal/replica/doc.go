// Package replica mirrors a session's shared object tree.
//
// Every element is identified by an id assigned by the authority. Local
// creation is optimistic: the element is usable at once under a provisional
// key and picks up its id when the authority acknowledges the create. Local
// Set calls update the element immediately and are sent as soon as the id is
// known. Remote changes arrive through Tree.Apply and are reported to the
// listeners of the parent object.
//
// A Tree and its elements must only be used from the update loop.
package replica
