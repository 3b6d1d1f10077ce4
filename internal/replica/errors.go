package replica

import "errors"

var (
	ErrTypeMismatch         = errors.New("replica: type mismatch")
	ErrElementExists        = errors.New("replica: element name already exists")
	ErrInvalidName          = errors.New("replica: invalid element name")
	ErrNotChild             = errors.New("replica: element is not a child of this object")
	ErrElementInvalid       = errors.New("replica: element is no longer attached to a tree")
	ErrUnknownRemoteElement = errors.New("replica: unknown remote element")
	ErrForeignSession       = errors.New("replica: message for another session")
)
