package protocol

import "errors"

var (
	ErrMessageTypeMismatch = errors.New("protocol: message type mismatch")
	ErrInvalidElementKind  = errors.New("protocol: invalid element kind")
	ErrInvalidSessionType  = errors.New("protocol: invalid session type")
	ErrInvalidValue        = errors.New("protocol: invalid element value")
)
