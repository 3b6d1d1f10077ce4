package sessions

import (
	"errors"
	"fmt"

	"github.com/danmuck/sharectl/internal/conn"
)

const (
	MinSessionNameLength = 1
	MaxSessionNameLength = 64
)

var (
	// ErrNotConnected is the connection sentinel, re-exported for callers that
	// only import sessions.
	ErrNotConnected       = conn.ErrNotConnected
	ErrCreatePending      = errors.New("sessions: a create request is already pending")
	ErrInvalidSessionName = errors.New("sessions: invalid session name")
	ErrSessionNotFound    = errors.New("sessions: session not found")
	ErrNotJoined          = errors.New("sessions: session not joined")
	ErrJoinFailed         = errors.New("sessions: join failed")
)

// CreateFailedError is delivered through OnCreateFailed when the authority
// rejects or never answers a create request.
type CreateFailedError struct {
	Name   string
	Reason string
}

func (e CreateFailedError) Error() string {
	return fmt.Sprintf("sessions: create %q failed: %s", e.Name, e.Reason)
}
