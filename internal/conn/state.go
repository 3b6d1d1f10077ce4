package conn

import "errors"

var (
	ErrNotConnected      = errors.New("conn: not connected")
	ErrSendQueueFull     = errors.New("conn: send queue full")
	ErrPairingInProgress = errors.New("conn: pairing already in progress")
	ErrInvalidStrategy   = errors.New("conn: invalid pairing strategy")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}
