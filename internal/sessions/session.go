package sessions

import (
	"iter"
	"slices"

	"github.com/danmuck/sharectl/internal/conn"
	"github.com/danmuck/sharectl/internal/dispatch"
	"github.com/danmuck/sharectl/internal/protocol"
)

// State is the local machine's membership in a session.
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

// SessionListener follows one session the application asked to join.
type SessionListener interface {
	OnJoinSucceeded(s *Session)
	OnJoinFailed(s *Session, err error)
	OnSessionDisconnected(s *Session)
}

// User is a session member as announced by the authority.
type User struct {
	id      uint32
	name    string
	session *Session
}

func (u *User) ID() uint32 { return u.id }

func (u *User) Name() string { return u.name }

// Session returns the session u belongs to; nil for the local user record.
func (u *User) Session() *Session { return u.session }

type Session struct {
	id        uint32
	name      string
	kind      protocol.SessionType
	state     State
	rootID    uint64
	users     []*User
	registry  *Registry
	listeners *dispatch.List[SessionListener]
}

func newSession(r *Registry, d protocol.SessionDescriptor) *Session {
	s := &Session{
		id:        d.ID,
		name:      d.Name,
		kind:      d.Type,
		registry:  r,
		listeners: dispatch.New[SessionListener]("sessions.session"),
	}
	s.setUsers(d.Users)
	return s
}

func (s *Session) ID() uint32                 { return s.id }
func (s *Session) Name() string               { return s.name }
func (s *Session) Type() protocol.SessionType { return s.kind }
func (s *Session) State() State               { return s.state }
func (s *Session) IsJoined() bool             { return s.state == StateJoined }

// RootID is the authority id of the session's root element while joined.
func (s *Session) RootID() uint64 { return s.rootID }

// Connection is the shared authority connection the session runs over.
func (s *Session) Connection() *conn.Connection {
	return s.registry.conn
}

func (s *Session) UserCount() int { return len(s.users) }

// Users yields a snapshot of the member list.
func (s *Session) Users() iter.Seq[*User] {
	snapshot := slices.Clone(s.users)
	return func(yield func(*User) bool) {
		for _, u := range snapshot {
			if !yield(u) {
				return
			}
		}
	}
}

func (s *Session) User(id uint32) *User {
	for _, u := range s.users {
		if u.id == id {
			return u
		}
	}
	return nil
}

func (s *Session) addUser(d protocol.UserDescriptor) (*User, bool) {
	if u := s.User(d.ID); u != nil {
		return u, false
	}
	u := &User{id: d.ID, name: d.Name, session: s}
	s.users = append(s.users, u)
	return u, true
}

func (s *Session) removeUser(id uint32) *User {
	for i, u := range s.users {
		if u.id == id {
			s.users = slices.Delete(s.users, i, i+1)
			return u
		}
	}
	return nil
}

func (s *Session) setUsers(in []protocol.UserDescriptor) {
	next := make([]*User, 0, len(in))
	for _, d := range in {
		if u := s.User(d.ID); u != nil {
			next = append(next, u)
			continue
		}
		next = append(next, &User{id: d.ID, name: d.Name, session: s})
	}
	s.users = next
}
