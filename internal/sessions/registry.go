package sessions

import (
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/danmuck/sharectl/internal/conn"
	"github.com/danmuck/sharectl/internal/dispatch"
	"github.com/danmuck/sharectl/internal/protocol"
	"github.com/danmuck/sharectl/internal/protocol/schema"
	"github.com/danmuck/sharectl/internal/protocol/transport"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// RegistryListener receives session-list events for every known session,
// whether or not the local user is a member.
type RegistryListener interface {
	OnCreateSucceeded(s *Session)
	OnCreateFailed(err error)
	OnSessionAdded(s *Session)
	OnSessionClosed(s *Session)
	OnUserJoinedSession(s *Session, u *User)
	OnUserLeftSession(s *Session, u *User)
	OnServerConnected()
	OnServerDisconnected()
}

const (
	requestCreate = "create"
	requestJoin   = "join"
)

var messageTypes = []uint32{
	schema.MsgHelloAck,
	schema.MsgSessionList,
	schema.MsgCreateSessionReply,
	schema.MsgSessionAdded,
	schema.MsgSessionClosed,
	schema.MsgJoinSessionReply,
	schema.MsgUserJoined,
	schema.MsgUserLeft,
	schema.MsgError,
}

// Registry tracks the sessions the authority knows about and the local
// machine's membership. All methods run on the update loop.
type Registry struct {
	userName   string
	ackTimeout time.Duration
	now        func() time.Time

	conn      *conn.Connection
	localUser *User
	sessions  []*Session
	joined    *Session
	pending   string

	outbox    *transport.Outbox
	listeners *dispatch.List[RegistryListener]
}

func NewRegistry(userName string, cfg transport.Config) *Registry {
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = transport.DefaultConfig().AckTimeout
	}
	return &Registry{
		userName:   userName,
		ackTimeout: ackTimeout,
		now:        time.Now,
		outbox:     transport.NewOutbox(),
		listeners:  dispatch.New[RegistryListener]("sessions.registry"),
	}
}

func (r *Registry) AddListener(l RegistryListener) bool    { return r.listeners.Add(l) }
func (r *Registry) RemoveListener(l RegistryListener) bool { return r.listeners.Remove(l) }

// Bind attaches the registry to c. OnConnected from c triggers the hello and
// list exchange.
func (r *Registry) Bind(c *conn.Connection) {
	if r.conn != nil {
		r.Unbind()
	}
	r.conn = c
	for _, t := range messageTypes {
		c.AddListener(t, r)
	}
}

// Unbind detaches from the current connection without touching session state.
func (r *Registry) Unbind() {
	if r.conn == nil {
		return
	}
	for _, t := range messageTypes {
		r.conn.RemoveListener(t, r)
	}
	r.conn = nil
}

func (r *Registry) IsServerConnected() bool {
	return r.conn != nil && r.conn.IsConnected()
}

// CurrentUser is the authority-assigned local user, nil before hello.ack.
func (r *Registry) CurrentUser() *User {
	return r.localUser
}

// CurrentSession is the joined or joining session, if any.
func (r *Registry) CurrentSession() *Session {
	return r.joined
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

// Sessions yields the sessions known when it is called.
func (r *Registry) Sessions() iter.Seq[*Session] {
	snapshot := slices.Clone(r.sessions)
	return func(yield func(*Session) bool) {
		for _, s := range snapshot {
			if !yield(s) {
				return
			}
		}
	}
}

func (r *Registry) Session(name string) *Session {
	for _, s := range r.sessions {
		if s.name == name {
			return s
		}
	}
	return nil
}

func (r *Registry) SessionByID(id uint32) *Session {
	for _, s := range r.sessions {
		if s.id == id {
			return s
		}
	}
	return nil
}

// CreateSession requests an ad-hoc session.
func (r *Registry) CreateSession(name string) error {
	return r.CreateSessionWithType(name, protocol.SessionAdHoc)
}

// CreateSessionWithType validates locally and sends the request. The outcome
// arrives through OnCreateSucceeded or OnCreateFailed. A joined session is
// left first and its listeners are dropped.
func (r *Registry) CreateSessionWithType(name string, kind protocol.SessionType) error {
	if !r.IsServerConnected() {
		log.Warn().Str("session", name).Msg("sessions.Registry.CreateSession not connected")
		return ErrNotConnected
	}
	if r.pending != "" {
		log.Warn().Str("session", name).Msg("sessions.Registry.CreateSession request pending")
		return ErrCreatePending
	}
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < MinSessionNameLength || n > MaxSessionNameLength {
		return fmt.Errorf("%w: length %d outside %d..%d", ErrInvalidSessionName, n, MinSessionNameLength, MaxSessionNameLength)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %s", protocol.ErrInvalidSessionType, kind)
	}
	if r.joined != nil {
		log.Info().Str("session", r.joined.name).Msg("sessions.Registry.CreateSession leaving current session first")
		r.leaveCurrent()
	}

	requestID := ulid.Make().String()
	if err := r.conn.SendBody(protocol.CreateSession{RequestID: requestID, Name: name, Type: kind}); err != nil {
		return err
	}
	now := r.now()
	r.pending = requestID
	r.outbox.Upsert(transport.PendingRequest{
		RequestID:     requestID,
		Kind:          requestCreate,
		Subject:       name,
		QueuedAt:      now,
		AckDeadlineAt: now.Add(r.ackTimeout),
	})
	log.Debug().Str("session", name).Str("request_id", requestID).Msg("sessions.Registry.CreateSession sent")
	return nil
}

// JoinSession joins the known session with exactly this name. Unknown names
// fail locally without contacting the authority. Another joined session is
// left first and its listeners are dropped.
func (r *Registry) JoinSession(name string, l SessionListener) (*Session, error) {
	if !r.IsServerConnected() {
		return nil, ErrNotConnected
	}
	s := r.Session(name)
	if s == nil {
		log.Warn().Str("session", name).Msg("sessions.Registry.JoinSession unknown session")
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, name)
	}
	if r.joined == s {
		s.listeners.Add(l)
		return s, nil
	}
	if r.joined != nil {
		r.leaveCurrent()
	}
	if err := r.conn.SendBody(protocol.JoinSession{SessionID: s.id}); err != nil {
		return nil, err
	}
	s.listeners.Add(l)
	s.state = StateJoining
	r.joined = s
	now := r.now()
	r.outbox.Upsert(transport.PendingRequest{
		RequestID:     joinKey(s.id),
		Kind:          requestJoin,
		Subject:       s.name,
		QueuedAt:      now,
		AckDeadlineAt: now.Add(r.ackTimeout),
	})
	log.Debug().Str("session", s.name).Uint32("session_id", s.id).Msg("sessions.Registry.JoinSession sent")
	return s, nil
}

// LeaveSession leaves s and unregisters l from it.
func (r *Registry) LeaveSession(s *Session, l SessionListener) error {
	if s == nil || s.state != StateJoined {
		return ErrNotJoined
	}
	r.leave(s)
	s.listeners.Remove(l)
	return nil
}

func (r *Registry) leave(s *Session) {
	if r.IsServerConnected() {
		if err := r.conn.SendBody(protocol.LeaveSession{SessionID: s.id}); err != nil {
			log.Warn().Err(err).Str("session", s.name).Msg("sessions.Registry leave not sent")
		}
	}
	r.outbox.Take(joinKey(s.id))
	s.state = StateDisconnected
	s.rootID = 0
	if r.localUser != nil {
		s.removeUser(r.localUser.id)
	}
	if r.joined == s {
		r.joined = nil
	}
	log.Info().Str("session", s.name).Msg("sessions.Registry left session")
}

// leaveCurrent leaves the joined session on behalf of a create or join. The
// caller asked for the switch, so its listeners are dropped without a
// callback, as LeaveSession drops its listener.
func (r *Registry) leaveCurrent() {
	s := r.joined
	r.leave(s)
	s.listeners.Clear()
}

// Update fails requests whose acknowledgment deadline has passed.
func (r *Registry) Update() {
	for _, item := range r.outbox.Expire(r.now()) {
		switch item.Kind {
		case requestCreate:
			if r.pending != item.RequestID {
				continue
			}
			r.pending = ""
			log.Warn().Str("session", item.Subject).Msg("sessions.Registry create timed out")
			r.notifyCreateFailed(CreateFailedError{Name: item.Subject, Reason: "timed out"})
		case requestJoin:
			s := r.Session(item.Subject)
			if s == nil || s.state != StateJoining {
				continue
			}
			log.Warn().Str("session", item.Subject).Msg("sessions.Registry join timed out")
			r.failJoin(s, "timed out")
		}
	}
}

func (r *Registry) OnConnected(c *conn.Connection) {
	if err := c.SendBody(protocol.Hello{UserName: r.userName}); err != nil {
		log.Warn().Err(err).Msg("sessions.Registry hello not sent")
	}
	if err := c.SendBody(protocol.ListSessions{}); err != nil {
		log.Warn().Err(err).Msg("sessions.Registry list not sent")
	}
	log.Info().Str("remote", c.RemoteAddr()).Msg("sessions.Registry server connected")
	r.listeners.Notify(func(l RegistryListener) { l.OnServerConnected() })
}

func (r *Registry) OnDisconnected(*conn.Connection) {
	joined := r.joined
	r.joined = nil
	r.sessions = nil
	r.localUser = nil
	pendingName := ""
	if r.pending != "" {
		if item, ok := r.outbox.Get(r.pending); ok {
			pendingName = item.Subject
		}
	}
	hadPending := r.pending != ""
	r.pending = ""
	r.outbox.Clear()

	if joined != nil {
		joined.state = StateDisconnected
		joined.rootID = 0
		joined.listeners.Notify(func(l SessionListener) { l.OnSessionDisconnected(joined) })
		joined.listeners.Clear()
	}
	if hadPending {
		r.notifyCreateFailed(CreateFailedError{Name: pendingName, Reason: "disconnected"})
	}
	log.Info().Msg("sessions.Registry server disconnected")
	r.listeners.Notify(func(l RegistryListener) { l.OnServerDisconnected() })
}

func (r *Registry) OnMessage(_ *conn.Connection, msg protocol.Message) {
	var err error
	switch msg.Type {
	case schema.MsgHelloAck:
		err = protocol.Handle(msg, r.onHelloAck)
	case schema.MsgSessionList:
		err = protocol.Handle(msg, r.onSessionList)
	case schema.MsgCreateSessionReply:
		err = protocol.Handle(msg, r.onCreateReply)
	case schema.MsgSessionAdded:
		err = protocol.Handle(msg, func(b protocol.SessionAdded) { r.upsert(b.Session) })
	case schema.MsgSessionClosed:
		err = protocol.Handle(msg, r.onSessionClosed)
	case schema.MsgJoinSessionReply:
		err = protocol.Handle(msg, r.onJoinReply)
	case schema.MsgUserJoined:
		err = protocol.Handle(msg, r.onUserJoined)
	case schema.MsgUserLeft:
		err = protocol.Handle(msg, r.onUserLeft)
	case schema.MsgError:
		err = protocol.Handle(msg, func(b protocol.Error) {
			log.Warn().Str("reason", b.Reason).Msg("sessions.Registry authority error")
		})
	}
	if err != nil {
		log.Warn().Err(err).Str("type", msg.Name()).Msg("sessions.Registry dropped message")
	}
}

func (r *Registry) onHelloAck(b protocol.HelloAck) {
	r.localUser = &User{id: b.UserID, name: r.userName}
	log.Debug().Uint32("user_id", b.UserID).Msg("sessions.Registry hello acknowledged")
}

// onSessionList treats the list as the full authority view.
func (r *Registry) onSessionList(b protocol.SessionList) {
	seen := make(map[uint32]bool, len(b.Sessions))
	for _, d := range b.Sessions {
		seen[d.ID] = true
		r.upsert(d)
	}
	for _, s := range slices.Clone(r.sessions) {
		if !seen[s.id] {
			r.drop(s)
		}
	}
}

func (r *Registry) onCreateReply(b protocol.CreateSessionReply) {
	item, ok := r.outbox.Take(b.RequestID)
	if !ok || r.pending != b.RequestID {
		log.Debug().Str("request_id", b.RequestID).Msg("sessions.Registry stale create reply")
		return
	}
	r.pending = ""
	if !b.OK {
		r.notifyCreateFailed(CreateFailedError{Name: item.Subject, Reason: b.Reason})
		return
	}
	s := r.upsert(b.Session)
	log.Info().Str("session", s.name).Uint32("session_id", s.id).Msg("sessions.Registry session created")
	r.listeners.Notify(func(l RegistryListener) { l.OnCreateSucceeded(s) })
}

func (r *Registry) onSessionClosed(b protocol.SessionClosed) {
	if s := r.SessionByID(b.SessionID); s != nil {
		r.drop(s)
	}
}

func (r *Registry) onJoinReply(b protocol.JoinSessionReply) {
	s := r.SessionByID(b.SessionID)
	if s == nil || s.state != StateJoining || r.joined != s {
		log.Debug().Uint32("session_id", b.SessionID).Msg("sessions.Registry stale join reply")
		return
	}
	r.outbox.Take(joinKey(s.id))
	if !b.OK {
		r.failJoin(s, b.Reason)
		return
	}
	s.state = StateJoined
	s.rootID = b.RootID
	if r.localUser != nil {
		s.addUser(protocol.UserDescriptor{ID: r.localUser.id, Name: r.localUser.name})
	}
	log.Info().Str("session", s.name).Uint64("root_id", s.rootID).Msg("sessions.Registry joined session")
	s.listeners.Notify(func(l SessionListener) { l.OnJoinSucceeded(s) })
}

func (r *Registry) onUserJoined(b protocol.UserJoined) {
	s := r.SessionByID(b.SessionID)
	if s == nil {
		return
	}
	u, added := s.addUser(b.User)
	if !added {
		return
	}
	r.listeners.Notify(func(l RegistryListener) { l.OnUserJoinedSession(s, u) })
}

func (r *Registry) onUserLeft(b protocol.UserLeft) {
	s := r.SessionByID(b.SessionID)
	if s == nil {
		return
	}
	u := s.removeUser(b.UserID)
	if u == nil {
		return
	}
	r.listeners.Notify(func(l RegistryListener) { l.OnUserLeftSession(s, u) })
}

// upsert adds or refreshes a session from the authority's descriptor.
func (r *Registry) upsert(d protocol.SessionDescriptor) *Session {
	if s := r.SessionByID(d.ID); s != nil {
		s.name = d.Name
		s.kind = d.Type
		s.setUsers(d.Users)
		return s
	}
	s := newSession(r, d)
	r.sessions = append(r.sessions, s)
	log.Debug().Str("session", s.name).Uint32("session_id", s.id).Msg("sessions.Registry session added")
	r.listeners.Notify(func(l RegistryListener) { l.OnSessionAdded(s) })
	return s
}

func (r *Registry) drop(s *Session) {
	i := slices.Index(r.sessions, s)
	if i < 0 {
		return
	}
	r.sessions = slices.Delete(r.sessions, i, i+1)
	log.Info().Str("session", s.name).Msg("sessions.Registry session closed")
	r.listeners.Notify(func(l RegistryListener) { l.OnSessionClosed(s) })
	if r.joined == s {
		r.joined = nil
		r.outbox.Take(joinKey(s.id))
		s.state = StateDisconnected
		s.rootID = 0
		s.listeners.Notify(func(l SessionListener) { l.OnSessionDisconnected(s) })
		s.listeners.Clear()
	}
}

func (r *Registry) failJoin(s *Session, reason string) {
	s.state = StateDisconnected
	if r.joined == s {
		r.joined = nil
	}
	err := fmt.Errorf("%w: %s: %s", ErrJoinFailed, s.name, reason)
	log.Warn().Err(err).Msg("sessions.Registry join failed")
	s.listeners.Notify(func(l SessionListener) { l.OnJoinFailed(s, err) })
	s.listeners.Clear()
}

func (r *Registry) notifyCreateFailed(err CreateFailedError) {
	log.Warn().Str("session", err.Name).Str("reason", err.Reason).Msg("sessions.Registry create failed")
	r.listeners.Notify(func(l RegistryListener) { l.OnCreateFailed(err) })
}

func joinKey(id uint32) string {
	return fmt.Sprintf("join.%d", id)
}
