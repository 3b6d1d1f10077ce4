package authority

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/danmuck/sharectl/internal/conn"
	"github.com/danmuck/sharectl/internal/observability"
	"github.com/danmuck/sharectl/internal/protocol"
	"github.com/rs/zerolog/log"
)

const maxSessionNameLength = 64

var (
	ErrHelloRequired  = errors.New("authority: hello required")
	ErrNotMember      = errors.New("authority: not a member of the session")
	ErrUnknownElement = errors.New("authority: unknown element")
	ErrInvalidWrite   = errors.New("authority: invalid write")
	ErrPeerTooSlow    = errors.New("authority: peer too slow")
)

// peer is one connected client.
type peer struct {
	conn    *conn.Connection
	userID  uint32
	name    string
	session *session

	// writeTimeout bounds how long a send waits for queue space.
	writeTimeout time.Duration
	// evicted is set once the peer fell behind; nothing more is sent to it.
	evicted bool
}

func (p *peer) greeted() bool { return p.userID != 0 }

// send waits for queue space so no sync message is lost. A peer whose queue
// stays full for writeTimeout is aborted; it re-pairs and rejoins with a
// fresh snapshot.
func (p *peer) send(b protocol.Body) {
	if p.evicted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()
	msg := protocol.New(b)
	err := p.conn.SendWait(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, conn.ErrSendQueueFull):
		p.evicted = true
		log.Warn().Err(err).Uint32("user_id", p.userID).Str("type", msg.Name()).Msg("authority.peer.send evicting slow peer")
		observability.RecordPeerEvicted()
		p.conn.Abort(fmt.Errorf("%w: user %d", ErrPeerTooSlow, p.userID))
	default:
		log.Warn().Err(err).Uint32("user_id", p.userID).Str("type", msg.Name()).Msg("authority.peer.send failed")
	}
}

type node struct {
	id       uint64
	parent   uint64
	name     string
	value    protocol.Value
	origin   uint32
	children []uint64
}

type session struct {
	id      uint32
	name    string
	kind    protocol.SessionType
	rootID  uint64
	members []*peer
	nodes   map[uint64]*node
}

func (s *session) descriptor() protocol.SessionDescriptor {
	users := make([]protocol.UserDescriptor, 0, len(s.members))
	for _, m := range s.members {
		users = append(users, protocol.UserDescriptor{ID: m.userID, Name: m.name})
	}
	return protocol.SessionDescriptor{ID: s.id, Name: s.name, Type: s.kind, Users: users}
}

func (s *session) child(parent *node, name string) *node {
	for _, id := range parent.children {
		if n := s.nodes[id]; n != nil && n.name == name {
			return n
		}
	}
	return nil
}

// walk visits the elements below the root, parents before children.
func (s *session) walk(fn func(*node)) {
	var visit func(uint64)
	visit = func(id uint64) {
		n := s.nodes[id]
		if n == nil {
			return
		}
		if id != s.rootID {
			fn(n)
		}
		for _, c := range n.children {
			visit(c)
		}
	}
	visit(s.rootID)
}

func (s *session) removeSubtree(id uint64) int {
	n := s.nodes[id]
	if n == nil {
		return 0
	}
	removed := 1
	for _, c := range n.children {
		removed += s.removeSubtree(c)
	}
	delete(s.nodes, id)
	return removed
}

func (s *session) broadcast(b protocol.Body, except *peer) {
	for _, m := range s.members {
		if m != except {
			m.send(b)
		}
	}
}

// The handlers below run with Server.mu held.

func (s *Server) greetedPeers(except *peer) []*peer {
	out := make([]*peer, 0, len(s.peers))
	for _, p := range s.order {
		if p != except && p.greeted() {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) announce(b protocol.Body, except *peer) {
	for _, p := range s.greetedPeers(except) {
		p.send(b)
	}
}

func (s *Server) sessionByID(id uint32) *session {
	for _, sess := range s.sessions {
		if sess.id == id {
			return sess
		}
	}
	return nil
}

func (s *Server) sessionByName(name string) *session {
	for _, sess := range s.sessions {
		if sess.name == name {
			return sess
		}
	}
	return nil
}

func (s *Server) newSession(name string, kind protocol.SessionType) *session {
	s.nextSession++
	s.nextElement++
	sess := &session{
		id:     s.nextSession,
		name:   name,
		kind:   kind,
		rootID: s.nextElement,
		nodes:  make(map[uint64]*node),
	}
	sess.nodes[sess.rootID] = &node{id: sess.rootID, value: protocol.ObjectValue()}
	s.sessions = append(s.sessions, sess)
	log.Info().Str("session", name).Uint32("session_id", sess.id).Str("type", kind.String()).Msg("authority.Server session opened")
	return sess
}

func (s *Server) onHello(p *peer, b protocol.Hello) {
	if !p.greeted() {
		s.nextUser++
		p.userID = s.nextUser
	}
	p.name = strings.TrimSpace(b.UserName)
	log.Info().Str("user", p.name).Uint32("user_id", p.userID).Str("remote", p.conn.RemoteAddr()).Msg("authority.Server hello")
	p.send(protocol.HelloAck{UserID: p.userID})
}

func (s *Server) onListSessions(p *peer) {
	list := protocol.SessionList{Sessions: make([]protocol.SessionDescriptor, 0, len(s.sessions))}
	for _, sess := range s.sessions {
		list.Sessions = append(list.Sessions, sess.descriptor())
	}
	p.send(list)
}

func (s *Server) onCreateSession(p *peer, b protocol.CreateSession) error {
	if !p.greeted() {
		return ErrHelloRequired
	}
	reply := protocol.CreateSessionReply{RequestID: b.RequestID}
	name := strings.TrimSpace(b.Name)
	switch n := utf8.RuneCountInString(name); {
	case n < 1 || n > maxSessionNameLength:
		reply.Reason = "invalid session name"
	case !b.Type.Valid():
		reply.Reason = "invalid session type"
	case s.sessionByName(name) != nil:
		reply.Reason = "session exists"
	}
	if reply.Reason != "" {
		log.Info().Str("session", name).Str("reason", reply.Reason).Msg("authority.Server create rejected")
		p.send(reply)
		return nil
	}
	sess := s.newSession(name, b.Type)
	reply.OK = true
	reply.Session = sess.descriptor()
	p.send(reply)
	s.announce(protocol.SessionAdded{Session: sess.descriptor()}, p)
	return nil
}

func (s *Server) onJoinSession(p *peer, b protocol.JoinSession) error {
	if !p.greeted() {
		return ErrHelloRequired
	}
	sess := s.sessionByID(b.SessionID)
	if sess == nil {
		p.send(protocol.JoinSessionReply{SessionID: b.SessionID, Reason: "session not found"})
		return nil
	}
	if p.session == sess {
		p.send(protocol.JoinSessionReply{SessionID: sess.id, OK: true, RootID: sess.rootID})
		return nil
	}
	if p.session != nil {
		s.leave(p)
	}
	sess.members = append(sess.members, p)
	p.session = sess
	p.send(protocol.JoinSessionReply{SessionID: sess.id, OK: true, RootID: sess.rootID})
	sess.walk(func(n *node) {
		p.send(protocol.SyncCreated{
			SessionID:  sess.id,
			ElementID:  n.id,
			ParentID:   n.parent,
			Name:       n.name,
			Value:      n.value,
			OriginUser: n.origin,
		})
	})
	s.announce(protocol.UserJoined{SessionID: sess.id, User: protocol.UserDescriptor{ID: p.userID, Name: p.name}}, p)
	log.Info().Str("session", sess.name).Uint32("user_id", p.userID).Int("members", len(sess.members)).Msg("authority.Server joined")
	return nil
}

func (s *Server) onLeaveSession(p *peer, b protocol.LeaveSession) error {
	if p.session == nil || p.session.id != b.SessionID {
		return fmt.Errorf("%w: %d", ErrNotMember, b.SessionID)
	}
	s.leave(p)
	return nil
}

// leave removes p from its session and closes an ad-hoc session left empty.
func (s *Server) leave(p *peer) {
	sess := p.session
	if sess == nil {
		return
	}
	p.session = nil
	if i := slices.Index(sess.members, p); i >= 0 {
		sess.members = slices.Delete(sess.members, i, i+1)
	}
	log.Info().Str("session", sess.name).Uint32("user_id", p.userID).Int("members", len(sess.members)).Msg("authority.Server left")
	s.announce(protocol.UserLeft{SessionID: sess.id, UserID: p.userID}, p)
	if sess.kind == protocol.SessionAdHoc && len(sess.members) == 0 {
		s.closeSession(sess)
	}
}

func (s *Server) closeSession(sess *session) {
	i := slices.Index(s.sessions, sess)
	if i < 0 {
		return
	}
	s.sessions = slices.Delete(s.sessions, i, i+1)
	log.Info().Str("session", sess.name).Uint32("session_id", sess.id).Msg("authority.Server session closed")
	s.announce(protocol.SessionClosed{SessionID: sess.id}, nil)
}

func (s *Server) onPing(p *peer, b protocol.Ping) {
	log.Debug().Uint32("user_id", p.userID).Str("text", b.Text).Msg("authority.Server ping")
	p.send(protocol.Pong{SessionID: b.SessionID, Text: b.Text})
}

func (s *Server) member(p *peer, sessionID uint32) (*session, error) {
	if p.session == nil || p.session.id != sessionID {
		return nil, fmt.Errorf("%w: %d", ErrNotMember, sessionID)
	}
	return p.session, nil
}

func (s *Server) onSyncCreate(p *peer, b protocol.SyncCreate) error {
	sess, err := s.member(p, b.SessionID)
	if err != nil {
		return err
	}
	parent := sess.nodes[b.ParentID]
	if parent == nil || parent.value.Kind != protocol.KindObject {
		return fmt.Errorf("%w: parent %d", ErrUnknownElement, b.ParentID)
	}
	name := strings.TrimSpace(b.Name)
	if name == "" {
		return fmt.Errorf("%w: empty element name", ErrInvalidWrite)
	}
	if existing := sess.child(parent, name); existing != nil {
		p.send(protocol.SyncCreated{
			SessionID:  sess.id,
			RequestID:  b.RequestID,
			ElementID:  existing.id,
			ParentID:   parent.id,
			Name:       existing.name,
			Value:      existing.value,
			OriginUser: existing.origin,
			Existed:    true,
		})
		return nil
	}
	s.nextElement++
	n := &node{id: s.nextElement, parent: parent.id, name: name, value: b.Value, origin: p.userID}
	sess.nodes[n.id] = n
	parent.children = append(parent.children, n.id)
	created := protocol.SyncCreated{
		SessionID:  sess.id,
		ElementID:  n.id,
		ParentID:   parent.id,
		Name:       n.name,
		Value:      n.value,
		OriginUser: p.userID,
	}
	sess.broadcast(created, p)
	created.RequestID = b.RequestID
	p.send(created)
	log.Debug().Str("session", sess.name).Uint64("element_id", n.id).Str("name", n.name).Msg("authority.Server element created")
	return nil
}

// onSyncModify stores the write and echoes it to every member, the writer
// included, in arrival order.
func (s *Server) onSyncModify(p *peer, b protocol.SyncModify) error {
	sess, err := s.member(p, b.SessionID)
	if err != nil {
		return err
	}
	n := sess.nodes[b.ElementID]
	if n == nil || n.id == sess.rootID {
		return fmt.Errorf("%w: %d", ErrUnknownElement, b.ElementID)
	}
	if n.value.Kind != b.Value.Kind {
		return fmt.Errorf("%w: %s element written with %s", ErrInvalidWrite, n.value.Kind, b.Value.Kind)
	}
	n.value = b.Value
	sess.broadcast(protocol.SyncModified{
		SessionID:  sess.id,
		ElementID:  n.id,
		OriginUser: p.userID,
		Seq:        b.Seq,
		Value:      b.Value,
	}, nil)
	return nil
}

func (s *Server) onSyncDelete(p *peer, b protocol.SyncDelete) error {
	sess, err := s.member(p, b.SessionID)
	if err != nil {
		return err
	}
	n := sess.nodes[b.ElementID]
	if n == nil || n.id == sess.rootID {
		return fmt.Errorf("%w: %d", ErrUnknownElement, b.ElementID)
	}
	if parent := sess.nodes[n.parent]; parent != nil {
		if i := slices.Index(parent.children, n.id); i >= 0 {
			parent.children = slices.Delete(parent.children, i, i+1)
		}
	}
	removed := sess.removeSubtree(n.id)
	log.Debug().Str("session", sess.name).Uint64("element_id", n.id).Int("removed", removed).Msg("authority.Server element deleted")
	sess.broadcast(protocol.SyncDeleted{SessionID: sess.id, ElementID: n.id, OriginUser: p.userID}, p)
	return nil
}

func (s *Server) recordCounts() {
	members, elements := 0, 0
	for _, sess := range s.sessions {
		members += len(sess.members)
		elements += len(sess.nodes)
	}
	observability.SetAuthorityCounts(len(s.sessions), members, elements)
}
