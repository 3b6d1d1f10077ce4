package replica

import (
	"fmt"

	"github.com/danmuck/sharectl/internal/observability"
	"github.com/danmuck/sharectl/internal/protocol"
	"github.com/danmuck/sharectl/internal/protocol/schema"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Sender carries tree mutations to the authority. *conn.Connection
// satisfies it.
type Sender interface {
	SendBody(b protocol.Body) error
}

type Option func(*Tree)

// WithLocalUser sets the authority-assigned id of the local user, used to
// recognize echoes of local writes.
func WithLocalUser(id uint32) Option {
	return func(t *Tree) { t.localUser = id }
}

// Tree is the local mirror of one session's object tree.
type Tree struct {
	sessionID uint32
	localUser uint32
	sender    Sender
	root      *ObjectElement

	byID        map[uint64]Element
	provisional map[string]Element
	closed      bool

	// retry holds elements whose create or write could not be sent;
	// deletes holds ids whose delete could not be sent.
	retry   []Element
	deletes []uint64
}

func NewTree(sessionID uint32, rootID uint64, sender Sender, opts ...Option) *Tree {
	t := &Tree{
		sessionID:   sessionID,
		sender:      sender,
		byID:        make(map[uint64]Element),
		provisional: make(map[string]Element),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.root = newObject(element{tree: t, id: rootID, kind: protocol.KindObject, valid: true, announced: true})
	t.byID[rootID] = t.root
	log.Debug().Uint32("session_id", sessionID).Uint64("root_id", rootID).Msg("replica.NewTree bound root")
	return t
}

func (t *Tree) SessionID() uint32 { return t.sessionID }

func (t *Tree) Root() *ObjectElement { return t.root }

func (t *Tree) Closed() bool { return t.closed }

// Lookup finds an element by authority id.
func (t *Tree) Lookup(id uint64) (Element, bool) {
	e, ok := t.byID[id]
	return e, ok
}

// Len counts elements with an id, the root included.
func (t *Tree) Len() int {
	return len(t.byID)
}

// Pending counts local creates the authority has not acknowledged.
func (t *Tree) Pending() int {
	return len(t.provisional)
}

// Walk visits the tree depth first, children in creation order.
func (t *Tree) Walk(fn func(depth int, e Element)) {
	var visit func(int, Element)
	visit = func(depth int, e Element) {
		fn(depth, e)
		if o, ok := e.(*ObjectElement); ok {
			for _, c := range o.children {
				visit(depth+1, c)
			}
		}
	}
	visit(0, t.root)
}

// Apply applies a sync.created, sync.modified or sync.deleted message from
// the authority. Changes naming unknown elements are logged, counted and
// dropped; the returned error wraps ErrUnknownRemoteElement.
func (t *Tree) Apply(msg protocol.Message) error {
	if t.closed {
		return fmt.Errorf("%w: tree closed", ErrElementInvalid)
	}
	switch msg.Type {
	case schema.MsgSyncCreated:
		b, err := protocol.Decode[protocol.SyncCreated](msg)
		if err != nil {
			return err
		}
		if err := t.checkSession(b.SessionID); err != nil {
			return err
		}
		return t.applyCreated(b)
	case schema.MsgSyncModified:
		b, err := protocol.Decode[protocol.SyncModified](msg)
		if err != nil {
			return err
		}
		if err := t.checkSession(b.SessionID); err != nil {
			return err
		}
		return t.applyModified(b)
	case schema.MsgSyncDeleted:
		b, err := protocol.Decode[protocol.SyncDeleted](msg)
		if err != nil {
			return err
		}
		if err := t.checkSession(b.SessionID); err != nil {
			return err
		}
		return t.applyDeleted(b)
	default:
		return fmt.Errorf("%w: %s", protocol.ErrMessageTypeMismatch, msg.Name())
	}
}

// Close detaches every element and clears the root's listeners.
func (t *Tree) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.invalidate(t.root)
	t.root.listeners.Clear()
	clear(t.byID)
	clear(t.provisional)
	t.retry = nil
	t.deletes = nil
	log.Debug().Uint32("session_id", t.sessionID).Msg("replica.Tree.Close unbound root")
}

func (t *Tree) checkSession(id uint32) error {
	if id != t.sessionID {
		return fmt.Errorf("%w: got %d, bound to %d", ErrForeignSession, id, t.sessionID)
	}
	return nil
}

func (t *Tree) send(b protocol.Body) error {
	if t.closed {
		return fmt.Errorf("%w: tree closed", ErrElementInvalid)
	}
	if err := t.sender.SendBody(b); err != nil {
		log.Warn().Err(err).Uint32("session_id", t.sessionID).Msg("replica.Tree.send failed")
		return err
	}
	return nil
}

// Unsent counts creates, writes and deletes waiting for Flush.
func (t *Tree) Unsent() int {
	return len(t.retry) + len(t.deletes)
}

// Flush sends again the creates, writes and deletes whose earlier send
// failed. Anything that fails again stays queued for the next call; the first
// error is returned.
func (t *Tree) Flush() error {
	if t.closed || t.Unsent() == 0 {
		return nil
	}
	queue, ids := t.retry, t.deletes
	t.retry, t.deletes = nil, nil
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, e := range queue {
		n := e.node()
		n.queued = false
		if !n.valid {
			continue
		}
		if n.id == 0 {
			if !n.announced && n.parent != nil && n.parent.id != 0 {
				keep(t.announce(e))
			}
			continue
		}
		if s, ok := e.(valued); ok {
			keep(t.sendModify(s))
		}
	}
	for _, id := range ids {
		keep(t.sendDelete(id))
	}
	if first == nil {
		log.Debug().Uint32("session_id", t.sessionID).Int("elements", len(queue)).Int("deletes", len(ids)).Msg("replica.Tree.Flush resent")
	}
	return first
}

func (t *Tree) retryLater(e Element) {
	n := e.node()
	if n.queued {
		return
	}
	n.queued = true
	t.retry = append(t.retry, e)
}

// sendModify sends the latest unsent write of s. On failure the write stays
// unsent, which also keeps foreign values from overwriting it.
func (t *Tree) sendModify(s valued) error {
	seq, ok := s.take()
	if !ok {
		return nil
	}
	err := t.send(protocol.SyncModify{SessionID: t.sessionID, ElementID: s.ID(), Seq: seq, Value: s.current()})
	if err != nil {
		s.requeue()
		t.retryLater(s)
		return err
	}
	s.sent(seq)
	return nil
}

func (t *Tree) sendDelete(id uint64) error {
	if err := t.send(protocol.SyncDelete{SessionID: t.sessionID, ElementID: id}); err != nil {
		t.deletes = append(t.deletes, id)
		return err
	}
	return nil
}

func (t *Tree) dropped(op string, id uint64) error {
	log.Warn().Str("op", op).Uint64("element_id", id).Msg("replica.Tree.Apply dropped change for unknown element")
	observability.RecordDroppedRemoteChange(op)
	return fmt.Errorf("%w: %s %d", ErrUnknownRemoteElement, op, id)
}

func (t *Tree) newElement(parent *ObjectElement, id uint64, key, name string, v protocol.Value) Element {
	base := element{tree: t, id: id, key: key, name: name, kind: v.Kind, parent: parent, valid: true}
	switch v.Kind {
	case protocol.KindInt:
		e := &IntElement{newScalar(base, v, protocol.IntValue, intOf)}
		e.self = e
		return e
	case protocol.KindFloat:
		e := &FloatElement{newScalar(base, v, protocol.FloatValue, floatOf)}
		e.self = e
		return e
	case protocol.KindString:
		e := &StringElement{newScalar(base, v, protocol.StringValue, stringOf)}
		e.self = e
		return e
	default:
		base.kind = protocol.KindObject
		return newObject(base)
	}
}

func (t *Tree) createLocal(parent *ObjectElement, name string, v protocol.Value) Element {
	key := ulid.Make().String()
	e := t.newElement(parent, 0, key, name, v)
	parent.attach(e)
	t.provisional[key] = e
	if parent.id != 0 {
		_ = t.announce(e)
	}
	log.Debug().Str("element", e.node().label()).Str("kind", v.Kind.String()).Msg("replica.Tree created provisional element")
	return e
}

// announce sends the create for e. The current value rides along, so writes
// made before this point need no separate modify. A failed send leaves e
// unannounced and queued for Flush.
func (t *Tree) announce(e Element) error {
	n := e.node()
	v := protocol.ObjectValue()
	s, isScalar := e.(valued)
	if isScalar {
		v = s.current()
	}
	err := t.send(protocol.SyncCreate{
		SessionID: t.sessionID,
		RequestID: n.key,
		ParentID:  n.parent.id,
		Name:      n.name,
		Value:     v,
	})
	if err != nil {
		t.retryLater(e)
		return err
	}
	n.announced = true
	if isScalar {
		s.settle()
	}
	return nil
}

func (t *Tree) removeLocal(parent *ObjectElement, e Element) {
	n := e.node()
	parent.detach(e)
	if n.id == 0 {
		n.deleted = n.announced
		t.invalidate(e)
		log.Debug().Str("element", n.label()).Msg("replica.Tree removed provisional element")
		return
	}
	id := n.id
	t.invalidate(e)
	_ = t.sendDelete(id)
	parent.listeners.Notify(func(l ObjectListener) { l.OnElementDeleted(e) })
}

// invalidate detaches e and its subtree from the id map. Keys of announced
// provisional elements stay so late acknowledgments are recognized.
func (t *Tree) invalidate(e Element) {
	n := e.node()
	n.valid = false
	if n.id != 0 && t.byID[n.id] == e {
		delete(t.byID, n.id)
	}
	if n.id == 0 && !n.announced {
		delete(t.provisional, n.key)
	}
	if o, ok := e.(*ObjectElement); ok {
		for _, c := range o.children {
			t.invalidate(c)
		}
	}
}

func (t *Tree) applyCreated(b protocol.SyncCreated) error {
	if b.RequestID != "" {
		if e, ok := t.provisional[b.RequestID]; ok {
			delete(t.provisional, b.RequestID)
			return t.confirm(e, b)
		}
	}
	if _, ok := t.byID[b.ElementID]; ok {
		log.Debug().Uint64("element_id", b.ElementID).Msg("replica.Tree.Apply duplicate create")
		return nil
	}
	parent, ok := t.byID[b.ParentID].(*ObjectElement)
	if !ok {
		return t.dropped("create", b.ParentID)
	}
	if sib := parent.Child(b.Name); sib != nil {
		n := sib.node()
		if n.id == 0 && n.kind == b.Value.Kind {
			// Another member won the race for this name.
			delete(t.provisional, n.key)
			b.Existed = true
			return t.confirm(sib, b)
		}
		log.Warn().Str("element", n.label()).Uint64("element_id", b.ElementID).Msg("replica.Tree.Apply replaced conflicting sibling")
		t.removeQuiet(sib)
	}
	e := t.newElement(parent, b.ElementID, "", b.Name, b.Value)
	parent.attach(e)
	t.byID[b.ElementID] = e
	parent.listeners.Notify(func(l ObjectListener) { l.OnElementAdded(e) })
	return nil
}

// confirm assigns the authority id to a provisional element, adopts the
// authority value when the element already existed and replays writes made
// while the create was in flight.
func (t *Tree) confirm(e Element, b protocol.SyncCreated) error {
	n := e.node()
	if !n.valid {
		if n.deleted {
			_ = t.sendDelete(b.ElementID)
		}
		return nil
	}
	if n.kind != b.Value.Kind {
		t.removeQuiet(e)
		log.Warn().Str("element", n.label()).Str("authority_kind", b.Value.Kind.String()).Msg("replica.Tree.confirm kind conflict")
		if _, known := t.byID[b.ElementID]; !known {
			return t.applyCreated(protocol.SyncCreated{
				SessionID: b.SessionID,
				ElementID: b.ElementID,
				ParentID:  b.ParentID,
				Name:      b.Name,
				Value:     b.Value,
			})
		}
		return fmt.Errorf("%w: %s exists as %s", ErrTypeMismatch, b.Name, b.Value.Kind)
	}
	if other, known := t.byID[b.ElementID]; known && other != e {
		t.removeQuiet(e)
		return nil
	}

	n.id = b.ElementID
	t.byID[n.id] = e
	changed := false
	if s, ok := e.(valued); ok {
		if s.unsent() {
			_ = t.sendModify(s)
		} else if b.Existed {
			changed = s.adopt(b.Value)
		}
	}
	log.Debug().Str("element", n.label()).Bool("existed", b.Existed).Msg("replica.Tree.confirm assigned id")

	parent := n.parent
	parent.listeners.Notify(func(l ObjectListener) { l.OnElementAdded(e) })
	if changed {
		t.notifyChanged(e)
	}
	if o, ok := e.(*ObjectElement); ok {
		for _, c := range o.children {
			if !c.node().announced {
				_ = t.announce(c)
			}
		}
	}
	return nil
}

// removeQuiet drops e locally without telling the authority.
func (t *Tree) removeQuiet(e Element) {
	n := e.node()
	if n.parent != nil {
		n.parent.detach(e)
	}
	if n.id == 0 {
		delete(t.provisional, n.key)
	}
	t.invalidate(e)
}

func (t *Tree) applyModified(b protocol.SyncModified) error {
	e, ok := t.byID[b.ElementID]
	if !ok {
		return t.dropped("modify", b.ElementID)
	}
	s, ok := e.(valued)
	if !ok || e.Kind() != b.Value.Kind {
		log.Warn().Str("element", e.node().label()).Str("value_kind", b.Value.Kind.String()).Msg("replica.Tree.Apply modify kind mismatch")
		return fmt.Errorf("%w: modify %s with %s", ErrTypeMismatch, e.Name(), b.Value.Kind)
	}
	own := t.localUser != 0 && b.OriginUser == t.localUser
	if s.applyRemote(own, b.Seq, b.Value) {
		t.notifyChanged(e)
	}
	return nil
}

func (t *Tree) applyDeleted(b protocol.SyncDeleted) error {
	e, ok := t.byID[b.ElementID]
	if !ok {
		return t.dropped("delete", b.ElementID)
	}
	if e == Element(t.root) {
		log.Warn().Uint64("element_id", b.ElementID).Msg("replica.Tree.Apply refused root delete")
		return nil
	}
	parent := e.Parent()
	parent.detach(e)
	t.invalidate(e)
	parent.listeners.Notify(func(l ObjectListener) { l.OnElementDeleted(e) })
	return nil
}

func (t *Tree) notifyChanged(e Element) {
	parent := e.Parent()
	if parent == nil {
		return
	}
	id := e.ID()
	switch x := e.(type) {
	case *IntElement:
		v := x.value
		parent.listeners.Notify(func(l ObjectListener) { l.OnIntElementChanged(id, v) })
	case *FloatElement:
		v := x.value
		parent.listeners.Notify(func(l ObjectListener) { l.OnFloatElementChanged(id, v) })
	case *StringElement:
		v := x.value
		parent.listeners.Notify(func(l ObjectListener) { l.OnStringElementChanged(id, v) })
	}
}
