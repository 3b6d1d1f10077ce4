package replica

import (
	"fmt"

	"github.com/danmuck/sharectl/internal/protocol"
)

// Element is a node of the replicated tree: an *IntElement, *FloatElement,
// *StringElement or *ObjectElement. Use Cast to narrow it.
type Element interface {
	// ID is the authority-assigned id, zero while the element is provisional.
	ID() uint64
	// Key is the provisional key of a locally created element. Elements
	// created by other members have no key.
	Key() string
	Name() string
	Kind() protocol.ElementKind
	// Parent is nil for the root.
	Parent() *ObjectElement
	// Valid reports whether the element is still attached to an open tree.
	Valid() bool
	Synced() bool

	node() *element
}

type element struct {
	tree   *Tree
	id     uint64
	key    string
	name   string
	kind   protocol.ElementKind
	parent *ObjectElement

	valid     bool
	announced bool
	// deleted marks a provisional element removed locally; its delete is
	// sent once the id arrives.
	deleted bool
	// queued is set while the element waits in the tree's retry queue.
	queued bool
}

func (e *element) ID() uint64                 { return e.id }
func (e *element) Key() string                { return e.key }
func (e *element) Name() string               { return e.name }
func (e *element) Kind() protocol.ElementKind { return e.kind }
func (e *element) Parent() *ObjectElement     { return e.parent }
func (e *element) Valid() bool                { return e.valid }
func (e *element) Synced() bool               { return e.id != 0 }
func (e *element) node() *element             { return e }

func (e *element) label() string {
	if e.id != 0 {
		return fmt.Sprintf("%s#%d", e.name, e.id)
	}
	return e.name + "@" + e.key
}

// Cast narrows e to the concrete element type T.
func Cast[T Element](e Element) (T, error) {
	var zero T
	if e == nil {
		return zero, fmt.Errorf("%w: nil element", ErrTypeMismatch)
	}
	out, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %s, want %T", ErrTypeMismatch, e.Name(), e.Kind(), zero)
	}
	return out, nil
}

type scalarType interface {
	int64 | float64 | string
}

// scalar holds a value plus the bookkeeping used to order local writes
// against the authority's echo of them.
type scalar[V scalarType] struct {
	element
	value V

	seq     uint64
	pending uint64
	dirty   bool

	// self is the outer *IntElement, *FloatElement or *StringElement.
	self valued

	wrap   func(V) protocol.Value
	unwrap func(protocol.Value) V
}

// Value returns the local value, including writes not yet acknowledged.
func (s *scalar[V]) Value() V {
	return s.value
}

// Set stores v locally and sends it to the authority, or queues it until the
// element has an id. The local value is kept when sending fails; the write
// stays queued and Tree.Flush sends it again.
func (s *scalar[V]) Set(v V) error {
	if !s.valid {
		return fmt.Errorf("%w: %s", ErrElementInvalid, s.label())
	}
	s.value = v
	s.seq++
	s.dirty = true
	if s.id == 0 {
		return nil
	}
	return s.tree.sendModify(s.self)
}

func (s *scalar[V]) current() protocol.Value {
	return s.wrap(s.value)
}

// adopt replaces the value with one decided by the authority.
func (s *scalar[V]) adopt(v protocol.Value) bool {
	next := s.unwrap(v)
	if next == s.value {
		return false
	}
	s.value = next
	return true
}

// applyRemote applies an ordered modify. Echoes of local writes only retire
// the pending marker; foreign values ordered before a pending or unsent local
// write are skipped because that write is ordered after them.
func (s *scalar[V]) applyRemote(own bool, seq uint64, v protocol.Value) bool {
	if own {
		if s.pending != 0 && seq >= s.pending {
			s.pending = 0
		}
		return false
	}
	if s.pending != 0 || s.dirty {
		return false
	}
	return s.adopt(v)
}

// settle drops local write state once the value travels with the create.
func (s *scalar[V]) settle() {
	s.dirty = false
	s.pending = 0
}

func (s *scalar[V]) unsent() bool { return s.dirty }

// take claims the latest unsent write.
func (s *scalar[V]) take() (uint64, bool) {
	if !s.dirty {
		return 0, false
	}
	s.dirty = false
	return s.seq, true
}

// sent records that the write seq reached the connection.
func (s *scalar[V]) sent(seq uint64) { s.pending = seq }

// requeue returns a claimed write after a failed send.
func (s *scalar[V]) requeue() { s.dirty = true }

// valued is implemented by the scalar element types.
type valued interface {
	Element
	current() protocol.Value
	adopt(v protocol.Value) bool
	applyRemote(own bool, seq uint64, v protocol.Value) bool
	settle()
	unsent() bool
	take() (uint64, bool)
	sent(seq uint64)
	requeue()
}

type IntElement struct{ scalar[int64] }

type FloatElement struct{ scalar[float64] }

type StringElement struct{ scalar[string] }

func newScalar[V scalarType](base element, v protocol.Value, wrap func(V) protocol.Value, unwrap func(protocol.Value) V) scalar[V] {
	return scalar[V]{element: base, value: unwrap(v), wrap: wrap, unwrap: unwrap}
}

func intOf(v protocol.Value) int64     { return v.Int }
func floatOf(v protocol.Value) float64 { return v.Float }
func stringOf(v protocol.Value) string { return v.String }
