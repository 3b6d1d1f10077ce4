package replica

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/danmuck/sharectl/internal/dispatch"
	"github.com/danmuck/sharectl/internal/protocol"
)

// ObjectListener observes one object element: value changes made by other
// members to its scalar children, and children added or deleted.
type ObjectListener interface {
	OnIntElementChanged(id uint64, v int64)
	OnFloatElementChanged(id uint64, v float64)
	OnStringElementChanged(id uint64, v string)
	// OnElementAdded fires once the child's id is known.
	OnElementAdded(e Element)
	OnElementDeleted(e Element)
}

// NopListener implements ObjectListener with no-ops for embedding.
type NopListener struct{}

func (NopListener) OnIntElementChanged(uint64, int64)     {}
func (NopListener) OnFloatElementChanged(uint64, float64) {}
func (NopListener) OnStringElementChanged(uint64, string) {}
func (NopListener) OnElementAdded(Element)                {}
func (NopListener) OnElementDeleted(Element)              {}

type ObjectElement struct {
	element
	children  []Element
	listeners *dispatch.List[ObjectListener]
}

func newObject(base element) *ObjectElement {
	return &ObjectElement{
		element:   base,
		listeners: dispatch.New[ObjectListener]("replica.object"),
	}
}

func (o *ObjectElement) AddListener(l ObjectListener) bool    { return o.listeners.Add(l) }
func (o *ObjectElement) RemoveListener(l ObjectListener) bool { return o.listeners.Remove(l) }

func (o *ObjectElement) Len() int {
	return len(o.children)
}

// ChildAt returns the i-th child in creation order.
func (o *ObjectElement) ChildAt(i int) Element {
	if i < 0 || i >= len(o.children) {
		return nil
	}
	return o.children[i]
}

func (o *ObjectElement) Child(name string) Element {
	for _, c := range o.children {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func (o *ObjectElement) ChildByID(id uint64) Element {
	if id == 0 {
		return nil
	}
	for _, c := range o.children {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// Children yields the children present when it is called.
func (o *ObjectElement) Children() iter.Seq[Element] {
	snapshot := slices.Clone(o.children)
	return func(yield func(Element) bool) {
		for _, c := range snapshot {
			if !yield(c) {
				return
			}
		}
	}
}

// CreateChild adds a provisional child. initial is ignored for objects and
// must match kind otherwise.
func (o *ObjectElement) CreateChild(kind protocol.ElementKind, name string, initial protocol.Value) (Element, error) {
	if !o.valid {
		return nil, fmt.Errorf("%w: %s", ErrElementInvalid, o.label())
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidName
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", protocol.ErrInvalidElementKind, kind)
	}
	if kind == protocol.KindObject {
		initial = protocol.ObjectValue()
	} else if initial.Kind != kind {
		return nil, fmt.Errorf("%w: %s value for %s element %q", ErrTypeMismatch, initial.Kind, kind, name)
	}
	if o.Child(name) != nil {
		return nil, fmt.Errorf("%w: %q under %s", ErrElementExists, name, o.label())
	}
	return o.tree.createLocal(o, name, initial), nil
}

func (o *ObjectElement) CreateInt(name string, v int64) (*IntElement, error) {
	return createTyped[*IntElement](o, protocol.KindInt, name, protocol.IntValue(v))
}

func (o *ObjectElement) CreateFloat(name string, v float64) (*FloatElement, error) {
	return createTyped[*FloatElement](o, protocol.KindFloat, name, protocol.FloatValue(v))
}

func (o *ObjectElement) CreateString(name string, v string) (*StringElement, error) {
	return createTyped[*StringElement](o, protocol.KindString, name, protocol.StringValue(v))
}

func (o *ObjectElement) CreateObject(name string) (*ObjectElement, error) {
	return createTyped[*ObjectElement](o, protocol.KindObject, name, protocol.ObjectValue())
}

func createTyped[T Element](o *ObjectElement, kind protocol.ElementKind, name string, v protocol.Value) (T, error) {
	e, err := o.CreateChild(kind, name, v)
	if err != nil {
		var zero T
		return zero, err
	}
	return Cast[T](e)
}

// Remove deletes a direct child locally and at the authority. A provisional
// child is deleted remotely once its id arrives.
func (o *ObjectElement) Remove(e Element) error {
	if !o.valid {
		return fmt.Errorf("%w: %s", ErrElementInvalid, o.label())
	}
	if e == nil || slices.Index(o.children, e) < 0 {
		return ErrNotChild
	}
	o.tree.removeLocal(o, e)
	return nil
}

func (o *ObjectElement) RemoveByID(id uint64) error {
	c := o.ChildByID(id)
	if c == nil {
		return fmt.Errorf("%w: id %d", ErrNotChild, id)
	}
	return o.Remove(c)
}

func (o *ObjectElement) attach(e Element) {
	o.children = append(o.children, e)
}

func (o *ObjectElement) detach(e Element) bool {
	i := slices.Index(o.children, e)
	if i < 0 {
		return false
	}
	o.children = slices.Delete(o.children, i, i+1)
	return true
}
