package replica

import (
	"iter"
	"maps"
)

// Index keeps one application value per child id of the object it listens
// to. Entries are created from OnElementAdded and purged by
// OnElementDeleted, so stale ids never outlive their element.
type Index[V any] struct {
	NopListener
	build   func(Element) (V, bool)
	entries map[uint64]V
}

// NewIndex returns an index that stores build(e) for every added child for
// which build reports true.
func NewIndex[V any](build func(Element) (V, bool)) *Index[V] {
	return &Index[V]{build: build, entries: make(map[uint64]V)}
}

func (x *Index[V]) OnElementAdded(e Element) {
	if e.ID() == 0 {
		return
	}
	if v, ok := x.build(e); ok {
		x.entries[e.ID()] = v
	}
}

func (x *Index[V]) OnElementDeleted(e Element) {
	delete(x.entries, e.ID())
}

func (x *Index[V]) Get(id uint64) (V, bool) {
	v, ok := x.entries[id]
	return v, ok
}

func (x *Index[V]) Len() int {
	return len(x.entries)
}

func (x *Index[V]) All() iter.Seq2[uint64, V] {
	return maps.All(maps.Clone(x.entries))
}

func (x *Index[V]) Clear() {
	clear(x.entries)
}
