// Package dispatch fans events out to registered listeners on the caller's
// goroutine.
package dispatch

import (
	"reflect"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/danmuck/sharectl/internal/observability"
	"github.com/rs/zerolog/log"
)

type entry[L any] struct {
	listener L
	active   bool
}

// List is a copy-on-write listener list. A listener registered when Notify
// starts, and still registered when its turn comes, is called exactly once.
type List[L any] struct {
	name    string
	mu      sync.Mutex
	entries []*entry[L]
}

func New[L any](name string) *List[L] {
	return &List[L]{name: name}
}

// Add registers l. It returns false for nil, non-comparable or already
// registered listeners.
func (d *List[L]) Add(l L) bool {
	if !usable(l) {
		log.Warn().Str("list", d.name).Msg("dispatch.List.Add rejected listener")
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.indexLocked(l) >= 0 {
		return false
	}
	next := slices.Clone(d.entries)
	d.entries = append(next, &entry[L]{listener: l, active: true})
	return true
}

// Remove unregisters l and reports whether it was registered.
func (d *List[L]) Remove(l L) bool {
	if !usable(l) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(l)
	if i < 0 {
		return false
	}
	d.entries[i].active = false
	d.entries = slices.Delete(slices.Clone(d.entries), i, i+1)
	return true
}

func (d *List[L]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Clear unregisters every listener.
func (d *List[L]) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		e.active = false
	}
	d.entries = nil
}

// Notify calls fn for each listener. A panicking listener is logged and
// skipped; delivery continues with the next one.
func (d *List[L]) Notify(fn func(L)) {
	d.mu.Lock()
	snapshot := d.entries
	d.mu.Unlock()
	for _, e := range snapshot {
		if !d.isActive(e) {
			continue
		}
		d.call(fn, e.listener)
	}
}

func (d *List[L]) isActive(e *entry[L]) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return e.active
}

func (d *List[L]) call(fn func(L), l L) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordListenerPanic(d.name)
			log.Error().
				Str("list", d.name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("dispatch.List.Notify listener panicked")
		}
	}()
	fn(l)
}

func (d *List[L]) indexLocked(l L) int {
	for i, e := range d.entries {
		if any(e.listener) == any(l) {
			return i
		}
	}
	return -1
}

func usable[L any](l L) bool {
	v := reflect.ValueOf(any(l))
	if !v.IsValid() {
		return false
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface, reflect.Slice:
		if v.IsNil() {
			return false
		}
	}
	return v.Type().Comparable()
}
