package registry

import (
	"container/list"
	"sync"
)

// Handle identifies a registered value. Handles are never reused.
type Handle uint64

// Registry is an ordered set of live values guarded by one mutex. Values are
// prepended on registration, so traversal visits the most recently
// registered value first. Removal is O(1) through the handle.
type Registry[T any] struct {
	mu    sync.Mutex
	next  Handle
	order *list.List
	index map[Handle]*list.Element
}

type entry[T any] struct {
	handle Handle
	value  T
}

func New[T any]() *Registry[T] {
	return &Registry[T]{
		order: list.New(),
		index: make(map[Handle]*list.Element),
	}
}

func (r *Registry[T]) Register(v T) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	h := r.next
	r.index[h] = r.order.PushFront(entry[T]{handle: h, value: v})
	return h
}

// Unregister removes h. It returns false if h is unknown or already removed.
func (r *Registry[T]) Unregister(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.index[h]
	if !ok {
		return false
	}
	r.order.Remove(el)
	delete(r.index, h)
	return true
}

func (r *Registry[T]) Get(h Handle) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.index[h]
	if !ok {
		var zero T
		return zero, false
	}
	return el.Value.(entry[T]).value, true
}

// Each calls fn for every registered value while holding the registry lock.
// fn must not block and must not call back into the registry.
func (r *Registry[T]) Each(fn func(T)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for el := r.order.Front(); el != nil; el = el.Next() {
		fn(el.Value.(entry[T]).value)
	}
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
