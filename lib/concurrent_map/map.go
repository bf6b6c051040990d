// Package concurrent_map wraps sync.Map with typed accessors.
package concurrent_map

import "sync"

type Map[K comparable, V any] struct {
	cMap sync.Map
}

func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{}
}

func (m *Map[K, V]) Get(k K) (*V, bool) {
	v, exists := m.cMap.Load(k)
	if !exists {
		return nil, false
	}

	val := v.(V)
	return &val, true
}

func (m *Map[K, V]) Set(k K, v V) {
	m.cMap.Store(k, v)
}

// SetIfAbsent stores v only when k is unset and reports whether it did.
func (m *Map[K, V]) SetIfAbsent(k K, v V) bool {
	_, loaded := m.cMap.LoadOrStore(k, v)
	return !loaded
}

// Update applies fn to the value under k and reports whether k existed.
// Concurrent updates of the same key are not serialized.
func (m *Map[K, V]) Update(k K, fn func(*V)) bool {
	v, exists := m.Get(k)
	if !exists {
		return false
	}

	fn(v)
	m.cMap.Store(k, *v)
	return true
}

func (m *Map[K, V]) Len() int {
	n := 0
	m.cMap.Range(func(_, _ any) bool {
		n++
		return true
	})

	return n
}

// Range calls f for every entry until f returns false. Order is unspecified.
func (m *Map[K, V]) Range(f func(k K, v V) bool) {
	m.cMap.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}
