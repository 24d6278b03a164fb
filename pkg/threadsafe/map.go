package threadsafe

import "sync"

// Map is a thread-safe map implementation.
type Map[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

// NewMap creates a new thread-safe map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		m: make(map[K]V),
	}
}

// Set adds or updates a key-value pair in the map.
func (m *Map[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.m[key] = value
}

// SetIfAbsent stores value under key unless the key is already present.
// It returns the value held after the call and whether it was stored.
func (m *Map[K, V]) SetIfAbsent(key K, value V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.m[key]; ok {
		return existing, false
	}

	m.m[key] = value
	return value, true
}

// Update replaces the value under key with fn applied to the current one,
// holding the lock across the read and the write.
func (m *Map[K, V]) Update(key K, fn func(current V, ok bool) V) V {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.m[key]
	next := fn(current, ok)
	m.m[key] = next
	return next
}

// Get retrieves a value by key from the map.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.m[key]
	return val, ok
}

// Delete removes key and returns the value it held, if any.
func (m *Map[K, V]) Delete(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, ok := m.m[key]
	delete(m.m, key)
	return val, ok
}

// CompareAndDelete removes key only while match reports true for its value.
func (m *Map[K, V]) CompareAndDelete(key K, match func(V) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, ok := m.m[key]
	if !ok || !match(val) {
		return false
	}

	delete(m.m, key)
	return true
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.m)
}

// Range iterates over all key-value pairs in the map.
// The iteration stops if the provided function returns false.
// fn must not call back into the map.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for k, v := range m.m {
		if !fn(k, v) {
			break
		}
	}
}
