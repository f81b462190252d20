// Package shard provides a lock-striped map keyed by string. Keys hash to one
// of a fixed number of shards, each guarded by its own RWMutex, so writers to
// unrelated keys rarely contend.
package shard

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is used when New is given a non-positive count.
const DefaultShards = 32

// Map is a concurrent map from string to V. The zero value is not usable;
// create one with New.
type Map[V any] struct {
	shards []*bucket[V]
	mask   uint64
}

type bucket[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// New returns a Map with n shards, rounded up to a power of two.
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	shards := make([]*bucket[V], size)
	for i := range shards {
		shards[i] = &bucket[V]{m: make(map[string]V)}
	}
	return &Map[V]{shards: shards, mask: uint64(size - 1)}
}

func (m *Map[V]) index(key string) int {
	return int(xxhash.Sum64String(key) & m.mask)
}

func (m *Map[V]) bucket(key string) *bucket[V] {
	return m.shards[m.index(key)]
}

// Load returns the value stored under key.
func (m *Map[V]) Load(key string) (V, bool) {
	b := m.bucket(key)
	b.mu.RLock()
	v, ok := b.m[key]
	b.mu.RUnlock()
	return v, ok
}

// Store sets the value for key.
func (m *Map[V]) Store(key string, value V) {
	b := m.bucket(key)
	b.mu.Lock()
	b.m[key] = value
	b.mu.Unlock()
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores value and returns it. loaded reports whether the value was present.
func (m *Map[V]) LoadOrStore(key string, value V) (actual V, loaded bool) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.m[key]; ok {
		return existing, true
	}
	b.m[key] = value
	return value, false
}

// LoadAndDelete removes key and returns its previous value.
func (m *Map[V]) LoadAndDelete(key string) (V, bool) {
	b := m.bucket(key)
	b.mu.Lock()
	v, ok := b.m[key]
	if ok {
		delete(b.m, key)
	}
	b.mu.Unlock()
	return v, ok
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	m.LoadAndDelete(key)
}

// CompareAndDelete removes key only if match returns true for its current
// value. The check and the delete happen under the same lock.
func (m *Map[V]) CompareAndDelete(key string, match func(V) bool) bool {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[key]
	if !ok || !match(v) {
		return false
	}
	delete(b.m, key)
	return true
}

// Update runs fn with the current value of key while holding the shard's
// write lock. fn returns the new value and whether to keep it; keep=false
// deletes the key. fn must not call back into the Map.
func (m *Map[V]) Update(key string, fn func(current V, exists bool) (next V, keep bool)) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	current, exists := b.m[key]
	next, keep := fn(current, exists)
	if keep {
		b.m[key] = next
	} else if exists {
		delete(b.m, key)
	}
}

// Move re-keys the value stored under oldKey to newKey. Both shards are
// locked in index order for the duration, so no reader observes the value
// under both keys or under neither. fn, if non-nil, runs under those locks
// with the moved value. Move fails if oldKey is absent or newKey is taken.
func (m *Map[V]) Move(oldKey, newKey string, fn func(V)) bool {
	i, j := m.index(oldKey), m.index(newKey)
	first, second := i, j
	if first > second {
		first, second = second, first
	}
	m.shards[first].mu.Lock()
	defer m.shards[first].mu.Unlock()
	if second != first {
		m.shards[second].mu.Lock()
		defer m.shards[second].mu.Unlock()
	}

	src, dst := m.shards[i].m, m.shards[j].m
	v, ok := src[oldKey]
	if !ok {
		return false
	}
	if _, taken := dst[newKey]; taken {
		return false
	}
	delete(src, oldKey)
	dst[newKey] = v
	if fn != nil {
		fn(v)
	}
	return true
}

// Range calls fn for every entry. Each shard is copied under its read lock
// and fn runs without any lock held, so fn may modify the Map. Entries
// added or removed during Range may or may not be visited.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for _, b := range m.shards {
		b.mu.RLock()
		keys := make([]string, 0, len(b.m))
		values := make([]V, 0, len(b.m))
		for k, v := range b.m {
			keys = append(keys, k)
			values = append(values, v)
		}
		b.mu.RUnlock()

		for idx := range keys {
			if !fn(keys[idx], values[idx]) {
				return
			}
		}
	}
}

// Keys returns all keys in sorted order.
func (m *Map[V]) Keys() []string {
	var keys []string
	m.Range(func(key string, _ V) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.shards {
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}
