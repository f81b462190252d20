package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Locks is a fixed set of mutexes addressed by key. Two keys may share a
// mutex, so a holder must never take a second key's lock.
type Locks struct {
	mu   []sync.Mutex
	mask uint64
}

// NewLocks returns n stripes, rounded up to a power of two.
func NewLocks(n int) *Locks {
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	return &Locks{mu: make([]sync.Mutex, size), mask: uint64(size - 1)}
}

// Lock acquires the stripe for key and returns its unlock function.
func (l *Locks) Lock(key string) (unlock func()) {
	mu := &l.mu[xxhash.Sum64String(key)&l.mask]
	mu.Lock()
	return mu.Unlock
}
