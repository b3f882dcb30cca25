// Package syncutil provides locking primitives for in-process row locks.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex is a set of exclusive locks keyed by string, one per key, that
// callers can stop waiting for when their context ends. Keys never share a
// lock, so callers that acquire keys in a global order cannot deadlock.
// Lock entries are never freed; the key space must be bounded by the data
// it protects.
type KeyedMutex struct {
	locks sync.Map // key -> chanMutex
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex chan struct{}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{}
}

func (m *KeyedMutex) get(key string) chanMutex {
	if v, ok := m.locks.Load(key); ok {
		return v.(chanMutex)
	}
	fresh := make(chanMutex, 1)
	fresh <- struct{}{}
	v, _ := m.locks.LoadOrStore(key, fresh)
	return v.(chanMutex)
}

// LockContext acquires the lock for key. On success it returns the unlock
// function, which the caller must call exactly once. If ctx ends first it
// returns ctx.Err().
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	mu := m.get(key)
	select {
	case <-mu:
		var once sync.Once
		return func() { once.Do(func() { mu <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	mu := m.get(key)
	select {
	case <-mu:
		var once sync.Once
		return func() { once.Do(func() { mu <- struct{}{} }) }, true
	default:
		return nil, false
	}
}
