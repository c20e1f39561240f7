// Package syncutil provides keyed locking for per-transaction critical sections.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex(0).
const DefaultShards = 256

// KeyedMutex is a fixed pool of channel-based mutexes selected by key hash.
// Memory stays bounded however many keys are seen; unrelated keys may
// occasionally share a shard. Waiters can give up when their context ends.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a pool with n shards (DefaultShards if n <= 0).
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the lock for key. On success the caller must call
// the returned unlock function. On cancellation it returns ctx.Err().
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
