// Package syncutil provides the keyed locking primitive that serializes
// all work on a single escrow payment.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyedMutex is a fixed pool of channel-based mutexes indexed by key hash.
// Client requests, webhook applications, and reconciliation passes for the
// same payment id all contend on one shard, so exactly one of them runs at
// a time; payments on different shards proceed in parallel. Channel-based
// so waiters can bail out on context cancellation, which a sync.Mutex
// cannot offer. Memory is bounded regardless of key cardinality, at the
// cost of occasional false sharing between keys that hash together.
type KeyedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

type chanMutex struct {
	ch chan struct{}
}

// NewKeyedMutex creates a new keyed mutex pool.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// LockContext acquires the mutex for the given key, respecting context
// cancellation. On success, returns an unlock function the caller MUST
// invoke when done. On cancellation, returns nil and the context error.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
