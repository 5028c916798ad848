// Package syncutil provides keyed locking for in-process serialization of
// operations on the same record or user.
package syncutil

import (
	"context"
	"hash/fnv"
	"sort"
)

const shardCount = 256

// KeyedMutex is a fixed pool of channel-based mutexes addressed by string key.
// Memory stays bounded no matter how many keys are seen; keys that hash to
// the same shard serialize with each other.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with every shard unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the shards for all keys. Shards are taken in ascending order
// so two callers locking overlapping key sets cannot deadlock. If ctx ends
// first, any shards already taken are released and ctx.Err() is returned.
func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (unlock func(), err error) {
	idx := m.indexes(keys)
	held := make([]int, 0, len(idx))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.shards[held[i]] <- struct{}{}
		}
	}

	for _, i := range idx {
		select {
		case <-m.shards[i]:
			held = append(held, i)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (m *KeyedMutex) indexes(keys []string) []int {
	seen := make(map[int]bool, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := shard(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	return idx
}

func shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
