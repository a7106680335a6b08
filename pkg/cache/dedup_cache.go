package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedDedupCache remembers recently seen keys for a rolling window.
// Sharded to keep lock contention low under concurrent signal ingestion.
type ShardedDedupCache struct {
	shards [numShards]*dedupShard
	window time.Duration
}

type dedupShard struct {
	mu    sync.Mutex
	items map[string]time.Time
}

// NewShardedDedupCache creates a cache whose entries expire after window.
func NewShardedDedupCache(window time.Duration) *ShardedDedupCache {
	c := &ShardedDedupCache{window: window}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &dedupShard{items: make(map[string]time.Time)}
	}
	return c
}

// getShard returns the shard for the given key.
func (c *ShardedDedupCache) getShard(key string) *dedupShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Seen records the key and reports whether it was already present inside
// the window. The first caller for a key gets false, later callers true
// until the entry expires.
func (c *ShardedDedupCache) Seen(key string) bool {
	shard := c.getShard(key)
	now := time.Now()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if at, ok := shard.items[key]; ok && now.Sub(at) < c.window {
		return true
	}
	shard.items[key] = now
	return false
}

// Contains reports whether the key is present inside the window without
// recording it. Used by read-only paths like dry runs.
func (c *ShardedDedupCache) Contains(key string) bool {
	shard := c.getShard(key)
	now := time.Now()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	at, ok := shard.items[key]
	return ok && now.Sub(at) < c.window
}

// Forget drops a key, typically after its signal was cancelled.
func (c *ShardedDedupCache) Forget(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// Len returns total tracked keys across all shards.
func (c *ShardedDedupCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		total += len(shard.items)
		shard.mu.Unlock()
	}
	return total
}

// Cleanup removes expired entries and returns how many were evicted.
// Intended to run on a background ticker.
func (c *ShardedDedupCache) Cleanup() int {
	removed := 0
	cutoff := time.Now().Add(-c.window)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, at := range shard.items {
			if at.Before(cutoff) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
