// Package dedup implements the bounded, approximate-LRU cache of recently
// written index keys described in spec.md §4.3. A miss never causes a
// correctness loss: the only effect of a miss is a redundant, idempotent
// index row write (spec.md's invariant).
package dedup

import (
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru/v2"
)

const shardCount = 16

// Cache is a fixed-capacity, sharded LRU of string keys. Sharding follows
// the teacher's memdb/timelock.go pattern of spreading a hot mutex across N
// buckets picked by a hash of the key, so concurrent writers to unrelated
// keys don't serialize on one lock.
type Cache struct {
	shards [shardCount]*lru.Cache[string, struct{}]
}

// New builds a Cache with the given total entry capacity, split evenly
// across shards (minimum one entry per shard).
func New(capacity int) (*Cache, error) {
	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}

	c := &Cache{}
	for i := range c.shards {
		shard, err := lru.New[string, struct{}](perShard)
		if err != nil {
			return nil, err
		}
		c.shards[i] = shard
	}
	return c, nil
}

func (c *Cache) shardFor(key string) *lru.Cache[string, struct{}] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get reports whether key is present, marking it as recently used.
func (c *Cache) Get(key string) bool {
	_, ok := c.shardFor(key).Get(key)
	return ok
}

// Put inserts key, evicting the shard's least-recently-used entry if the
// shard is full. Eviction of a still-useful key is benign: the only guarded
// side effect, an index row write, is an idempotent overwrite.
func (c *Cache) Put(key string) {
	c.shardFor(key).Add(key, struct{}{})
}
