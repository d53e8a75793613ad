// Package table implements the per-leg hash table that maps a join key to the
// group of small-side tuples sharing it, and the tagged leg slots the join
// driver probes.
package table

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/paveg/broadcastjoin/internal/key"
	"github.com/paveg/broadcastjoin/internal/rowgroup"
)

const (
	defaultCapacity     = 16
	hashMapLoadFactor   = 0.75 // load factor before doubling
	hashMapGrowthFactor = 2    // growth factor on resize
	entryOverhead       = 64   // bucket slot + group header
	bucketOverhead      = 24   // slice header per bucket
)

type entry struct {
	key   key.Key
	group *rowgroup.RowGroup
}

// Container maps Key to RowGroup for one small leg. It is built once, then
// only read while rows stream through the driver.
type Container struct {
	buckets  [][]entry
	capacity int
	size     int
	nullSafe *bitset.BitSet
	bytes    int64
}

// New creates a container sized for about estimatedKeys distinct keys. Key
// equality inside the container uses the leg's null-safe flags.
func New(nullSafe *bitset.BitSet, estimatedKeys int) *Container {
	capacity := nextPowerOfTwo(int(float64(estimatedKeys) / hashMapLoadFactor))
	if capacity < defaultCapacity {
		capacity = defaultCapacity
	}
	return &Container{
		buckets:  make([][]entry, capacity),
		capacity: capacity,
		nullSafe: nullSafe,
		bytes:    int64(capacity) * bucketOverhead,
	}
}

// NullSafe returns the null-safe flags used for key equality.
func (c *Container) NullSafe() *bitset.BitSet {
	return c.nullSafe
}

// Put appends tuple to the group of k, creating the group on first
// occurrence, and returns the estimated bytes the container grew by.
func (c *Container) Put(k key.Key, tuple key.Row, tag uint64) int64 {
	idx := c.bucketIndex(k.Hash(), c.capacity)
	for i := range c.buckets[idx] {
		if key.Equal(c.buckets[idx][i].key, k, c.nullSafe) {
			grew := c.buckets[idx][i].group.Add(tuple, tag)
			c.bytes += grew
			return grew
		}
	}

	g := rowgroup.New()
	grew := g.Add(tuple, tag) + k.SizeBytes() + entryOverhead
	c.buckets[idx] = append(c.buckets[idx], entry{key: k, group: g})
	c.size++

	if float64(c.size) > float64(c.capacity)*hashMapLoadFactor {
		grew += c.resize()
	}
	c.bytes += grew
	return grew
}

// Get returns the group for k, or nil.
func (c *Container) Get(k key.Key) *rowgroup.RowGroup {
	if c == nil || c.size == 0 {
		return nil
	}
	idx := c.bucketIndex(k.Hash(), c.capacity)
	for _, e := range c.buckets[idx] {
		if key.Equal(e.key, k, c.nullSafe) {
			return e.group
		}
	}
	return nil
}

// Len returns the number of distinct keys.
func (c *Container) Len() int {
	if c == nil {
		return 0
	}
	return c.size
}

// Range calls fn for every key and group until fn returns false. Iteration
// order is unspecified.
func (c *Container) Range(fn func(key.Key, *rowgroup.RowGroup) bool) {
	if c == nil {
		return
	}
	for _, bucket := range c.buckets {
		for _, e := range bucket {
			if !fn(e.key, e.group) {
				return
			}
		}
	}
}

// Keys returns all keys in unspecified order.
func (c *Container) Keys() []key.Key {
	keys := make([]key.Key, 0, c.Len())
	c.Range(func(k key.Key, _ *rowgroup.RowGroup) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// SizeBytes estimates the memory retained by the container.
func (c *Container) SizeBytes() int64 {
	if c == nil {
		return 0
	}
	return c.bytes
}

// Clear drops every entry so the memory can be reclaimed.
func (c *Container) Clear() {
	if c == nil {
		return
	}
	c.buckets = nil
	c.capacity = 0
	c.size = 0
	c.bytes = 0
}

// resize doubles the capacity and rehashes all entries.
func (c *Container) resize() int64 {
	newCapacity := c.capacity * hashMapGrowthFactor
	newBuckets := make([][]entry, newCapacity)

	for _, bucket := range c.buckets {
		for _, e := range bucket {
			idx := c.bucketIndex(e.key.Hash(), newCapacity)
			newBuckets[idx] = append(newBuckets[idx], e)
		}
	}

	grew := int64(newCapacity-c.capacity) * bucketOverhead
	c.buckets = newBuckets
	c.capacity = newCapacity
	return grew
}

func (c *Container) bucketIndex(hash uint64, capacity int) int {
	//nolint:gosec // capacity is a positive power of two
	return int(hash & uint64(capacity-1))
}

// nextPowerOfTwo returns the next power of two >= n.
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	power := 1
	for power < n {
		power <<= 1
	}
	return power
}
