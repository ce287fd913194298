// Package cache memoizes per-sequence forward results.
package cache

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Entry is the cached result of one sequence: its logits [seq, n_vocab]
// and its cache slice [n_layer, 2, n_head, seq_out, head_dim], flattened.
type Entry struct {
	Logits  []float32
	Present []float32
}

// ResultCache defines a generic interface for caching forward results.
type ResultCache interface {
	// Get retrieves an entry from the cache.
	Get(key uint64) (Entry, bool)
	// Put stores an entry in the cache.
	Put(key uint64, e Entry)
	// Size returns the number of items in the cache.
	Size() int
}

// Key hashes a token sequence within a namespace. The namespace separates
// results of differently configured models sharing one cache.
func Key(namespace string, ids []int) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(namespace)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(ids)))
	_, _ = d.Write(buf[:])
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// MapCache is a simple in-memory implementation of ResultCache. When
// bounded, the oldest entry is evicted first.
type MapCache struct {
	data       map[uint64]Entry
	order      []uint64
	maxEntries int
	mu         sync.RWMutex
}

// NewMapCache creates a cache holding at most maxEntries entries; zero
// means unbounded.
func NewMapCache(maxEntries int) *MapCache {
	return &MapCache{
		data:       make(map[uint64]Entry),
		maxEntries: maxEntries,
	}
}

func (c *MapCache) Get(key uint64) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if e, ok := c.data[key]; ok {
		return clone(e), true
	}
	return Entry{}, false
}

func (c *MapCache) Put(key uint64, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok {
		c.order = append(c.order, key)
	}
	c.data[key] = clone(e)

	for c.maxEntries > 0 && len(c.order) > c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.data, oldest)
	}
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func clone(e Entry) Entry {
	return Entry{
		Logits:  append([]float32(nil), e.Logits...),
		Present: append([]float32(nil), e.Present...),
	}
}
