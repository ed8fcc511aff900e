package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

// memoryLRU keeps decoded statistics for recently used fingerprints. It is
// bounded by entry count and by footprint, the number of moment and sample
// values held, so a single entry with many raw rows cannot pin the heap.
// Callers never share a *stats.Statistics with the layer: Put stores a copy
// and Get returns one.
type memoryLRU struct {
	maxEntries int
	maxValues  int64
	ttl        time.Duration

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	values  int64

	hits      int64
	misses    int64
	evictions int64
}

type memoryEntry struct {
	fp        string
	st        *stats.Statistics
	values    int64
	expiresAt time.Time
}

// newMemoryLRU returns a layer holding at most maxEntries statistics and, when
// maxValues > 0, at most maxValues values across them. ttl 0 never expires.
func newMemoryLRU(maxEntries int, maxValues int64, ttl time.Duration) *memoryLRU {
	return &memoryLRU{
		maxEntries: maxEntries,
		maxValues:  maxValues,
		ttl:        ttl,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// footprint counts the float values st holds: mean and scatter for moments,
// one value per dimension of every retained row.
func footprint(st *stats.Statistics) int64 {
	var n int64
	if m := st.Moments; m != nil {
		n += int64(len(m.Mean) + len(m.M2))
	}
	if s := st.Samples; s != nil {
		n += int64(len(s.Rows)) * int64(s.Dim)
	}
	return n
}

// Get returns a copy of the statistics remembered for fp.
func (c *memoryLRU) Get(fp string) (*stats.Statistics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[fp]
	if !ok {
		c.misses++
		return nil, false
	}
	e := elem.Value.(*memoryEntry)
	if c.ttl > 0 && time.Now().After(e.expiresAt) {
		c.remove(elem)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return e.st.Clone(), true
}

// Put remembers a copy of st under fp. Statistics larger than the whole value
// budget are not kept, and any older entry for fp is dropped.
func (c *memoryLRU) Put(fp string, st *stats.Statistics) {
	if c.maxEntries <= 0 || st == nil {
		return
	}
	size := footprint(st)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[fp]; ok {
		c.remove(elem)
	}
	if c.maxValues > 0 && size > c.maxValues {
		return
	}

	e := &memoryEntry{fp: fp, st: st.Clone(), values: size}
	if c.ttl > 0 {
		e.expiresAt = time.Now().Add(c.ttl)
	}
	c.entries[fp] = c.order.PushFront(e)
	c.values += size

	for c.order.Len() > c.maxEntries || (c.maxValues > 0 && c.values > c.maxValues) {
		c.remove(c.order.Back())
		c.evictions++
	}
}

// Invalidate forgets fp.
func (c *memoryLRU) Invalidate(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[fp]; ok {
		c.remove(elem)
	}
}

// Clear forgets every entry and resets the counters.
func (c *memoryLRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.values = 0
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Len returns the number of remembered fingerprints.
func (c *memoryLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats reports the layer's counters.
func (c *memoryLRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   c.order.Len(),
		Values:    c.values,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *memoryLRU) remove(elem *list.Element) {
	e := c.order.Remove(elem).(*memoryEntry)
	delete(c.entries, e.fp)
	c.values -= e.values
}

// Stats holds in-memory layer counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Values    int64
	HitRate   float64
}
