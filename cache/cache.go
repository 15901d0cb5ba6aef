// Package cache implements the per-Session bounded memory cache: free-form
// (key, type) lookup, priority-ranked deterministic eviction, and an
// admission check that rejects entries which would be their own victims.
package cache

import (
	"sort"
	"time"

	"ndi.dev/core/ndierr"
)

// Policy selects what happens when an add would exceed max memory.
type Policy string

const (
	// FIFO evicts lowest-priority entries oldest-first.
	FIFO Policy = "fifo"
	// LIFO evicts lowest-priority entries newest-first.
	LIFO Policy = "lifo"
	// Error refuses the add with ndierr.Full instead of evicting.
	Error Policy = "error"
)

// Clock is injected so tests can assign distinct, deterministic timestamps.
var Clock = time.Now

// Entry is one resident cache record. Timestamp is set at admission and
// never updated on lookup.
type Entry struct {
	Key       string
	Type      string
	Timestamp time.Time
	Priority  int
	Bytes     int
	Data      []byte
}

// Cache is a bounded store. It is not safe for concurrent use; a Session is
// single-threaded by contract and owns exactly one of these.
type Cache struct {
	maxMemory int
	policy    Policy
	entries   []Entry
	bytes     int
}

// New creates a cache bounded at maxMemory bytes under the given policy.
func New(maxMemory int, policy Policy) *Cache {
	return &Cache{maxMemory: maxMemory, policy: policy}
}

// rankCandidates orders eviction candidates: priority ascending, then
// timestamp (ascending for FIFO, descending for LIFO), then index ascending
// under either policy. Lower rank is evicted first. The incoming
// entry is ranked alongside residents with its real admission timestamp,
// which makes it the newest candidate: under LIFO a same-priority newcomer
// ranks as its own first victim and the add aborts.
type candidate struct {
	index    int // len(entries) for the hypothetical new entry
	priority int
	ts       time.Time
	bytes    int
	isNew    bool
}

func (c *Cache) rankCandidates(newEntry candidate) []candidate {
	cands := make([]candidate, 0, len(c.entries)+1)
	for i, e := range c.entries {
		cands = append(cands, candidate{index: i, priority: e.Priority, ts: e.Timestamp, bytes: e.Bytes})
	}
	cands = append(cands, newEntry)
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if !a.ts.Equal(b.ts) {
			if c.policy == LIFO {
				return a.ts.After(b.ts)
			}
			return a.ts.Before(b.ts)
		}
		return a.index < b.index
	})
	return cands
}

// Add admits data under (key, type). If admission requires space, victims
// are evicted in deterministic rank order; if the incoming entry itself
// ranks among the victims, nothing is evicted and the add fails. An existing
// entry under the same (key, type) is replaced.
func (c *Cache) Add(key, typ string, data []byte, priority int) error {
	size := len(data)
	if size > c.maxMemory {
		return ndierr.Newf(ndierr.TooLarge, "entry of %d bytes exceeds cache capacity %d", size, c.maxMemory)
	}
	// replacing an entry frees its slot first; a refused add puts it back
	prevIdx := -1
	var prev Entry
	for i, e := range c.entries {
		if e.Key == key && e.Type == typ {
			prevIdx, prev = i, e
			break
		}
	}
	c.Remove(key, typ)
	restore := func() {
		if prevIdx >= 0 {
			c.entries = append(c.entries[:prevIdx], append([]Entry{prev}, c.entries[prevIdx:]...)...)
			c.bytes += prev.Bytes
		}
	}

	entry := Entry{
		Key:       key,
		Type:      typ,
		Timestamp: Clock(),
		Priority:  priority,
		Bytes:     size,
		Data:      data,
	}
	if c.bytes+size > c.maxMemory {
		if c.policy == Error {
			err := ndierr.Newf(ndierr.Full, "cache full: %d of %d bytes in use", c.bytes, c.maxMemory)
			restore()
			return err
		}
		if err := c.evictFor(entry); err != nil {
			restore()
			return err
		}
	}
	c.entries = append(c.entries, entry)
	c.bytes += size
	return nil
}

func (c *Cache) evictFor(entry Entry) error {
	newEntry := candidate{
		index:    len(c.entries),
		priority: entry.Priority,
		ts:       entry.Timestamp,
		bytes:    entry.Bytes,
		isNew:    true,
	}
	need := c.bytes + entry.Bytes - c.maxMemory

	var victims []int
	freed := 0
	for _, cand := range c.rankCandidates(newEntry) {
		if freed >= need {
			break
		}
		if cand.isNew {
			// the incoming entry would be among the victims: abort
			return ndierr.Newf(ndierr.Full, "entry under priority %d would be evicted on admission", entry.Priority)
		}
		victims = append(victims, cand.index)
		freed += cand.bytes
	}
	// remove victims highest-index-first so earlier indices stay valid
	sort.Sort(sort.Reverse(sort.IntSlice(victims)))
	for _, i := range victims {
		c.bytes -= c.entries[i].Bytes
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	}
	return nil
}

// Lookup returns the entry under (key, type), or nil. The entry's timestamp
// is not refreshed by reads.
func (c *Cache) Lookup(key, typ string) *Entry {
	for i := range c.entries {
		if c.entries[i].Key == key && c.entries[i].Type == typ {
			return &c.entries[i]
		}
	}
	return nil
}

// Remove drops the entry under (key, type), reporting whether one existed.
func (c *Cache) Remove(key, typ string) bool {
	for i := range c.entries {
		if c.entries[i].Key == key && c.entries[i].Type == typ {
			c.bytes -= c.entries[i].Bytes
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveIndex drops the entry at position i in insertion order.
func (c *Cache) RemoveIndex(i int) bool {
	if i < 0 || i >= len(c.entries) {
		return false
	}
	c.bytes -= c.entries[i].Bytes
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	return true
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.entries = nil
	c.bytes = 0
}

// Bytes reports total resident bytes.
func (c *Cache) Bytes() int { return c.bytes }

// Len reports the number of resident entries.
func (c *Cache) Len() int { return len(c.entries) }

// Keys returns the resident (key, type) pairs in insertion order, for
// deterministic-eviction assertions.
func (c *Cache) Keys() [][2]string {
	out := make([][2]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = [2]string{e.Key, e.Type}
	}
	return out
}
