package diskcache

import "github.com/dustin/go-humanize"

// trimLocked implements spec.md §4.10's Trim: evict LRU entries,
// skipping zombies (entries pinned by an open reader on a
// non-civilized filesystem), until byteSize is back under maxSize.
// Must be called with c.mu held.
func (c *Cache) trimLocked() {
	before := c.size
	evicted := 0
	el := c.lru.Front()
	for c.size > c.maxSize && el != nil {
		next := el.Next()
		key := el.Value.(string)
		e := c.lruEntries[key]
		if e == nil || e.editing != nil {
			el = next
			continue
		}
		if e.zombie {
			el = next
			continue
		}
		_ = c.removeLocked(key)
		evicted++
		el = next
	}
	if evicted > 0 && c.Logger != nil {
		c.Logger.Debug("disk cache trimmed", "evicted", evicted,
			"before", humanize.Bytes(uint64(before)), "after", humanize.Bytes(uint64(c.size)))
	}
}

// EvictAll removes every non-pinned entry (spec.md §4.10), used when
// the cache is being cleared entirely rather than merely trimmed.
func (c *Cache) EvictAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		key := el.Value.(string)
		if e := c.lruEntries[key]; e != nil && e.editing == nil && !e.zombie {
			_ = c.removeLocked(key)
		}
		el = next
	}
	return nil
}
