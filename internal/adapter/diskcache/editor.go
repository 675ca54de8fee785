package diskcache

import (
	"fmt"
	"os"
	"strings"
)

// Editor implements spec.md §4.10's edit/commit/abort lifecycle. At
// most one Editor exists per key at a time (spec.md §8, I2).
type Editor struct {
	cache   *Cache
	entry   *entry
	written [32]bool // index by value slot; bounded by realistic valueCount
	done    bool
}

// Edit starts a new edit for key, or returns (nil, false) per
// spec.md §4.10: another edit already in progress, or the cache has a
// non-zero locking-source count on a non-civilized filesystem holding
// this key's files open.
func (c *Cache) Edit(key string) (*Editor, bool) {
	if !keyPattern.MatchString(key) {
		return nil, false
	}

	c.mu.Lock()
	e, exists := c.lruEntries[key]
	if exists && e.editing != nil {
		c.mu.Unlock()
		return nil, false
	}
	if exists && !c.civilized && e.readers > 0 {
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Unlock()

	if !exists {
		// Dedupe concurrent first-time creation of the same key: only
		// one caller actually inserts the entry and appends the DIRTY
		// line; everyone else observes "another edit in progress" and
		// returns null, matching spec.md §4.10.
		_, _, _ = c.creation.Do(key, func() (any, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, already := c.lruEntries[key]; !already {
				ne := newEntry(key, c.valueCount)
				c.lruEntries[key] = ne
			}
			return nil, nil
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e = c.lruEntries[key]
	if e.editing != nil {
		return nil, false
	}
	ed := &Editor{cache: c, entry: e}
	e.editing = ed
	if err := c.appendOp(opDirty, key, ""); err != nil {
		e.editing = nil
		return nil, false
	}
	return ed, true
}

// Writer returns the writable dirty file for slot index. On update (an
// existing readable entry), unwritten slots must inherit from the
// clean file at commit time (spec.md §4.10).
func (ed *Editor) Writer(index int) (*os.File, error) {
	f, err := os.Create(ed.cache.dirtyFile(ed.entry.key, index))
	if err != nil {
		return nil, err
	}
	if index < len(ed.written) {
		ed.written[index] = true
	}
	return f, nil
}

// Commit implements spec.md §4.10's commit: rename each written dirty
// file to clean, update its recorded length, append a CLEAN line, and
// bump the cache's byte size.
func (ed *Editor) Commit() error {
	c := ed.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if ed.done {
		return fmt.Errorf("diskcache: editor already closed")
	}
	ed.done = true

	wasNew := !ed.entry.readable
	for i := 0; i < c.valueCount; i++ {
		dirty := c.dirtyFile(ed.entry.key, i)
		if _, err := os.Stat(dirty); err == nil {
			clean := c.cleanFile(ed.entry.key, i)
			if err := os.Rename(dirty, clean); err != nil {
				return err
			}
			info, err := os.Stat(clean)
			if err != nil {
				return err
			}
			c.size += info.Size() - ed.entry.lengths[i]
			ed.entry.lengths[i] = info.Size()
		} else if wasNew {
			return ed.abortLocked()
		}
	}

	ed.entry.readable = true
	ed.entry.editing = nil
	ed.entry.sequence++
	c.touchLRU(ed.entry)

	lens := make([]string, len(ed.entry.lengths))
	for i, l := range ed.entry.lengths {
		lens[i] = fmt.Sprint(l)
	}
	if err := c.appendOp(opClean, ed.entry.key, strings.Join(lens, " ")); err != nil {
		return err
	}

	if c.size > c.maxSize {
		c.trimLocked()
	}
	return nil
}

// Abort implements spec.md §4.10's abort: delete dirty files and, for
// a brand-new entry, remove it entirely.
func (ed *Editor) Abort() error {
	ed.cache.mu.Lock()
	defer ed.cache.mu.Unlock()
	if ed.done {
		return nil
	}
	ed.done = true
	return ed.abortLocked()
}

func (ed *Editor) abortLocked() error {
	c := ed.cache
	for i := 0; i < c.valueCount; i++ {
		_ = os.Remove(c.dirtyFile(ed.entry.key, i))
	}
	ed.entry.editing = nil
	if !ed.entry.readable {
		delete(c.lruEntries, ed.entry.key)
		if node, ok := c.lruNodes[ed.entry.key]; ok {
			c.lru.Remove(node)
			delete(c.lruNodes, ed.entry.key)
		}
		return c.appendOp(opRemove, ed.entry.key, "")
	}
	return nil
}
