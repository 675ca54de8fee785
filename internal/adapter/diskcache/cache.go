// Package diskcache implements the journaled, content-addressed disk
// LRU cache (spec.md §4.10): a directory holding one journal plus two
// files per cached entry (metadata, body), with atomic commit via
// rename. Trim runs synchronously inside Commit, under the cache lock,
// once the configured size is exceeded; there is no background trim.
package diskcache

import (
	"bufio"
	"container/list"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/vellumhttp/vellum/internal/core/ports"
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)

// Cache is a single disk LRU instance (spec.md §4.10). One mutex per
// instance, held only around in-memory bookkeeping and journal writes
// per spec.md §5's lock-order table (cache below disk-LRU is not
// applicable here; disk-LRU is the innermost lock).
type Cache struct {
	dir        string
	appVersion int
	valueCount int
	maxSize    int64

	mu         sync.Mutex
	lruEntries map[string]*entry
	lru        *list.List
	lruNodes   map[string]*list.Element
	size       int64

	journalOut       *os.File
	journalWriter    *bufio.Writer
	redundantOpCount int

	civilized bool
	closed    bool

	// creation dedups concurrent first-time Edit calls for the same key
	// so only one goroutine touches the journal/filesystem to create a
	// brand-new entry; spec.md §4.10's "at most one editor per key" is
	// still enforced by entry.editing, this only avoids a bookkeeping
	// race on the create path.
	creation singleflight.Group

	stats  ports.StatsCollector
	Logger *slog.Logger
}

// Open initializes or recovers a disk LRU cache rooted at dir
// (spec.md §4.10's filesystem contract: the directory is exclusive to
// this cache).
func Open(dir string, appVersion, valueCount int, maxSize int64, stats ports.StatsCollector) (*Cache, error) {
	if valueCount <= 0 {
		return nil, fmt.Errorf("diskcache: valueCount must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if stats == nil {
		stats = ports.NoopStatsCollector{}
	}

	c := &Cache{
		dir:        dir,
		appVersion: appVersion,
		valueCount: valueCount,
		maxSize:    maxSize,
		lruEntries: make(map[string]*entry),
		lru:        list.New(),
		lruNodes:   make(map[string]*list.Element),
		stats:      stats,
		Logger:     slog.Default(),
	}

	c.civilized = detectCivilized(dir)

	if err := c.openJournal(); err != nil {
		return nil, err
	}
	for _, e := range c.lruEntries {
		c.size += e.totalLength()
	}
	if c.Logger != nil {
		c.Logger.Info("disk cache opened", "dir", dir, "size", humanize.Bytes(uint64(c.size)), "entries", len(c.lruEntries))
	}
	return c, nil
}

// detectCivilized implements spec.md §4.10's probe: can an open file
// be deleted while still held open (Unix inode semantics)?
func detectCivilized(dir string) bool {
	probe := filepath.Join(dir, ".vellum-civilized-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	defer f.Close()
	return os.Remove(probe) == nil
}

func (c *Cache) cleanFile(key string, index int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s.%d", key, index))
}

func (c *Cache) dirtyFile(key string, index int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s.%d.tmp", key, index))
}

func (c *Cache) touchLRU(e *entry) {
	if node, ok := c.lruNodes[e.key]; ok {
		c.lru.MoveToBack(node)
		return
	}
	node := c.lru.PushBack(e.key)
	c.lruNodes[e.key] = node
}

// Get returns a snapshot of every value slot stored for key, if a
// readable entry exists (spec.md §8 L1: byte-identical round trip).
func (c *Cache) Get(key string) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lruEntries[key]
	if !ok || !e.readable || e.zombie {
		return nil, false
	}
	c.touchLRU(e)

	files := make([]*os.File, c.valueCount)
	for i := 0; i < c.valueCount; i++ {
		f, err := os.Open(c.cleanFile(key, i))
		if err != nil {
			for j := 0; j < i; j++ {
				files[j].Close()
			}
			return nil, false
		}
		files[i] = f
	}
	_ = c.appendOp(opRead, key, "")
	if !c.civilized {
		e.readers++
	}

	return &Snapshot{cache: c, key: key, files: files, lengths: append([]int64(nil), e.lengths...)}, true
}

// Remove evicts key immediately (spec.md §6: POST/PUT/PATCH/DELETE/MOVE
// invalidate any cached entry for the URL). An entry with an edit in
// progress is left in place and nil is returned. On a non-civilized
// filesystem with open readers, the entry is marked a zombie instead:
// its files are deleted once the last Snapshot closes (spec.md §4.10).
func (c *Cache) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(key)
}

func (c *Cache) removeLocked(key string) error {
	e, ok := c.lruEntries[key]
	if !ok {
		return nil
	}
	if e.editing != nil {
		return nil
	}
	c.size -= e.totalLength()
	if node, ok := c.lruNodes[key]; ok {
		c.lru.Remove(node)
		delete(c.lruNodes, key)
	}
	if !c.civilized && e.readers > 0 {
		e.zombie = true // stays in lruEntries; Snapshot.Close deletes its files once readers reach zero
		return c.appendOp(opRemove, key, "")
	}
	delete(c.lruEntries, key)
	for i := 0; i < c.valueCount; i++ {
		_ = os.Remove(c.cleanFile(key, i))
	}
	return c.appendOp(opRemove, key, "")
}

func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.journalWriter != nil {
		_ = c.journalWriter.Flush()
	}
	if c.journalOut != nil {
		return c.journalOut.Close()
	}
	return nil
}
