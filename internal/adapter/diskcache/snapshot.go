package diskcache

import "os"

// Snapshot is a consistent, already-open view of one entry's value
// streams, returned by Cache.Get (spec.md §4.10 and §8 L1: a reader
// never observes a mix of values across a concurrent commit).
type Snapshot struct {
	cache   *Cache
	key     string
	files   []*os.File
	lengths []int64
	closed  bool
}

func (s *Snapshot) Reader(index int) *os.File { return s.files[index] }
func (s *Snapshot) Length(index int) int64    { return s.lengths[index] }

// Close releases the snapshot's open files. On a non-civilized
// filesystem where the entry was concurrently removed while this
// snapshot was open, the entry is a zombie and Close finally deletes
// its files once nothing else still holds them (spec.md §4.10).
func (s *Snapshot) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	if e, ok := s.cache.lruEntries[s.key]; ok {
		if !s.cache.civilized && e.readers > 0 {
			e.readers--
		}
		if e.zombie && e.readers == 0 {
			delete(s.cache.lruEntries, s.key)
			for i := 0; i < s.cache.valueCount; i++ {
				_ = os.Remove(s.cache.cleanFile(s.key, i))
			}
		}
	}
	return firstErr
}
