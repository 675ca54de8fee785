package diskcache

// entry is one journal-tracked key. lengths holds the committed byte
// size of each of the cache's value slots (spec.md §4.10).
type entry struct {
	key      string
	lengths  []int64
	readable bool
	zombie   bool // non-civilized filesystem: files kept around for a reader that still has them open
	editing  *Editor
	readers  int // open Snapshots on a non-civilized filesystem (spec.md §4.10 lockingSourceCount)

	sequence int64
}

func newEntry(key string, valueCount int) *entry {
	return &entry{key: key, lengths: make([]int64, valueCount)}
}

func (e *entry) totalLength() int64 {
	var sum int64
	for _, l := range e.lengths {
		sum += l
	}
	return sum
}
