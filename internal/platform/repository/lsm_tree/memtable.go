package lsm_tree

import (
	"strings"
	"sync"

	"github.com/INLOpen/skiplist"

	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

// memtableEntry is the stored state for one key. At most one exists per key;
// a newer write, tombstone included, replaces the prior entry.
type memtableEntry struct {
	entryType domain.EntryType
	seq       uint64
	value     string
}

func (e *memtableEntry) toEntry(key string) domain.Entry {
	return domain.NewEntry(key, e.value, e.entryType == domain.EntryTypeDelete, e.seq)
}

// memtableEntryOverhead is the fixed per-entry contribution to the
// approximate byte footprint, on top of key and value lengths.
const memtableEntryOverhead = 16

// Memtable is the ordered in-memory store, keyed by lexicographic byte
// order. Mutation after Seal is a programmer error.
type Memtable struct {
	mu     sync.RWMutex
	data   *skiplist.SkipList[string, *memtableEntry]
	bytes  int
	sealed bool
}

func NewMemtable() *Memtable {
	return &Memtable{
		data: skiplist.NewWithComparator[string, *memtableEntry](strings.Compare),
	}
}

// Set inserts or replaces the live entry for the entry's key.
func (mt *Memtable) Set(entry domain.Entry) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.sealed {
		panic("lsm_tree: mutation of sealed memtable")
	}
	key := entry.Key()
	stored := &memtableEntry{entryType: entry.Type(), seq: entry.Seq(), value: entry.Value()}
	// Read the prior value before Insert: the skiplist updates the existing
	// node in place, so the node it returns already carries the new value.
	if node, ok := mt.data.Seek(key); ok && node.Key() == key {
		mt.bytes -= len(node.Value().value)
	} else {
		mt.bytes += len(key) + memtableEntryOverhead
	}
	mt.data.Insert(key, stored)
	mt.bytes += len(stored.value)
}

// Get reports the live entry for key. found=false means the memtable has no
// opinion; a found tombstone means deleted.
func (mt *Memtable) Get(key string) (domain.Entry, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	node, ok := mt.data.Seek(key)
	if !ok || node.Key() != key {
		return domain.Entry{}, false
	}
	return node.Value().toEntry(key), true
}

func (mt *Memtable) ApproximateBytes() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.bytes
}

func (mt *Memtable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.data.Len()
}

// MaxSeq returns the highest sequence number held. Used when flushing to
// name the resulting SSTable.
func (mt *Memtable) MaxSeq() uint64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	var max uint64
	mt.data.Range(func(_ string, e *memtableEntry) bool {
		if e.seq > max {
			max = e.seq
		}
		return true
	})
	return max
}

// Seal freezes the memtable. Readers continue concurrently with the flush.
func (mt *Memtable) Seal() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.sealed = true
}

// Scan returns an iterator over [start, end] inclusive. An empty end means
// no upper bound. The iterator holds the memtable read lock until Close.
func (mt *Memtable) Scan(start, end string) Iterator {
	mt.mu.RLock()
	return &memtableIterator{
		mu:    &mt.mu,
		iter:  mt.data.NewIterator(),
		start: start,
		end:   end,
	}
}

type memtableIterator struct {
	mu      *sync.RWMutex
	iter    *skiplist.Iterator[string, *memtableEntry]
	start   string
	end     string
	started bool
	done    bool
	closed  bool
}

func (it *memtableIterator) Next() bool {
	if it.done || it.closed {
		return false
	}
	var ok bool
	if !it.started {
		it.started = true
		if it.start != "" {
			ok = it.iter.Seek(it.start)
		} else {
			ok = it.iter.First()
		}
	} else {
		ok = it.iter.Next()
	}
	if !ok || (it.end != "" && it.iter.Key() > it.end) {
		it.done = true
		return false
	}
	return true
}

func (it *memtableIterator) At() domain.Entry {
	return it.iter.Value().toEntry(it.iter.Key())
}

func (it *memtableIterator) Error() error { return nil }

func (it *memtableIterator) Close() error {
	if !it.closed {
		it.closed = true
		it.mu.RUnlock()
	}
	return nil
}
