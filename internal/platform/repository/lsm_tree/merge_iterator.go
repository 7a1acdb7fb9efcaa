package lsm_tree

import (
	"container/heap"

	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

// mergeItem is one heap element: a source iterator and its current entry.
type mergeItem struct {
	iter     Iterator
	priority int // 0 = active memtable, ascending = older sources
	entry    domain.Entry
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].entry.Key() != h[j].entry.Key() {
		return h[i].entry.Key() < h[j].entry.Key()
	}
	// Same key in several sources: the newest write wins. Sequence order and
	// source priority agree unless something is badly wrong; priority breaks
	// the tie.
	if h[i].entry.Seq() != h[j].entry.Seq() {
		return h[i].entry.Seq() > h[j].entry.Seq()
	}
	return h[i].priority < h[j].priority
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MergeIterator layers memtable and SSTable scans into one ordered,
// deduplicated view. Sources must be ordered newest first and already
// bounded to the requested range; tombstones are examined and skipped.
type MergeIterator struct {
	h       mergeHeap
	sources []Iterator
	end     string
	limit   int
	emitted int

	current domain.Entry
	err     error
}

// NewMergeIterator primes every source. limit <= 0 means unlimited; an empty
// end means no upper bound.
func NewMergeIterator(sources []Iterator, end string, limit int) *MergeIterator {
	mi := &MergeIterator{sources: sources, end: end, limit: limit}
	for i, src := range sources {
		if src.Next() {
			heap.Push(&mi.h, &mergeItem{iter: src, priority: i, entry: src.At()})
		} else if err := src.Error(); err != nil {
			mi.err = err
		}
	}
	return mi
}

func (mi *MergeIterator) Next() bool {
	if mi.err != nil {
		return false
	}
	for {
		if mi.limit > 0 && mi.emitted >= mi.limit {
			return false
		}
		if mi.h.Len() == 0 {
			return false
		}
		winner := mi.h[0].entry
		if mi.end != "" && winner.Key() > mi.end {
			return false
		}
		// Advance every source sitting on this key; the heap order already
		// put the winning version on top.
		for mi.h.Len() > 0 && mi.h[0].entry.Key() == winner.Key() {
			item := heap.Pop(&mi.h).(*mergeItem)
			if item.iter.Next() {
				item.entry = item.iter.At()
				heap.Push(&mi.h, item)
			} else if err := item.iter.Error(); err != nil {
				mi.err = err
				return false
			}
		}
		if winner.Tombstone() {
			continue
		}
		mi.current = winner
		mi.emitted++
		return true
	}
}

func (mi *MergeIterator) At() domain.Entry {
	return mi.current
}

func (mi *MergeIterator) Error() error { return mi.err }

func (mi *MergeIterator) Close() error {
	var firstErr error
	for _, src := range mi.sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	mi.sources = nil
	mi.h = nil
	return firstErr
}
