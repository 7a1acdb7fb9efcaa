package lsm_tree

import "github.com/aditya0562/lsm-kv-store/internal/domain"

// Iterator is the common contract for memtable scans, SSTable block scans
// and the merge iterator. At returns the entry at the current position; it
// is only valid until the next call to Next.
type Iterator interface {
	Next() bool
	At() domain.Entry
	Error() error
	Close() error
}

type emptyIterator struct{}

func (emptyIterator) Next() bool       { return false }
func (emptyIterator) At() domain.Entry { return domain.Entry{} }
func (emptyIterator) Error() error     { return nil }
func (emptyIterator) Close() error     { return nil }
