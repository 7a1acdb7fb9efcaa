package repository

import (
	"github.com/aditya0562/lsm-kv-store/internal/domain"
	"github.com/aditya0562/lsm-kv-store/internal/platform/repository/lsm_tree"
)

// LSMTreeRepository adapts the LSM engine to the domain capability set.
type LSMTreeRepository struct {
	engine *lsm_tree.Engine
}

var _ domain.EntryStore = (*LSMTreeRepository)(nil)

func NewLSMTreeRepository(engine *lsm_tree.Engine) *LSMTreeRepository {
	return &LSMTreeRepository{engine: engine}
}

func (r *LSMTreeRepository) Put(key, value string) error {
	return r.engine.Put(key, value)
}

func (r *LSMTreeRepository) Delete(key string) error {
	return r.engine.Delete(key)
}

func (r *LSMTreeRepository) BatchPut(entries []domain.KeyValue) (int, error) {
	return r.engine.BatchPut(entries)
}

func (r *LSMTreeRepository) Get(key string) (string, error) {
	return r.engine.Get(key)
}

func (r *LSMTreeRepository) ReadKeyRange(start, end string, limit int) (domain.RangeIterator, error) {
	iter, err := r.engine.ReadKeyRange(start, end, limit)
	if err != nil {
		return nil, err
	}
	return &rangeIterator{iter: iter}, nil
}

func (r *LSMTreeRepository) Close() error {
	return r.engine.Close()
}

type rangeIterator struct {
	iter lsm_tree.Iterator
}

func (it *rangeIterator) Next() bool {
	return it.iter.Next()
}

func (it *rangeIterator) At() domain.KeyValue {
	entry := it.iter.At()
	return domain.KeyValue{Key: entry.Key(), Value: entry.Value()}
}

func (it *rangeIterator) Error() error {
	return it.iter.Error()
}

func (it *rangeIterator) Close() error {
	return it.iter.Close()
}
