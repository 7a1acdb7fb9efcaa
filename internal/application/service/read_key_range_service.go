package service

import (
	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

type ReadKeyRangeService struct {
	store domain.EntryStore
}

func NewReadKeyRangeService(store domain.EntryStore) *ReadKeyRangeService {
	return &ReadKeyRangeService{store: store}
}

type ReadKeyRangeQuery struct {
	Start string
	End   string
	Limit int
}

// Execute drains the range iterator into an ordered slice.
func (s *ReadKeyRangeService) Execute(query ReadKeyRangeQuery) ([]domain.KeyValue, error) {
	iter, err := s.store.ReadKeyRange(query.Start, query.End, query.Limit)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var results []domain.KeyValue
	for iter.Next() {
		results = append(results, iter.At())
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return results, nil
}
