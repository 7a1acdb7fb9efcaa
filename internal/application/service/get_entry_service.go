package service

import (
	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

type GetEntryService struct {
	store domain.EntryStore
}

func NewGetEntryService(store domain.EntryStore) *GetEntryService {
	return &GetEntryService{store: store}
}

type GetEntryQuery struct {
	Key string
}

type GetEntryResult struct {
	Entry domain.KeyValue
}

func (s *GetEntryService) Execute(query GetEntryQuery) (GetEntryResult, error) {
	value, err := s.store.Get(query.Key)
	if err != nil {
		return GetEntryResult{}, err
	}
	return GetEntryResult{Entry: domain.KeyValue{Key: query.Key, Value: value}}, nil
}
