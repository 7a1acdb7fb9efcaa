package service

import (
	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

type BatchSaveEntriesService struct {
	store domain.EntryStore
}

func NewBatchSaveEntriesService(store domain.EntryStore) *BatchSaveEntriesService {
	return &BatchSaveEntriesService{store: store}
}

type BatchSaveEntriesCommand struct {
	Entries []domain.KeyValue
}

// Execute writes the batch in order and returns the number of entries
// written; a failure mid-batch leaves the already-written prefix durable.
func (s *BatchSaveEntriesService) Execute(command BatchSaveEntriesCommand) (int, error) {
	return s.store.BatchPut(command.Entries)
}
