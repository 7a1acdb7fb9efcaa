package service

import (
	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

type DeleteEntryService struct {
	store domain.EntryStore
}

func NewDeleteEntryService(store domain.EntryStore) *DeleteEntryService {
	return &DeleteEntryService{store: store}
}

type DeleteEntryCommand struct {
	Key string
}

func (s *DeleteEntryService) Execute(command DeleteEntryCommand) error {
	return s.store.Delete(command.Key)
}
