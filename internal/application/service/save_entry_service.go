package service

import (
	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

type SaveEntryService struct {
	store domain.EntryStore
}

func NewSaveEntryService(store domain.EntryStore) *SaveEntryService {
	return &SaveEntryService{store: store}
}

type SaveEntryCommand struct {
	Key   string
	Value string
}

func (s *SaveEntryService) Execute(command SaveEntryCommand) error {
	return s.store.Put(command.Key, command.Value)
}
