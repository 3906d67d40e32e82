package history

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[Key]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[Key]Record)}
}

func (s *InMemoryStore) Get(_ context.Context, userID, modelName string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[Key{UserID: userID, ModelName: modelName}]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (s *InMemoryStore) Put(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.key()] = cloneRecord(record)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, userID, modelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, Key{UserID: userID, ModelName: modelName})
	return nil
}

func (s *InMemoryStore) DeleteExpired(_ context.Context, userID, modelName string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key{UserID: userID, ModelName: modelName}
	rec, ok := s.records[key]
	if !ok || !rec.LastUpdated.Before(cutoff) {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *InMemoryStore) ScanExpired(_ context.Context, cutoff time.Time) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []Key
	for key, rec := range s.records {
		if rec.LastUpdated.Before(cutoff) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *InMemoryStore) Close() error { return nil }
