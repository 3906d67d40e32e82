package credential

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps credentials in process memory for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{creds: make(map[string]Credential)}
}

func (s *InMemoryStore) Load(_ context.Context, accountID string) (Credential, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[accountID]
	if !ok {
		return Credential{}, false, nil
	}
	cred.Blob = append([]byte(nil), cred.Blob...)
	return cred, true, nil
}

func (s *InMemoryStore) Save(_ context.Context, cred Credential) error {
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.creds[cred.AccountID]; ok && existing.Seq >= cred.Seq {
		return nil
	}
	cred.Blob = append([]byte(nil), cred.Blob...)
	s.creds[cred.AccountID] = cred
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, accountID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
