package store

import (
	"context"
	"fmt"
	"sync"

	"enrollo/internal/credential/models"
	id "enrollo/pkg/domain"
	"enrollo/pkg/platform/sentinel"
)

// InMemoryStore keeps sealed credentials in memory for tests/dev.
type InMemoryStore struct {
	mu    sync.RWMutex
	creds map[id.CredentialID]*models.Credential
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{creds: make(map[id.CredentialID]*models.Credential)}
}

func (s *InMemoryStore) Create(_ context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.creds[cred.ID]; exists {
		return fmt.Errorf("credential %s: %w", cred.ID, sentinel.ErrConflict)
	}
	copied := *cred
	s.creds[cred.ID] = &copied
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, credID id.CredentialID) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[credID]
	if !ok {
		return nil, fmt.Errorf("credential not found: %w", sentinel.ErrNotFound)
	}
	copied := *cred
	return &copied, nil
}
