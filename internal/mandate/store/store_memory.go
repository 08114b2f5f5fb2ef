package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"enrollo/internal/mandate/models"
	id "enrollo/pkg/domain"
	"enrollo/pkg/platform/sentinel"
)

// InMemoryStore keeps mandates in a map. Used by tests and single-node dev runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	mandates map[id.MandateID]*models.Mandate
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{mandates: make(map[id.MandateID]*models.Mandate)}
}

func (s *InMemoryStore) Create(_ context.Context, m *models.Mandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mandates[m.ID]; ok {
		return fmt.Errorf("mandate %s: %w", m.ID, sentinel.ErrConflict)
	}
	cp := *m
	s.mandates[m.ID] = &cp
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, mandateID id.MandateID) (*models.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mandates[mandateID]
	if !ok {
		return nil, fmt.Errorf("mandate not found: %w", sentinel.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

// MarkRevoked flips an active mandate to revoked.
func (s *InMemoryStore) MarkRevoked(_ context.Context, mandateID id.MandateID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[mandateID]
	if !ok {
		return fmt.Errorf("mandate not found: %w", sentinel.ErrNotFound)
	}
	if err := m.Revoke(at); err != nil {
		return fmt.Errorf("mandate %s: %w", mandateID, sentinel.ErrInvalidState)
	}
	return nil
}
