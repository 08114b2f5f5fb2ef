package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"enrollo/internal/scheduler/models"
	id "enrollo/pkg/domain"
	"enrollo/pkg/platform/sentinel"
)

// InMemoryStore keeps jobs in a map. Used by tests and single-node dev runs;
// jobs do not survive a restart.
type InMemoryStore struct {
	mu             sync.RWMutex
	jobs           map[id.JobID]*models.Job
	byRegistration map[string]id.JobID
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		jobs:           make(map[id.JobID]*models.Job),
		byRegistration: make(map[string]id.JobID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, sentinel.ErrConflict)
	}
	if _, ok := s.byRegistration[job.RegistrationID]; ok {
		return fmt.Errorf("registration %s already scheduled: %w", job.RegistrationID, sentinel.ErrConflict)
	}
	s.jobs[job.ID] = job.Clone()
	s.byRegistration[job.RegistrationID] = job.ID
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, jobID id.JobID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job not found: %w", sentinel.ErrNotFound)
	}
	return job.Clone(), nil
}

// Update replaces the stored job when its status still equals expected.
func (s *InMemoryStore) Update(_ context.Context, job *models.Job, expected models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job not found: %w", sentinel.ErrNotFound)
	}
	if current.Status != expected {
		return fmt.Errorf("job %s is %s, expected %s: %w", job.ID, current.Status, expected, sentinel.ErrInvalidState)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// ListDue returns pending jobs whose trigger time is at or before before,
// earliest first.
func (s *InMemoryStore) ListDue(_ context.Context, before time.Time, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if job.Status == models.StatusPending && !job.TriggerTime.After(before) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerTime.Before(out[j].TriggerTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status models.Status) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerTime.Before(out[j].TriggerTime) })
	return out, nil
}
