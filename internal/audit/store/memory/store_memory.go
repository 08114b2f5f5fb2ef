package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"enrollo/internal/audit"
	id "enrollo/pkg/domain"
	"enrollo/pkg/platform/sentinel"
)

// InMemoryStore keeps audit records in insertion order.
type InMemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	records []*audit.Record
	byID    map[id.AuditID]*audit.Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[id.AuditID]*audit.Record)}
}

func (s *InMemoryStore) Insert(_ context.Context, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; ok {
		return fmt.Errorf("audit record %s: %w", rec.ID, sentinel.ErrConflict)
	}
	s.seq++
	rec.Seq = s.seq
	cp := *rec
	s.records = append(s.records, &cp)
	s.byID[cp.ID] = &cp
	return nil
}

func (s *InMemoryStore) Complete(_ context.Context, auditID id.AuditID, c audit.Completion) (*audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[auditID]
	if !ok {
		return nil, fmt.Errorf("audit record not found: %w", sentinel.ErrNotFound)
	}
	if rec.ResultHash != nil {
		return nil, fmt.Errorf("audit record %s already recorded: %w", auditID, sentinel.ErrInvalidState)
	}
	hash := c.ResultHash
	at := c.CompletedAt
	rec.ResultHash = &hash
	rec.Decision = c.Decision
	rec.Reason = c.Reason
	rec.State = audit.StateRecorded
	rec.CompletedAt = &at
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) FindByID(_ context.Context, auditID id.AuditID) (*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[auditID]
	if !ok {
		return nil, fmt.Errorf("audit record not found: %w", sentinel.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) ListByMandate(_ context.Context, mandateID id.MandateID) ([]*audit.Record, error) {
	return s.filter(func(r *audit.Record) bool { return r.MandateID == mandateID }), nil
}

func (s *InMemoryStore) ListByJob(_ context.Context, jobID id.JobID) ([]*audit.Record, error) {
	return s.filter(func(r *audit.Record) bool { return r.JobID == jobID }), nil
}

func (s *InMemoryStore) ListPending(_ context.Context, createdBefore time.Time) ([]*audit.Record, error) {
	return s.filter(func(r *audit.Record) bool {
		return r.State == audit.StatePending && r.CreatedAt.Before(createdBefore)
	}), nil
}

func (s *InMemoryStore) filter(keep func(*audit.Record) bool) []*audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*audit.Record, 0)
	for _, r := range s.records {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}
