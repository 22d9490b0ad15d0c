package store

import (
	"context"
	"sync"
	"time"

	"dialout-engine/internal/calls"
)

// MemoryStore is an in-memory Store with the same compare-and-swap semantics
// as the Postgres implementation. Used by tests and local runs.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string]calls.Record
	byExternal map[string]string // externalCallID -> record id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]calls.Record),
		byExternal: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, rec calls.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return ErrDuplicateID
	}
	rec.Version = 1
	s.records[rec.ID] = rec
	if rec.ExternalCallID != "" {
		s.byExternal[rec.ExternalCallID] = rec.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return calls.Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) GetByExternalID(_ context.Context, externalCallID string) (calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalCallID]
	if !ok {
		return calls.Record{}, ErrNotFound
	}
	rec, ok := s.records[id]
	if !ok {
		return calls.Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Update(_ context.Context, rec calls.Record) (calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[rec.ID]
	if !ok {
		return calls.Record{}, ErrNotFound
	}
	if stored.Version != rec.Version {
		return calls.Record{}, ErrVersionConflict
	}

	rec.Version++
	s.records[rec.ID] = rec
	if rec.ExternalCallID != "" {
		s.byExternal[rec.ExternalCallID] = rec.ID
	}
	return rec, nil
}

func (s *MemoryStore) FindDueRetries(_ context.Context, now time.Time, limit int) ([]calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []calls.Record
	for _, rec := range s.records {
		if !rec.Status.IsRetryEligible() {
			continue
		}
		if rec.RetryAfter == nil || rec.RetryAfter.After(now) {
			continue
		}
		if rec.AttemptNumber >= rec.MaxAttempts {
			continue
		}
		if rec.SuccessorID != "" {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) FindLive(_ context.Context, ref calls.BusinessRef, ct calls.CallType) ([]calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []calls.Record
	for _, rec := range s.records {
		if rec.BusinessRef != ref || rec.CallType != ct {
			continue
		}
		if rec.Status.IsTerminal() {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
