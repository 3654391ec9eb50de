package deploy

import (
	"context"
	"sync"
)

// Store persists deployment records by token.
//
// Create inserts a pending record. It replaces an existing record only when
// that record has failed, bumping the revision; any other existing record
// yields ErrExists. Update enforces CanTransition against the stored
// status.
type Store interface {
	Get(ctx context.Context, token string) (*Record, error)
	Create(ctx context.Context, rec *Record) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	Close() error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Get returns a copy of the record for token.
func (s *MemoryStore) Get(_ context.Context, token string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[token]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Create stores rec and returns the stored copy.
func (s *MemoryStore) Create(_ context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := rec.Clone()
	next.Revision = 1
	if prev, ok := s.records[rec.Token]; ok {
		if prev.Status != StatusFailed {
			return nil, ErrExists
		}
		next.Revision = prev.Revision + 1
	}
	s.records[rec.Token] = next
	return next.Clone(), nil
}

// Update replaces the stored record if the status change is allowed.
func (s *MemoryStore) Update(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[rec.Token]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(prev.Status, rec.Status) {
		return invalidTransition(prev.Status, rec.Status)
	}
	next := rec.Clone()
	next.Revision = prev.Revision
	s.records[rec.Token] = next
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
