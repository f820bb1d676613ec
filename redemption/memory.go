package redemption

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Everything is lost on
// restart, so it is only suitable for tests and test mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Redeemed(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key]
	return ok, nil
}

func (s *MemoryStore) Redeem(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; ok {
		return ErrAlreadyRedeemed
	}
	if rec.RedeemedAt.IsZero() {
		rec.RedeemedAt = time.Now().UTC()
	}
	s.records[rec.Key] = rec
	return nil
}

func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if rec.RedeemedAt.Before(before) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of records held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error {
	return nil
}
