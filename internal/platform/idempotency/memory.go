package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps submit reservations in process. It serves a single replica and the tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// live returns the unexpired record of key. Callers hold mu.
func (s *MemoryStore) live(key string, now time.Time) (Record, bool) {
	record, ok := s.records[compositeKey(key)]
	if !ok || !now.Before(record.ExpiresAt) {
		return Record{}, false
	}
	return record, true
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.live(key, now); ok {
		return reservationOf(existing, fingerprint)
	}
	record := pendingRecord(key, fingerprint, now, ttlOrDefault(ttl))
	s.records[compositeKey(key)] = record
	return Reservation{State: ReservationStateNew, Record: record}, nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[compositeKey(key)]
	switch {
	case !ok:
		record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	case record.Fingerprint != fingerprint:
		return ErrFingerprintMismatch
	}
	s.records[compositeKey(key)] = completedRecord(record, resp, now, ttlOrDefault(ttl))
	return nil
}

// Release forgets the reservation of key when fingerprint owns it.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[compositeKey(key)]; ok && record.Fingerprint == fingerprint {
		delete(s.records, compositeKey(key))
	}
	return nil
}

// CleanupExpired drops up to limit expired records; a non-positive limit means all of them.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed == limit {
			break
		}
		if record.ExpiresAt.After(now) {
			continue
		}
		delete(s.records, id)
		removed++
	}
	return removed, nil
}
