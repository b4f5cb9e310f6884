package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps keys in process. Expired entries are dropped on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	id := documentID(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[id]; ok && !existing.expired(now) {
		outcome, err := decide(existing, fingerprint)
		if err != nil {
			return 0, Entry{}, err
		}
		return outcome, existing, nil
	}
	entry := pendingEntry(key, fingerprint, now, ttl)
	s.entries[id] = entry
	return OutcomeProceed, entry, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	id := documentID(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if ok && entry.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !ok {
		entry = pendingEntry(key, fingerprint, now, ttl)
	}
	entry.Status = StatusCompleted
	entry.Response = Response{
		Status:  resp.Status,
		Headers: replayableHeaders(resp.Headers),
		Body:    append([]byte(nil), resp.Body...),
	}
	entry.ExpiresAt = now.Add(ttlOrDefault(ttl))
	s.entries[id] = entry
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, documentID(key))
	return nil
}

var _ Store = (*MemoryStore)(nil)
