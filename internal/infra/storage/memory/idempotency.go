package memory

import (
	"context"
	"sync"
	"time"

	"estatechat/internal/app/chat"
)

// IdempotencyStore keeps send results in memory. Records older than TTL are
// treated as absent; they are swept at most once per TTL on write.
type IdempotencyStore struct {
	TTL time.Duration

	mu        sync.RWMutex
	items     map[string]chat.IdempotencyRecord
	lastSweep time.Time
	now       func() time.Time
}

func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{TTL: ttl, items: make(map[string]chat.IdempotencyRecord), now: time.Now}
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (chat.IdempotencyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[key]
	if !ok || s.expired(rec) {
		return chat.IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *IdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	if rec, ok := s.items[key]; ok && !s.expired(rec) {
		return false, nil
	}
	s.items[key] = chat.IdempotencyRecord{Key: key, OccurredAt: s.now().UTC()}
	return true, nil
}

func (s *IdempotencyStore) Save(ctx context.Context, rec chat.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = s.now().UTC()
	}
	s.items[rec.Key] = rec
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *IdempotencyStore) sweepLocked() {
	if s.TTL <= 0 {
		return
	}
	now := s.now()
	if now.Sub(s.lastSweep) < s.TTL {
		return
	}
	s.lastSweep = now
	for key, existing := range s.items {
		if s.expired(existing) {
			delete(s.items, key)
		}
	}
}

func (s *IdempotencyStore) expired(rec chat.IdempotencyRecord) bool {
	return s.TTL > 0 && s.now().Sub(rec.OccurredAt) > s.TTL
}

var _ chat.IdempotencyStore = (*IdempotencyStore)(nil)
