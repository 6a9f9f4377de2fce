// Package idempotency remembers which commitment a client's Idempotency-Key
// produced, so a retried create returns the original commitment instead of
// staking twice.
//
// A key moves through two states: pending (a request holding the key is in
// flight) and done (the request created commitment id). Begin claims a key
// atomically; the claimant must then Complete or Abort it.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInProgress is returned by Begin while another request holds the key.
var ErrInProgress = errors.New("idempotency key is already in use by an in-flight request")

// Store records idempotency keys.
type Store interface {
	// Begin claims key. If key already completed, it returns the recorded ID
	// with done=true. If key is pending, it returns ErrInProgress.
	Begin(ctx context.Context, key string) (id uint64, done bool, err error)
	// Complete records the commitment created under key.
	Complete(ctx context.Context, key string, id uint64) error
	// Abort releases a pending claim so the key can be retried.
	Abort(ctx context.Context, key string) error
}

// ─── In-Memory Store ────────────────────────────────────────────────────────

type memRecord struct {
	id      uint64
	done    bool
	expires time.Time
}

// MemoryStore is a process-local Store with per-key TTL.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memRecord
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryStore creates a store whose keys expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{items: make(map[string]memRecord), ttl: ttl, now: time.Now}
}

// SetClock replaces the time source (for testing).
func (s *MemoryStore) SetClock(fn func() time.Time) {
	s.mu.Lock()
	s.now = fn
	s.mu.Unlock()
}

func (s *MemoryStore) Begin(_ context.Context, key string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.items[key]; ok && now.Before(rec.expires) {
		if !rec.done {
			return 0, false, ErrInProgress
		}
		return rec.id, true, nil
	}
	s.items[key] = memRecord{expires: now.Add(s.ttl)}
	s.evictLocked(now)
	return 0, false, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memRecord{id: id, done: true, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Abort(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.items[key]; ok && !rec.done {
		delete(s.items, key)
	}
	return nil
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(s.now())
	return len(s.items)
}

func (s *MemoryStore) evictLocked(now time.Time) {
	for k, rec := range s.items {
		if !now.Before(rec.expires) {
			delete(s.items, k)
		}
	}
}
