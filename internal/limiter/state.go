package limiter

import (
	"sync"
	"time"
)

// Budget is the last known remote quota of one credential bucket.
type Budget struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RateState remembers the remote quota per bucket, shared by every indexer
// using the same credential.
type RateState struct {
	mu      sync.RWMutex
	buckets map[string]Budget
}

func NewRateState() *RateState {
	return &RateState{buckets: make(map[string]Budget)}
}

// Update records quota metadata from a response. Older observations are ignored.
func (s *RateState) Update(bucket string, limit, remaining int, resetAt time.Time, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.buckets[bucket]; ok && cur.UpdatedAt.After(now) {
		return
	}
	s.buckets[bucket] = Budget{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt.UTC(),
		UpdatedAt: now,
	}
}

// MarkExhausted records that the bucket is empty until resetAt.
func (s *RateState) MarkExhausted(bucket string, resetAt time.Time, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buckets[bucket]
	b.Remaining = 0
	b.ResetAt = resetAt.UTC()
	b.UpdatedAt = now
	s.buckets[bucket] = b
}

// Exhausted reports whether the bucket is known to be empty at now, and until when.
func (s *RateState) Exhausted(bucket string, now time.Time) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[bucket]
	if !ok || b.Remaining > 0 || !b.ResetAt.After(now) {
		return time.Time{}, false
	}
	return b.ResetAt, true
}

func (s *RateState) Get(bucket string) (Budget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	return b, ok
}

// Snapshot copies every known bucket.
func (s *RateState) Snapshot() map[string]Budget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Budget, len(s.buckets))
	for k, b := range s.buckets {
		out[k] = b
	}
	return out
}
