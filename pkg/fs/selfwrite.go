package fs

import (
	"crypto/sha256"
	"sync"
	"time"
)

// DefaultSelfWriteTTL bounds how long a recorded write is remembered
const DefaultSelfWriteTTL = time.Minute

// SelfWrites remembers content the engine wrote so the change
// notifications it causes can be told apart from outside edits.
type SelfWrites struct {
	ttl    time.Duration
	now    func() time.Time
	mu     sync.Mutex
	writes map[string]selfWrite
}

type selfWrite struct {
	sum [sha256.Size]byte
	at  time.Time
}

// NewSelfWrites creates a tracker. now defaults to time.Now.
func NewSelfWrites(ttl time.Duration, now func() time.Time) *SelfWrites {
	if ttl <= 0 {
		ttl = DefaultSelfWriteTTL
	}
	if now == nil {
		now = time.Now
	}
	return &SelfWrites{ttl: ttl, now: now, writes: make(map[string]selfWrite)}
}

// Record notes that data was written to path. It matches the
// AtomicWriter.OnCommit signature.
func (s *SelfWrites) Record(path string, data []byte) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, w := range s.writes {
		if now.Sub(w.at) > s.ttl {
			delete(s.writes, p)
		}
	}
	s.writes[path] = selfWrite{sum: sha256.Sum256(data), at: now}
}

// Pending reports whether a write to path is remembered
func (s *SelfWrites) Pending(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.writes[path]
	return ok
}

// Consume reports whether data is exactly what the engine last wrote to
// path. The record is forgotten either way.
func (s *SelfWrites) Consume(path string, data []byte) bool {
	s.mu.Lock()
	w, ok := s.writes[path]
	delete(s.writes, path)
	s.mu.Unlock()
	if !ok || s.now().Sub(w.at) > s.ttl {
		return false
	}
	return w.sum == sha256.Sum256(data)
}
