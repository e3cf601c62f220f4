package deadletter

import (
	"sync"
	"time"

	"telegate/internal/model"
)

// Store keeps the most recent dead-letter records in memory for the admin
// API; the durable copy lives on the dead-letter topic.
type Store struct {
	mu    sync.RWMutex
	buf   []model.DeadLetter
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(record model.DeadLetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, record)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = record
}

func (s *Store) List(limit int) []model.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.DeadLetter, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DeadLetter, 0)
	for _, r := range s.buf {
		if !r.DLQTimestamp.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
