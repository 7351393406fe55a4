package memorysession

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/oidcauth/replay"
)

// Store is an in-memory implementation of replay.SessionStore.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

type entry struct {
	value   []byte
	touched time.Time
}

// New returns a Store whose entries expire ttl after their last update. A
// non-positive ttl keeps entries until they are deleted.
func New(ttl time.Duration) *Store {
	return &Store{ttl: ttl, now: time.Now, entries: make(map[string]entry)}
}

func (s *Store) Update(_ context.Context, sessionID, key string, fn func(cur []byte) ([]byte, error)) error {
	k := sessionID + "\x00" + key

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var cur []byte
	if e, ok := s.entries[k]; ok {
		if s.ttl > 0 && now.Sub(e.touched) > s.ttl {
			delete(s.entries, k)
		} else {
			cur = append([]byte(nil), e.value...)
		}
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.entries, k)
		return nil
	}
	s.entries[k] = entry{value: append([]byte(nil), next...), touched: now}
	return nil
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var _ replay.SessionStore = (*Store)(nil)
