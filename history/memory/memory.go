// Package memory provides an in-process event history store.
package memory

import (
	"context"
	"sync"

	"github.com/gammazero/nexus/v3/wamp"

	"github.com/wampmesh/wampmesh/history"
)

// Store keeps a fixed-size ring of events per subscription in memory.
// It is the default history backend for single-node routers.
type Store struct {
	mu    sync.Mutex
	limit int
	rings map[wamp.ID]*ring
}

type ring struct {
	events []history.Event
	head   int
	full   bool
}

// New returns a Store retaining at most limit events per subscription.
// A non-positive limit defaults to 100.
func New(limit int) *Store {
	if limit <= 0 {
		limit = 100
	}
	return &Store{
		limit: limit,
		rings: make(map[wamp.ID]*ring),
	}
}

func (s *Store) Append(ctx context.Context, sub wamp.ID, ev history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rings[sub]
	if r == nil {
		r = &ring{events: make([]history.Event, s.limit)}
		s.rings[sub] = r
	}
	r.events[r.head] = ev
	r.head = (r.head + 1) % len(r.events)
	if r.head == 0 {
		r.full = true
	}
	return nil
}

func (s *Store) Events(ctx context.Context, sub wamp.ID, limit int) ([]history.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rings[sub]
	if r == nil {
		return nil, nil
	}
	n := r.head
	if r.full {
		n = len(r.events)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	// Walk backwards from the newest slot.
	out := make([]history.Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.head - i + len(r.events)) % len(r.events)
		out = append(out, r.events[idx])
	}
	return out, nil
}

func (s *Store) Cut(ctx context.Context, sub wamp.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, sub)
	return nil
}
