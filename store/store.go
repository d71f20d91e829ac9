// Package store persists realm session lifecycle records so operators can
// inspect sessions that have already left.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gammazero/nexus/v3/wamp"

	"github.com/wampmesh/wampmesh/internal/codec"
)

// ErrNoSuchSession is returned when a session record is not found.
var ErrNoSuchSession = errors.New("store: no such session")

// SessionRecord captures the attachment lifecycle of one session.
type SessionRecord struct {
	Session      wamp.ID    `cbor:"session"`
	Realm        wamp.URI   `cbor:"realm"`
	AuthID       string     `cbor:"authid,omitempty"`
	AuthRole     string     `cbor:"authrole,omitempty"`
	AuthMethod   string     `cbor:"authmethod,omitempty"`
	AuthProvider string     `cbor:"authprovider,omitempty"`
	Joined       time.Time  `cbor:"joined"`
	Left         *time.Time `cbor:"left,omitempty"`
}

// RealmStore records session lifecycle events for a realm.
//
// Implementations must be safe for concurrent use.
type RealmStore interface {
	// SessionJoined records a freshly joined session.
	SessionJoined(ctx context.Context, rec SessionRecord) error

	// SessionLeft marks the session as departed at the given time.
	// Unknown sessions are ignored.
	SessionLeft(ctx context.Context, sess wamp.ID, at time.Time) error

	// SessionByID returns the record for a session, joined or departed.
	SessionByID(ctx context.Context, sess wamp.ID) (SessionRecord, error)
}

// MemoryStore is an in-process RealmStore holding a bounded number of
// departed sessions.
type MemoryStore struct {
	mu       sync.Mutex
	live     map[wamp.ID]SessionRecord
	departed map[wamp.ID]SessionRecord
	order    []wamp.ID
	keep     int
}

// NewMemoryStore returns a MemoryStore retaining at most keep departed
// session records. A non-positive keep defaults to 1000.
func NewMemoryStore(keep int) *MemoryStore {
	if keep <= 0 {
		keep = 1000
	}
	return &MemoryStore{
		live:     make(map[wamp.ID]SessionRecord),
		departed: make(map[wamp.ID]SessionRecord),
		keep:     keep,
	}
}

func (s *MemoryStore) SessionJoined(ctx context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[rec.Session] = rec
	return nil
}

func (s *MemoryStore) SessionLeft(ctx context.Context, sess wamp.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live[sess]
	if !ok {
		return nil
	}
	delete(s.live, sess)
	rec.Left = &at
	s.departed[sess] = rec
	s.order = append(s.order, sess)
	for len(s.order) > s.keep {
		delete(s.departed, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

func (s *MemoryStore) SessionByID(ctx context.Context, sess wamp.ID) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.live[sess]; ok {
		return rec, nil
	}
	if rec, ok := s.departed[sess]; ok {
		return rec, nil
	}
	return SessionRecord{}, ErrNoSuchSession
}

// Snapshot serializes every record the store currently holds, live
// sessions first. It backs debug tooling and store migration.
func (s *MemoryStore) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]SessionRecord, 0, len(s.live)+len(s.departed))
	for _, rec := range s.live {
		recs = append(recs, rec)
	}
	for _, id := range s.order {
		recs = append(recs, s.departed[id])
	}
	return codec.Marshal(recs)
}
