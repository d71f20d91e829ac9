package router

import (
	"sync"
	"time"

	"github.com/gammazero/nexus/v3/wamp"
)

// Scope classifies a session for meta-API visibility. Internal service
// sessions (the meta-API agent, rlink bridge legs, anything attached with
// the trusted authrole or no authrole at all) are restricted: they are
// hidden from session introspection and cannot be killed through it.
type Scope int

const (
	// ScopeUnknown means the transport did not classify the session; the
	// router derives the scope from the authrole at attach time.
	ScopeUnknown Scope = iota
	// ScopeRestricted marks internal service sessions.
	ScopeRestricted
	// ScopeNormal marks ordinary client sessions.
	ScopeNormal
)

// Session is the router's view of an attached peer. The transport layer
// owns the connection; the router only records identity and delivers
// messages through the embedded Peer.
type Session struct {
	wamp.Peer

	// ID is the session id, unique per router at any point in time.
	ID wamp.ID

	// Scope controls meta-API visibility. Transports may set it
	// explicitly; when left at ScopeUnknown it is derived from the
	// authrole at attach time.
	Scope Scope

	mu      sync.RWMutex
	details wamp.Dict
	joined  time.Time
	gone    bool
}

// NewSession builds a session around a connected peer. The details dict
// carries the authentication outcome (authid, authrole, authmethod,
// authprovider) plus the client's advertised roles/features, exactly as a
// WELCOME would describe them.
func NewSession(peer wamp.Peer, id wamp.ID, details wamp.Dict) *Session {
	if details == nil {
		details = wamp.Dict{}
	}
	return &Session{
		Peer:    peer,
		ID:      id,
		details: details,
	}
}

// Details returns a shallow copy of the session details.
func (s *Session) Details() wamp.Dict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := make(wamp.Dict, len(s.details))
	for k, v := range s.details {
		d[k] = v
	}
	return d
}

func (s *Session) detail(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, _ := wamp.AsString(s.details[key])
	return v
}

// AuthID returns the session's authentication id.
func (s *Session) AuthID() string { return s.detail("authid") }

// AuthRole returns the session's authentication role.
func (s *Session) AuthRole() string { return s.detail("authrole") }

// AuthMethod returns the authentication method the transport used.
func (s *Session) AuthMethod() string { return s.detail("authmethod") }

// AuthProvider returns the authentication provider name.
func (s *Session) AuthProvider() string { return s.detail("authprovider") }

// HasFeature reports whether the session advertised the feature under the
// given role ("caller", "callee", "publisher", "subscriber").
func (s *Session) HasFeature(role, feature string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles, _ := wamp.AsDict(s.details["roles"])
	rd, _ := wamp.AsDict(roles[role])
	features, _ := wamp.AsDict(rd["features"])
	b, _ := features[feature].(bool)
	return b
}

// restricted reports whether the session is hidden from the meta API.
func (s *Session) restricted() bool {
	if s.Scope != ScopeUnknown {
		return s.Scope == ScopeRestricted
	}
	role := s.AuthRole()
	return role == "" || role == "trusted"
}

// markGone flags the session's transport as closed so later sends become
// no-ops instead of errors.
func (s *Session) markGone() {
	s.mu.Lock()
	s.gone = true
	s.mu.Unlock()
}

func (s *Session) isGone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gone
}
