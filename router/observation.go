package router

import (
	"time"

	"github.com/gammazero/nexus/v3/wamp"
)

// Observation is one subscription or registration: a URI plus match policy
// with a set of observing sessions. Observers are stored as session ids,
// never as session references; the owning broker or dealer resolves ids
// against the router's registry when it needs to deliver.
type Observation struct {
	ID      wamp.ID
	URI     wamp.URI
	Match   string
	Created time.Time

	// Registration-only attributes. Policy selects among multiple callees
	// (invocation policy); MaxConcurrency caps in-flight invocations per
	// registration (0 = unlimited). Disclose records that the first
	// registrant asked for caller disclosure.
	Policy         string
	Disclose       bool
	MaxConcurrency int

	observers []wamp.ID // ordered: first/last invocation policies depend on it
	nextRR    int
	active    int // in-flight invocations, dealer-maintained
}

// Observers returns a copy of the observer session ids in registration
// order.
func (o *Observation) Observers() []wamp.ID {
	out := make([]wamp.ID, len(o.observers))
	copy(out, o.observers)
	return out
}

// HasObserver reports whether the session observes this observation.
func (o *Observation) HasObserver(sess wamp.ID) bool {
	for _, id := range o.observers {
		if id == sess {
			return true
		}
	}
	return false
}

// observationMap indexes observations by URI per match policy and by
// numeric id, with a reverse index from session to observation ids for
// detach cleanup. It is not safe for concurrent use; each broker and
// dealer owns one and accesses it only from its dispatch goroutine.
type observationMap struct {
	idGen    *wamp.IDGen
	byID     map[wamp.ID]*Observation
	exact    map[wamp.URI]wamp.ID
	prefix   map[wamp.URI]wamp.ID
	wildcard map[wamp.URI]wamp.ID
	bySess   map[wamp.ID]map[wamp.ID]struct{}
}

func newObservationMap() *observationMap {
	return &observationMap{
		idGen:    new(wamp.IDGen),
		byID:     map[wamp.ID]*Observation{},
		exact:    map[wamp.URI]wamp.ID{},
		prefix:   map[wamp.URI]wamp.ID{},
		wildcard: map[wamp.URI]wamp.ID{},
		bySess:   map[wamp.ID]map[wamp.ID]struct{}{},
	}
}

func (m *observationMap) index(match string) map[wamp.URI]wamp.ID {
	switch match {
	case wamp.MatchPrefix:
		return m.prefix
	case wamp.MatchWildcard:
		return m.wildcard
	default:
		return m.exact
	}
}

// get returns the observation for an exact (uri, match) pair.
func (m *observationMap) get(uri wamp.URI, match string) *Observation {
	if id, ok := m.index(match)[uri]; ok {
		return m.byID[id]
	}
	return nil
}

// lookup returns the observation with the given id.
func (m *observationMap) lookup(id wamp.ID) *Observation {
	return m.byID[id]
}

// bestMatch returns the highest-priority observation matching uri:
// exact beats prefix, longest prefix beats shorter, and wildcards come
// last (longest pattern wins among them). Used for procedure dispatch.
func (m *observationMap) bestMatch(uri wamp.URI) *Observation {
	if id, ok := m.exact[uri]; ok {
		return m.byID[id]
	}
	var best *Observation
	bestLen := -1
	for pfx, id := range m.prefix {
		if uri.PrefixMatch(pfx) && len(pfx) > bestLen {
			best = m.byID[id]
			bestLen = len(pfx)
		}
	}
	if best != nil {
		return best
	}
	for pat, id := range m.wildcard {
		if uri.WildcardMatch(pat) && len(pat) > bestLen {
			best = m.byID[id]
			bestLen = len(pat)
		}
	}
	return best
}

// matchAll returns every observation whose pattern matches uri, across all
// match policies. Used for topic fan-out, where every matching
// subscription receives the event.
func (m *observationMap) matchAll(uri wamp.URI) []*Observation {
	var out []*Observation
	if id, ok := m.exact[uri]; ok {
		out = append(out, m.byID[id])
	}
	for pfx, id := range m.prefix {
		if uri.PrefixMatch(pfx) {
			out = append(out, m.byID[id])
		}
	}
	for pat, id := range m.wildcard {
		if uri.WildcardMatch(pat) {
			out = append(out, m.byID[id])
		}
	}
	return out
}

// add merges sess into the observation for (uri, match), creating the
// observation first if none exists. The created flag reports creation,
// which corresponds to the on_create meta event edge.
func (m *observationMap) add(uri wamp.URI, match string, sess wamp.ID) (obs *Observation, created bool) {
	obs = m.get(uri, match)
	if obs == nil {
		obs = &Observation{
			ID:      m.idGen.Next(),
			URI:     uri,
			Match:   match,
			Created: time.Now(),
		}
		m.byID[obs.ID] = obs
		m.index(match)[uri] = obs.ID
		created = true
	}
	if !obs.HasObserver(sess) {
		obs.observers = append(obs.observers, sess)
	}
	if m.bySess[sess] == nil {
		m.bySess[sess] = map[wamp.ID]struct{}{}
	}
	m.bySess[sess][obs.ID] = struct{}{}
	return obs, created
}

// removeObserver removes sess from obs. The removed flag reports whether
// the session actually observed it; deleted reports that the last observer
// left and the observation was destroyed (the on_delete meta event edge).
func (m *observationMap) removeObserver(obs *Observation, sess wamp.ID) (removed, deleted bool) {
	for i, id := range obs.observers {
		if id != sess {
			continue
		}
		obs.observers = append(obs.observers[:i], obs.observers[i+1:]...)
		if obs.nextRR > i {
			obs.nextRR--
		}
		removed = true
		break
	}
	if !removed {
		return false, false
	}
	if set := m.bySess[sess]; set != nil {
		delete(set, obs.ID)
		if len(set) == 0 {
			delete(m.bySess, sess)
		}
	}
	if len(obs.observers) == 0 {
		delete(m.byID, obs.ID)
		delete(m.index(obs.Match), obs.URI)
		deleted = true
	}
	return removed, deleted
}

// forSession returns the ids of every observation the session observes.
func (m *observationMap) forSession(sess wamp.ID) []wamp.ID {
	set := m.bySess[sess]
	out := make([]wamp.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
