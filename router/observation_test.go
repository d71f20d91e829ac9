package router

import (
	"testing"

	"github.com/gammazero/nexus/v3/wamp"
)

func TestObservationMapAddMerges(t *testing.T) {
	m := newObservationMap()

	obs, created := m.add("com.example.topic", wamp.MatchExact, 1)
	if !created {
		t.Fatal("first add should create the observation")
	}
	again, created := m.add("com.example.topic", wamp.MatchExact, 2)
	if created {
		t.Fatal("second add should merge, not create")
	}
	if again.ID != obs.ID {
		t.Fatalf("merge produced a different observation: %d != %d", again.ID, obs.ID)
	}
	if got := obs.Observers(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("observers out of order: %v", got)
	}

	// Same URI under a different match policy is a distinct observation.
	other, created := m.add("com.example.topic", wamp.MatchPrefix, 1)
	if !created || other.ID == obs.ID {
		t.Fatal("match policy must partition observations")
	}
}

func TestObservationMapAddIdempotentPerSession(t *testing.T) {
	m := newObservationMap()
	obs, _ := m.add("com.example.topic", wamp.MatchExact, 7)
	m.add("com.example.topic", wamp.MatchExact, 7)
	if got := obs.Observers(); len(got) != 1 {
		t.Fatalf("duplicate observer recorded: %v", got)
	}
}

func TestObservationMapRemoveObserver(t *testing.T) {
	m := newObservationMap()
	obs, _ := m.add("com.example.topic", wamp.MatchExact, 1)
	m.add("com.example.topic", wamp.MatchExact, 2)

	removed, deleted := m.removeObserver(obs, 1)
	if !removed || deleted {
		t.Fatalf("removed=%v deleted=%v, want removed only", removed, deleted)
	}
	removed, deleted = m.removeObserver(obs, 1)
	if removed {
		t.Fatal("second remove of the same session must be a no-op")
	}
	removed, deleted = m.removeObserver(obs, 2)
	if !removed || !deleted {
		t.Fatalf("removed=%v deleted=%v, want both on last observer", removed, deleted)
	}
	if m.lookup(obs.ID) != nil {
		t.Fatal("deleted observation still resolvable by id")
	}
	if m.get("com.example.topic", wamp.MatchExact) != nil {
		t.Fatal("deleted observation still resolvable by uri")
	}
}

func TestObservationMapBestMatchPrecedence(t *testing.T) {
	m := newObservationMap()
	exact, _ := m.add("com.example.proc", wamp.MatchExact, 1)
	longPfx, _ := m.add("com.example.", wamp.MatchPrefix, 2)
	m.add("com.", wamp.MatchPrefix, 3)
	wild, _ := m.add("com..proc", wamp.MatchWildcard, 4)

	if got := m.bestMatch("com.example.proc"); got != exact {
		t.Fatalf("exact should win, got %q/%s", got.URI, got.Match)
	}
	if got := m.bestMatch("com.example.other"); got != longPfx {
		t.Fatalf("longest prefix should win, got %q/%s", got.URI, got.Match)
	}
	if got := m.bestMatch("com.another.proc"); got != wild {
		t.Fatalf("wildcard should catch the rest, got %v", got)
	}
	if got := m.bestMatch("org.example.proc"); got != nil {
		t.Fatalf("no pattern matches, got %q", got.URI)
	}
}

func TestObservationMapMatchAll(t *testing.T) {
	m := newObservationMap()
	m.add("com.example.topic", wamp.MatchExact, 1)
	m.add("com.example.", wamp.MatchPrefix, 2)
	m.add("com..topic", wamp.MatchWildcard, 3)
	m.add("org.other.topic", wamp.MatchExact, 4)

	got := m.matchAll("com.example.topic")
	if len(got) != 3 {
		uris := make([]wamp.URI, len(got))
		for i, o := range got {
			uris[i] = o.URI
		}
		t.Fatalf("want 3 matches, got %v", uris)
	}
}

func TestObservationMapForSession(t *testing.T) {
	m := newObservationMap()
	a, _ := m.add("com.example.one", wamp.MatchExact, 9)
	b, _ := m.add("com.example.two", wamp.MatchExact, 9)
	m.add("com.example.three", wamp.MatchExact, 10)

	ids := m.forSession(9)
	if len(ids) != 2 {
		t.Fatalf("want 2 observations for session, got %v", ids)
	}
	seen := map[wamp.ID]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen[a.ID] || !seen[b.ID] {
		t.Fatalf("missing observation ids: %v", ids)
	}

	m.removeObserver(a, 9)
	m.removeObserver(b, 9)
	if got := m.forSession(9); len(got) != 0 {
		t.Fatalf("session index not cleaned up: %v", got)
	}
}

func TestObservationRoundRobinCursorSurvivesRemoval(t *testing.T) {
	m := newObservationMap()
	obs, _ := m.add("com.example.proc", wamp.MatchExact, 1)
	m.add("com.example.proc", wamp.MatchExact, 2)
	m.add("com.example.proc", wamp.MatchExact, 3)
	obs.nextRR = 2

	// Removing an observer before the cursor shifts it back so the next
	// pick is not skipped.
	m.removeObserver(obs, 1)
	if obs.nextRR != 1 {
		t.Fatalf("cursor not adjusted: %d", obs.nextRR)
	}
	if got := obs.Observers(); got[obs.nextRR] != 3 {
		t.Fatalf("cursor points at %d, want 3", got[obs.nextRR])
	}
}
