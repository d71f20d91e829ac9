package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/gammazero/nexus/v3/wamp"

	"github.com/wampmesh/wampmesh/authz"
	"github.com/wampmesh/wampmesh/history/memory"
	"github.com/wampmesh/wampmesh/internal/peerclient"
	"github.com/wampmesh/wampmesh/internal/wamptest"
	"github.com/wampmesh/wampmesh/router"
)

func newTestRouter(t *testing.T, cfg router.RealmConfig, opts ...router.Option) *router.Router {
	t.Helper()
	if cfg.URI == "" {
		cfg.URI = "wampmesh.test"
	}
	r, err := router.NewRouter(cfg, opts...)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

// trustedClient attaches an internal client that bypasses authorization.
func trustedClient(t *testing.T, r *router.Router, authid string) *peerclient.Client {
	t.Helper()
	return wamptest.Client(t, r, wamp.Dict{
		"authid": authid, "authrole": "trusted", "authmethod": "internal",
	})
}

func TestRouterWelcome(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	peer, _ := wamptest.Peer(t, r, wamp.Dict{"authid": "alice", "authrole": "trusted"})
	_ = peer

	// wamptest.Peer already consumed and checked the WELCOME; a second
	// attach of the very same peer must be refused.
	if _, err := r.Attach(peer, nil); err != router.ErrAlreadyAttached {
		t.Fatalf("re-attach error = %v", err)
	}
}

func TestRouterPubSub(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	pub := trustedClient(t, r, "pub")
	sub := trustedClient(t, r, "sub")

	events := make(chan *wamp.Event, 1)
	if _, err := sub.Subscribe(t.Context(), "com.example.topic", nil, func(ev *wamp.Event) {
		events <- ev
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := pub.Publish(t.Context(), "com.example.topic", wamp.Dict{"acknowledge": true}, wamp.List{"hi"}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-events:
		if len(ev.Arguments) != 1 || ev.Arguments[0] != "hi" {
			t.Fatalf("bad event: %v", ev.Arguments)
		}
	case <-time.After(wamptest.Timeout):
		t.Fatal("event not delivered")
	}
}

func TestRouterRPC(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	callee := trustedClient(t, r, "callee")
	caller := trustedClient(t, r, "caller")

	if _, err := callee.Register(t.Context(), "com.example.echo", nil, func(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
		return peerclient.InvokeResult{Args: inv.Arguments}
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := caller.Call(t.Context(), "com.example.echo", nil, wamp.List{"ping"}, nil, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(res.Arguments) != 1 || res.Arguments[0] != "ping" {
		t.Fatalf("bad result: %v", res.Arguments)
	}
}

func TestRouterStaticRoleAuthorization(t *testing.T) {
	role := authz.NewStaticRole("frontend", []authz.Permission{
		{URI: "com.app.", Match: wamp.MatchPrefix, Subscribe: true, Publish: true, Call: true},
	})
	r := newTestRouter(t, router.RealmConfig{Roles: []authz.Role{role}})
	c := wamptest.Client(t, r, wamp.Dict{"authid": "alice", "authrole": "frontend"})

	if _, err := c.Subscribe(t.Context(), "com.app.news", nil, func(*wamp.Event) {}); err != nil {
		t.Fatalf("granted subscribe refused: %v", err)
	}

	// register is not granted by the role.
	_, err := c.Register(t.Context(), "com.app.proc", nil, func(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
		return peerclient.InvokeResult{}
	})
	assertRPCError(t, err, wamp.ErrNotAuthorized)

	// Outside the granted subtree everything is denied.
	_, err = c.Subscribe(t.Context(), "org.other.topic", nil, func(*wamp.Event) {})
	assertRPCError(t, err, wamp.ErrNotAuthorized)
}

func TestRouterUnknownRoleDeniedEverything(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	c := wamptest.Client(t, r, wamp.Dict{"authid": "bob", "authrole": "stranger"})

	_, err := c.Subscribe(t.Context(), "com.app.news", nil, func(*wamp.Event) {})
	assertRPCError(t, err, wamp.ErrNotAuthorized)
}

func TestRouterProtectedURIs(t *testing.T) {
	role := authz.NewStaticRole("frontend", []authz.Permission{
		{URI: "com.", Match: wamp.MatchPrefix, Subscribe: true, Publish: true, Call: true, Register: true},
	})
	r := newTestRouter(t, router.RealmConfig{
		Roles:         []authz.Role{role},
		ProtectedURIs: []wamp.URI{"com.secure"},
	})
	c := wamptest.Client(t, r, wamp.Dict{"authid": "alice", "authrole": "frontend"})

	_, err := c.Register(t.Context(), "com.secure.admin", nil, func(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
		return peerclient.InvokeResult{}
	})
	assertRPCError(t, err, wamp.ErrNotAuthorized)

	// Trusted sessions are exempt.
	admin := trustedClient(t, r, "admin")
	if _, err := admin.Register(t.Context(), "com.secure.admin", nil, func(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
		return peerclient.InvokeResult{}
	}); err != nil {
		t.Fatalf("trusted register refused: %v", err)
	}
}

func TestRouterTrustedAutoDisclosure(t *testing.T) {
	invoke := func(t *testing.T, r *router.Router) *wamp.Invocation {
		t.Helper()
		callee := trustedClient(t, r, "svc")
		caller := trustedClient(t, r, "admin")
		invs := make(chan *wamp.Invocation, 1)
		if _, err := callee.Register(t.Context(), "com.example.echo", nil, func(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
			invs <- inv
			return peerclient.InvokeResult{}
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, err := caller.Call(t.Context(), "com.example.echo", nil, nil, nil, nil); err != nil {
			t.Fatalf("call: %v", err)
		}
		return <-invs
	}

	// A zero-value realm config discloses trusted identity.
	inv := invoke(t, newTestRouter(t, router.RealmConfig{}))
	if _, ok := inv.Details["caller"]; !ok {
		t.Fatal("trusted caller not disclosed by default")
	}

	inv = invoke(t, newTestRouter(t, router.RealmConfig{DisableAutoDiscloseTrusted: true}))
	if _, ok := inv.Details["caller"]; ok {
		t.Fatal("trusted caller disclosed with auto disclosure off")
	}
}

func TestRouterMetaAPIProtectedURIs(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{
		ProtectedURIs: []wamp.URI{"com.secure"},
	})
	admin := trustedClient(t, r, "admin")
	svc := trustedClient(t, r, "svc")

	regID, err := svc.Register(t.Context(), "com.secure.admin", nil, func(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
		return peerclient.InvokeResult{}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	subID, err := svc.Subscribe(t.Context(), "com.secure.events", nil, func(*wamp.Event) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Introspection about the protected tree is refused, whether the
	// query names the URI or an observation id resolving to it.
	queries := []struct {
		proc wamp.URI
		args wamp.List
	}{
		{"wamp.registration.lookup", wamp.List{wamp.URI("com.secure.admin")}},
		{"wamp.registration.match", wamp.List{wamp.URI("com.secure.admin")}},
		{"wamp.registration.get", wamp.List{regID}},
		{"wamp.registration.list_callees", wamp.List{regID}},
		{"wamp.registration.count_callees", wamp.List{regID}},
		{"wamp.registration.remove_callee", wamp.List{regID, svc.ID()}},
		{"wamp.subscription.lookup", wamp.List{wamp.URI("com.secure.events")}},
		{"wamp.subscription.match", wamp.List{wamp.URI("com.secure.events")}},
		{"wamp.subscription.get", wamp.List{subID}},
		{"wamp.subscription.list_subscribers", wamp.List{subID}},
		{"wamp.subscription.count_subscribers", wamp.List{subID}},
		{"wamp.subscription.remove_subscriber", wamp.List{subID, svc.ID()}},
	}
	for _, q := range queries {
		if _, err := admin.Call(t.Context(), q.proc, nil, q.args, nil, nil); err == nil {
			t.Fatalf("%s answered about a protected URI", q.proc)
		} else {
			assertRPCError(t, err, wamp.ErrNotAuthorized)
		}
	}

	// Outside the protected tree introspection still answers.
	openReg, err := svc.Register(t.Context(), "com.open.proc", nil, func(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
		return peerclient.InvokeResult{}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := admin.Call(t.Context(), "wamp.registration.get", nil, wamp.List{openReg}, nil, nil)
	if err != nil {
		t.Fatalf("registration.get: %v", err)
	}
	info, _ := wamp.AsDict(res.Arguments[0])
	if got, _ := wamp.AsURI(info["uri"]); got != "com.open.proc" {
		t.Fatalf("registration.get uri = %q", got)
	}
}

func TestRouterAddRemoveRole(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	c := wamptest.Client(t, r, wamp.Dict{"authid": "alice", "authrole": "ops"})

	_, err := c.Subscribe(t.Context(), "com.app.news", nil, func(*wamp.Event) {})
	assertRPCError(t, err, wamp.ErrNotAuthorized)

	role := authz.NewStaticRole("ops", []authz.Permission{
		{URI: "com.app.", Match: wamp.MatchPrefix, Subscribe: true},
	})
	if err := r.AddRole(role); err != nil {
		t.Fatalf("add role: %v", err)
	}
	if !r.HasRole("ops") {
		t.Fatal("HasRole(ops) = false after add")
	}
	if _, err := c.Subscribe(t.Context(), "com.app.news", nil, func(*wamp.Event) {}); err != nil {
		t.Fatalf("subscribe after role add: %v", err)
	}

	if err := r.RemoveRole("ops"); err != nil {
		t.Fatalf("remove role: %v", err)
	}
	if r.HasRole("ops") {
		t.Fatal("HasRole(ops) = true after remove")
	}
	_, err = c.Subscribe(t.Context(), "com.app.other", nil, func(*wamp.Event) {})
	assertRPCError(t, err, wamp.ErrNotAuthorized)

	if !r.HasRole("trusted") {
		t.Fatal("the trusted role must always be present")
	}
	if err := r.AddRole(authz.NewStaticRole("trusted", nil)); err != router.ErrReservedRole {
		t.Fatalf("reserved role add error = %v", err)
	}
	if err := r.RemoveRole("trusted"); err != router.ErrReservedRole {
		t.Fatalf("reserved role remove error = %v", err)
	}
}

func TestRouterSessionMetaAPI(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	admin := trustedClient(t, r, "admin")
	c := wamptest.Client(t, r, wamp.Dict{"authid": "alice", "authrole": "user"})

	// Restricted sessions (admin, the service agent) stay invisible.
	res, err := admin.Call(t.Context(), "wamp.session.count", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("session.count: %v", err)
	}
	if n, _ := wamp.AsInt64(res.Arguments[0]); n != 1 {
		t.Fatalf("session count = %d, want 1", n)
	}

	res, err = admin.Call(t.Context(), "wamp.session.get", nil, wamp.List{c.ID()}, nil, nil)
	if err != nil {
		t.Fatalf("session.get: %v", err)
	}
	info, _ := wamp.AsDict(res.Arguments[0])
	if got, _ := wamp.AsString(info["authid"]); got != "alice" {
		t.Fatalf("session.get authid = %q", got)
	}

	_, err = admin.Call(t.Context(), "wamp.session.get", nil, wamp.List{wamp.ID(999999)}, nil, nil)
	assertRPCError(t, err, wamp.ErrNoSuchSession)

	// Kill the client through the meta API and watch its session end.
	if _, err := admin.Call(t.Context(), "wamp.session.kill", nil, wamp.List{c.ID()},
		wamp.Dict{"reason": "com.example.evicted"}, nil); err != nil {
		t.Fatalf("session.kill: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(wamptest.Timeout):
		t.Fatal("killed session still alive")
	}
}

func TestRouterSubscriptionMetaAPI(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	admin := trustedClient(t, r, "admin")
	sub := trustedClient(t, r, "sub")

	subID, err := sub.Subscribe(t.Context(), "com.example.topic", nil, func(*wamp.Event) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	res, err := admin.Call(t.Context(), "wamp.subscription.lookup", nil, wamp.List{wamp.URI("com.example.topic")}, nil, nil)
	if err != nil {
		t.Fatalf("subscription.lookup: %v", err)
	}
	if got, _ := wamp.AsID(res.Arguments[0]); got != subID {
		t.Fatalf("lookup = %v, want %d", res.Arguments[0], subID)
	}

	res, err = admin.Call(t.Context(), "wamp.subscription.count_subscribers", nil, wamp.List{subID}, nil, nil)
	if err != nil {
		t.Fatalf("count_subscribers: %v", err)
	}
	if n, _ := wamp.AsInt64(res.Arguments[0]); n != 1 {
		t.Fatalf("count_subscribers = %d", n)
	}

	// Force-remove the subscriber.
	if _, err := admin.Call(t.Context(), "wamp.subscription.remove_subscriber", nil, wamp.List{subID, sub.ID()}, nil, nil); err != nil {
		t.Fatalf("remove_subscriber: %v", err)
	}
	res, err = admin.Call(t.Context(), "wamp.subscription.lookup", nil, wamp.List{wamp.URI("com.example.topic")}, nil, nil)
	if err != nil {
		t.Fatalf("subscription.lookup: %v", err)
	}
	if res.Arguments[0] != nil {
		t.Fatalf("lookup after removal = %v, want nil", res.Arguments[0])
	}
}

func TestRouterRegistrationMetaAPI(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	admin := trustedClient(t, r, "admin")
	callee := trustedClient(t, r, "callee")

	regID, err := callee.Register(t.Context(), "com.example.proc", nil, func(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
		return peerclient.InvokeResult{}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := admin.Call(t.Context(), "wamp.registration.get", nil, wamp.List{regID}, nil, nil)
	if err != nil {
		t.Fatalf("registration.get: %v", err)
	}
	info, _ := wamp.AsDict(res.Arguments[0])
	if got, _ := wamp.AsURI(info["uri"]); got != "com.example.proc" {
		t.Fatalf("registration.get uri = %q", got)
	}
	if got, _ := wamp.AsString(info["invoke"]); got != wamp.InvokeSingle {
		t.Fatalf("registration.get invoke = %q", got)
	}

	res, err = admin.Call(t.Context(), "wamp.registration.list_callees", nil, wamp.List{regID}, nil, nil)
	if err != nil {
		t.Fatalf("list_callees: %v", err)
	}
	callees, _ := wamp.AsList(res.Arguments[0])
	if len(callees) != 1 {
		t.Fatalf("list_callees = %v", callees)
	}
	if got, _ := wamp.AsID(callees[0]); got != callee.ID() {
		t.Fatalf("callee id = %v, want %d", callees[0], callee.ID())
	}
}

func TestRouterEventHistoryMetaAPI(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{History: memory.New(10)})
	admin := trustedClient(t, r, "admin")
	sub := trustedClient(t, r, "sub")
	pub := trustedClient(t, r, "pub")

	subID, err := sub.Subscribe(t.Context(), "com.example.topic", nil, func(*wamp.Event) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := pub.Publish(t.Context(), "com.example.topic", wamp.Dict{"acknowledge": true}, wamp.List{"payload"}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// History writes happen off the routing path; poll for the record.
	deadline := time.Now().Add(wamptest.Timeout)
	var events wamp.List
	for {
		res, err := admin.Call(t.Context(), "wamp.subscription.get_events", nil, wamp.List{subID}, nil, nil)
		if err != nil {
			t.Fatalf("get_events: %v", err)
		}
		events, _ = wamp.AsList(res.Arguments[0])
		if len(events) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(events) != 1 {
		t.Fatalf("got %d history events, want 1", len(events))
	}
	rec, _ := wamp.AsDict(events[0])
	if got, _ := wamp.AsURI(rec["topic"]); got != "com.example.topic" {
		t.Fatalf("history topic = %q", got)
	}
}

func TestRouterEventHistoryUnavailable(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	admin := trustedClient(t, r, "admin")
	sub := trustedClient(t, r, "sub")

	subID, err := sub.Subscribe(t.Context(), "com.example.topic", nil, func(*wamp.Event) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, err = admin.Call(t.Context(), "wamp.subscription.get_events", nil, wamp.List{subID}, nil, nil)
	assertRPCError(t, err, router.ErrHistoryUnavailable)
}

func TestRouterTestaments(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	watcher := trustedClient(t, r, "watcher")
	dying := trustedClient(t, r, "dying")

	events := make(chan *wamp.Event, 1)
	if _, err := watcher.Subscribe(t.Context(), "com.example.obituary", nil, func(ev *wamp.Event) {
		events <- ev
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := dying.Call(t.Context(), "wamp.session.add_testament", nil,
		wamp.List{wamp.URI("com.example.obituary"), wamp.List{"goodbye"}, wamp.Dict{}}, nil, nil); err != nil {
		t.Fatalf("add_testament: %v", err)
	}

	dying.Close()

	select {
	case ev := <-events:
		if len(ev.Arguments) != 1 || ev.Arguments[0] != "goodbye" {
			t.Fatalf("bad testament event: %v", ev.Arguments)
		}
	case <-time.After(wamptest.Timeout):
		t.Fatal("testament not published")
	}
}

func TestRouterFlushTestaments(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	watcher := trustedClient(t, r, "watcher")
	c := trustedClient(t, r, "client")

	events := make(chan *wamp.Event, 1)
	if _, err := watcher.Subscribe(t.Context(), "com.example.obituary", nil, func(ev *wamp.Event) {
		events <- ev
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := c.Call(t.Context(), "wamp.session.add_testament", nil,
		wamp.List{wamp.URI("com.example.obituary"), wamp.List{}, wamp.Dict{}}, nil, nil); err != nil {
		t.Fatalf("add_testament: %v", err)
	}
	res, err := c.Call(t.Context(), "wamp.session.flush_testaments", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("flush_testaments: %v", err)
	}
	if n, _ := wamp.AsInt64(res.Arguments[0]); n != 1 {
		t.Fatalf("flushed %d testaments, want 1", n)
	}

	c.Close()
	select {
	case <-events:
		t.Fatal("flushed testament still published")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRouterTestamentScopeOrdering(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	watcher, _ := wamptest.Peer(t, r, wamp.Dict{"authid": "watcher", "authrole": "trusted"})

	subscribe := func(req wamp.ID, topic wamp.URI) wamp.ID {
		t.Helper()
		watcher.Send(&wamp.Subscribe{Request: req, Topic: topic})
		msg := wamptest.Recv(t, watcher)
		sub, ok := msg.(*wamp.Subscribed)
		if !ok || sub.Request != req {
			t.Fatalf("expected SUBSCRIBED for %s, got %s", topic, msg.MessageType())
		}
		return sub.Subscription
	}
	willSub := subscribe(1, "com.example.will")
	deleteSub := subscribe(2, "wamp.subscription.on_delete")

	dying := trustedClient(t, r, "dying")
	if _, err := dying.Subscribe(t.Context(), "com.example.presence", nil, func(*wamp.Event) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	addTestament := func(scope, word string) {
		t.Helper()
		if _, err := dying.Call(t.Context(), "wamp.session.add_testament", nil,
			wamp.List{wamp.URI("com.example.will"), wamp.List{word}, wamp.Dict{}},
			wamp.Dict{"scope": scope}, nil); err != nil {
			t.Fatalf("add_testament: %v", err)
		}
	}
	addTestament("detached", "gone")
	addTestament("destroyed", "buried")

	dying.Close()

	// Detached testaments fire while the broker still knows the dying
	// session's subscriptions, destroyed ones only after it forgot them.
	first, ok := wamptest.Recv(t, watcher).(*wamp.Event)
	if !ok || first.Subscription != willSub || len(first.Arguments) != 1 || first.Arguments[0] != "gone" {
		t.Fatalf("first event = %+v, want the detached testament", first)
	}
	second, ok := wamptest.Recv(t, watcher).(*wamp.Event)
	if !ok || second.Subscription != deleteSub {
		t.Fatalf("second event = %+v, want the on_delete meta event", second)
	}
	third, ok := wamptest.Recv(t, watcher).(*wamp.Event)
	if !ok || third.Subscription != willSub || len(third.Arguments) != 1 || third.Arguments[0] != "buried" {
		t.Fatalf("third event = %+v, want the destroyed testament", third)
	}
}

func TestRouterStats(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	c := trustedClient(t, r, "client")

	before := r.Stats()
	if err := c.Publish(t.Context(), "com.example.topic", wamp.Dict{"acknowledge": true}, nil, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	after := r.Stats()

	if after.Received[wamp.PUBLISH.String()] != before.Received[wamp.PUBLISH.String()]+1 {
		t.Fatalf("PUBLISH not counted: %v", after.Received)
	}
	if after.Sent[wamp.PUBLISHED.String()] != before.Sent[wamp.PUBLISHED.String()]+1 {
		t.Fatalf("PUBLISHED not counted: %v", after.Sent)
	}
	if after.Realm != "wampmesh.test" {
		t.Fatalf("stats realm = %q", after.Realm)
	}

	r.ResetStats()
	cleared := r.Stats()
	if len(cleared.Received) != 0 || len(cleared.Sent) != 0 || cleared.TotalAttached != 0 {
		t.Fatalf("counters survived reset: %+v", cleared)
	}
	if cleared.Sessions != after.Sessions {
		t.Fatalf("session gauge changed on reset: %d", cleared.Sessions)
	}
}

func TestRouterProtocolViolationAborts(t *testing.T) {
	r := newTestRouter(t, router.RealmConfig{})
	peer, _ := wamptest.Peer(t, r, wamp.Dict{"authid": "rogue", "authrole": "trusted"})

	// A YIELD without any outstanding invocation ownership is tolerated,
	// but an ERROR answering a non-INVOCATION type is a violation.
	peer.Send(&wamp.Error{Type: wamp.CALL, Request: 1, Error: wamp.ErrCanceled})

	msg := wamptest.Recv(t, peer)
	abort, ok := msg.(*wamp.Abort)
	if !ok {
		t.Fatalf("expected ABORT, got %s", msg.MessageType())
	}
	if abort.Reason != wamp.ErrProtocolViolation {
		t.Fatalf("abort reason = %q", abort.Reason)
	}
}

func assertRPCError(t *testing.T, err error, uri wamp.URI) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got success", uri)
	}
	rpcErr, ok := err.(peerclient.RPCError)
	if !ok {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Err.Error != uri {
		t.Fatalf("error uri = %q, want %q", rpcErr.Err.Error, uri)
	}
}

func TestFactoryIdleNotify(t *testing.T) {
	factory := router.NewFactory(nil)
	t.Cleanup(factory.Close)

	idle := make(chan wamp.URI, 1)
	factory.SetIdleHandler(func(realm wamp.URI) { idle <- realm })

	r, err := factory.StartRealm(router.RealmConfig{URI: "wampmesh.test"})
	if err != nil {
		t.Fatalf("start realm: %v", err)
	}
	if !factory.HasRealm("wampmesh.test") || factory.HasRealm("wampmesh.other") {
		t.Fatal("HasRealm answers wrong")
	}

	// Trusted plumbing sessions never keep a realm busy; only the normal
	// session's departure marks it idle.
	plumbing := trustedClient(t, r, "plumbing")
	user := wamptest.Client(t, r, wamp.Dict{
		"authid": "alice", "authrole": "user", "authmethod": "anonymous",
	})

	select {
	case realm := <-idle:
		t.Fatalf("idle fired at %q while a session is attached", realm)
	case <-time.After(100 * time.Millisecond):
	}

	user.Close()
	select {
	case realm := <-idle:
		if realm != "wampmesh.test" {
			t.Fatalf("idle realm = %q", realm)
		}
	case <-time.After(wamptest.Timeout):
		t.Fatal("idle notification never fired")
	}
	plumbing.Close()
}

func TestBridgeMetaAPI(t *testing.T) {
	app := newTestRouter(t, router.RealmConfig{URI: "wampmesh.app"})
	mgmt := newTestRouter(t, router.RealmConfig{URI: "wampmesh.mgmt"})

	bridgeSess := trustedClient(t, mgmt, "bridge")
	if err := app.BridgeMetaAPI(t.Context(), bridgeSess, "local.mgmt.app"); err != nil {
		t.Fatalf("bridge meta api: %v", err)
	}

	// One normal session on the app realm is what the bridged count sees.
	_ = wamptest.Client(t, app, wamp.Dict{
		"authid": "alice", "authrole": "user", "authmethod": "anonymous",
	})

	operator := trustedClient(t, mgmt, "operator")
	res, err := operator.Call(t.Context(), "local.mgmt.app.wamp-session-count", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("bridged call: %v", err)
	}
	if count, _ := wamp.AsInt64(res.Arguments[0]); count != 1 {
		t.Fatalf("bridged session count = %d", count)
	}

	// The literal meta name still answers for the management realm
	// itself, which has no normal sessions.
	res, err = operator.Call(t.Context(), "wamp.session.count", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("local meta call: %v", err)
	}
	if count, _ := wamp.AsInt64(res.Arguments[0]); count != 0 {
		t.Fatalf("management realm session count = %d", count)
	}
}
