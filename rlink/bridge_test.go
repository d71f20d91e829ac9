package rlink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/gammazero/nexus/v3/wamp"
)

type fakeCall struct {
	procedure wamp.URI
	options   wamp.Dict
	args      wamp.List
}

type fakePublish struct {
	topic   wamp.URI
	options wamp.Dict
	args    wamp.List
}

// fakeEndpoint records bridge activity and serves canned meta responses.
type fakeEndpoint struct {
	id wamp.ID

	mu        sync.Mutex
	subs      map[wamp.URI]eventHandler
	regs      map[wamp.URI]callHandler
	responses map[wamp.URI]func(args wamp.List) (wamp.List, wamp.Dict, error)
	calls     []fakeCall
	publishes []fakePublish
	done      chan struct{}
}

func newFakeEndpoint(id wamp.ID) *fakeEndpoint {
	return &fakeEndpoint{
		id:        id,
		subs:      map[wamp.URI]eventHandler{},
		regs:      map[wamp.URI]callHandler{},
		responses: map[wamp.URI]func(args wamp.List) (wamp.List, wamp.Dict, error){},
		done:      make(chan struct{}),
	}
}

func (f *fakeEndpoint) SessionID() wamp.ID { return f.id }

func (f *fakeEndpoint) Subscribe(ctx context.Context, topic wamp.URI, options wamp.Dict, fn eventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = fn
	return nil
}

func (f *fakeEndpoint) Unsubscribe(ctx context.Context, topic wamp.URI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[topic]; !ok {
		return errors.New("not subscribed")
	}
	delete(f.subs, topic)
	return nil
}

func (f *fakeEndpoint) Register(ctx context.Context, procedure wamp.URI, options wamp.Dict, fn callHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[procedure] = fn
	return nil
}

func (f *fakeEndpoint) Unregister(ctx context.Context, procedure wamp.URI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.regs[procedure]; !ok {
		return errors.New("not registered")
	}
	delete(f.regs, procedure)
	return nil
}

func (f *fakeEndpoint) Call(ctx context.Context, procedure wamp.URI, options wamp.Dict, args wamp.List, kwargs wamp.Dict) (wamp.List, wamp.Dict, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{procedure: procedure, options: options, args: args})
	respond := f.responses[procedure]
	f.mu.Unlock()
	if respond != nil {
		return respond(args)
	}
	return wamp.List{}, nil, nil
}

func (f *fakeEndpoint) Publish(ctx context.Context, topic wamp.URI, options wamp.Dict, args wamp.List, kwargs wamp.Dict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, fakePublish{topic: topic, options: options, args: args})
	return nil
}

func (f *fakeEndpoint) Done() <-chan struct{} { return f.done }
func (f *fakeEndpoint) Close()                { close(f.done) }

func (f *fakeEndpoint) hasReg(procedure wamp.URI) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.regs[procedure]
	return ok
}

func (f *fakeEndpoint) hasSub(topic wamp.URI) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[topic]
	return ok
}

// metaEvent feeds a meta event into the handler the bridge subscribed on
// this endpoint.
func (f *fakeEndpoint) metaEvent(t *testing.T, topic wamp.URI, args wamp.List) {
	t.Helper()
	f.mu.Lock()
	fn := f.subs[topic]
	f.mu.Unlock()
	if fn == nil {
		t.Fatalf("bridge is not subscribed to %s", topic)
	}
	fn(args, nil, nil)
}

func startBridge(t *testing.T, cfg *Config, origin, target endpoint, invocations, events bool) *bridge {
	t.Helper()
	b := newBridge(cfg, origin, target, invocations, events, slog.Default())
	if err := b.start(context.Background()); err != nil {
		t.Fatalf("bridge start: %v", err)
	}
	return b
}

func regCreateArgs(sess, reg wamp.ID, uri wamp.URI, match string) wamp.List {
	return wamp.List{sess, wamp.Dict{"id": reg, "uri": uri, wamp.OptMatch: match}}
}

func TestBridgeMirrorsRegistrations(t *testing.T) {
	origin := newFakeEndpoint(100)
	target := newFakeEndpoint(200)
	startBridge(t, &Config{ID: "l1", Realm: "wampmesh.test"}, origin, target, true, false)

	origin.metaEvent(t, metaRegOnCreate, regCreateArgs(5, 71, "com.app.proc", ""))
	if !target.hasReg("com.app.proc") {
		t.Fatal("registration not mirrored onto target")
	}

	origin.metaEvent(t, metaRegOnDelete, wamp.List{wamp.ID(5), wamp.ID(71)})
	if target.hasReg("com.app.proc") {
		t.Fatal("mirror not dropped after on_delete")
	}
}

func TestBridgeMirrorsSubscriptions(t *testing.T) {
	origin := newFakeEndpoint(100)
	target := newFakeEndpoint(200)
	startBridge(t, &Config{ID: "l1", Realm: "wampmesh.test"}, origin, target, false, true)

	origin.metaEvent(t, metaSubOnCreate, regCreateArgs(5, 81, "com.app.topic", ""))
	if !target.hasSub("com.app.topic") {
		t.Fatal("subscription not mirrored onto target")
	}

	origin.metaEvent(t, metaSubOnDelete, wamp.List{wamp.ID(5), wamp.ID(81)})
	if target.hasSub("com.app.topic") {
		t.Fatal("mirror not dropped after on_delete")
	}
}

func TestBridgeSkipsOwnSession(t *testing.T) {
	origin := newFakeEndpoint(100)
	target := newFakeEndpoint(200)
	startBridge(t, &Config{ID: "l1", Realm: "wampmesh.test"}, origin, target, true, true)

	// Observations created by the bridge's own origin leg never mirror
	// back; that would bounce between the routers forever.
	origin.metaEvent(t, metaRegOnCreate, regCreateArgs(origin.SessionID(), 71, "com.app.proc", ""))
	if target.hasReg("com.app.proc") {
		t.Fatal("own registration mirrored")
	}
}

func TestBridgeSkipsMetaAndExcludedURIs(t *testing.T) {
	origin := newFakeEndpoint(100)
	target := newFakeEndpoint(200)
	cfg := &Config{
		ID:    "l1",
		Realm: "wampmesh.test",
		Exclude: []Exclusion{
			{URI: "com.private.", Match: wamp.MatchPrefix},
		},
	}
	startBridge(t, cfg, origin, target, true, false)

	origin.metaEvent(t, metaRegOnCreate, regCreateArgs(5, 71, "wamp.session.kill", ""))
	origin.metaEvent(t, metaRegOnCreate, regCreateArgs(5, 72, "local.node.status", ""))
	origin.metaEvent(t, metaRegOnCreate, regCreateArgs(5, 73, "com.private.secrets", ""))

	if target.hasReg("wamp.session.kill") || target.hasReg("local.node.status") || target.hasReg("com.private.secrets") {
		t.Fatal("protected URI mirrored across the link")
	}
}

func TestBridgeRefcountsSharedMirrors(t *testing.T) {
	origin := newFakeEndpoint(100)
	target := newFakeEndpoint(200)
	startBridge(t, &Config{ID: "l1", Realm: "wampmesh.test"}, origin, target, true, false)

	// Two origin-side registrations for the same procedure pattern share
	// a single mirror on target.
	origin.metaEvent(t, metaRegOnCreate, regCreateArgs(5, 71, "com.app.proc", ""))
	origin.metaEvent(t, metaRegOnCreate, regCreateArgs(6, 72, "com.app.proc", ""))
	if !target.hasReg("com.app.proc") {
		t.Fatal("registration not mirrored")
	}

	origin.metaEvent(t, metaRegOnDelete, wamp.List{wamp.ID(5), wamp.ID(71)})
	if !target.hasReg("com.app.proc") {
		t.Fatal("mirror dropped while a reference remains")
	}
	origin.metaEvent(t, metaRegOnDelete, wamp.List{wamp.ID(6), wamp.ID(72)})
	if target.hasReg("com.app.proc") {
		t.Fatal("mirror survived the last reference")
	}
}

func TestBridgeSeedsExistingObservations(t *testing.T) {
	origin := newFakeEndpoint(100)
	target := newFakeEndpoint(200)

	origin.responses[metaRegList] = func(wamp.List) (wamp.List, wamp.Dict, error) {
		return wamp.List{wamp.Dict{"exact": wamp.List{wamp.ID(71)}}}, nil, nil
	}
	origin.responses[metaRegGet] = func(args wamp.List) (wamp.List, wamp.Dict, error) {
		return wamp.List{wamp.Dict{"id": args[0], "uri": wamp.URI("com.app.existing")}}, nil, nil
	}

	startBridge(t, &Config{ID: "l1", Realm: "wampmesh.test"}, origin, target, true, false)
	if !target.hasReg("com.app.existing") {
		t.Fatal("pre-existing registration not seeded")
	}
}

func TestBridgeForwardCall(t *testing.T) {
	origin := newFakeEndpoint(100)
	target := newFakeEndpoint(200)
	b := startBridge(t, &Config{ID: "l1", Realm: "wampmesh.test"}, origin, target, true, false)

	origin.responses["com.app.proc"] = func(args wamp.List) (wamp.List, wamp.Dict, error) {
		return wamp.List{"answer"}, nil, nil
	}

	handler := b.forwardCall("com.app.proc")
	args, _, err := handler(context.Background(), wamp.List{"q"}, nil, wamp.Dict{
		"caller":        wamp.ID(42),
		"caller_authid": "alice",
	})
	if err != nil {
		t.Fatalf("forwarded call: %v", err)
	}
	if len(args) != 1 || args[0] != "answer" {
		t.Fatalf("forwarded result = %v", args)
	}

	origin.mu.Lock()
	call := origin.calls[len(origin.calls)-1]
	origin.mu.Unlock()
	if call.procedure != "com.app.proc" {
		t.Fatalf("forwarded to %q", call.procedure)
	}
	chain, _ := wamp.AsList(call.options["forward_for"])
	if len(chain) != 1 {
		t.Fatalf("forward_for = %v", chain)
	}
	hop, _ := wamp.AsDict(chain[0])
	if id, _ := wamp.AsID(hop["session"]); id != 42 {
		t.Fatalf("hop session = %v", hop["session"])
	}
	if authid, _ := wamp.AsString(hop["authid"]); authid != "alice" {
		t.Fatalf("hop authid = %q", authid)
	}
}

func TestBridgeForwardCallRefusesForwardedCalls(t *testing.T) {
	origin := newFakeEndpoint(100)
	target := newFakeEndpoint(200)
	b := startBridge(t, &Config{ID: "l1", Realm: "wampmesh.test"}, origin, target, true, false)

	handler := b.forwardCall("com.app.proc")
	// A chain mentioning this link's own session and one naming only a
	// foreign router are refused alike; one hop is the limit.
	chains := map[string]wamp.List{
		"own_session":     {wamp.Dict{"session": origin.SessionID()}},
		"foreign_session": {wamp.Dict{"session": wamp.ID(999), "authid": "remote"}},
	}
	for name, chain := range chains {
		t.Run(name, func(t *testing.T) {
			_, _, err := handler(context.Background(), nil, nil, wamp.Dict{
				"forward_for": chain,
			})
			var fail *rpcFailure
			if !errors.As(err, &fail) || fail.reason != wamp.ErrNetworkFailure {
				t.Fatalf("forwarded-call error = %v", err)
			}
			origin.mu.Lock()
			n := len(origin.calls)
			origin.mu.Unlock()
			if n != 0 {
				t.Fatal("already-forwarded call crossed the link")
			}
		})
	}
}

func TestBridgeForwardCallUsesConcreteProcedure(t *testing.T) {
	origin := newFakeEndpoint(100)
	target := newFakeEndpoint(200)
	b := startBridge(t, &Config{ID: "l1", Realm: "wampmesh.test"}, origin, target, true, false)

	handler := b.forwardCall("com.app.")
	if _, _, err := handler(context.Background(), nil, nil, wamp.Dict{
		wamp.OptProcedure: wamp.URI("com.app.concrete"),
	}); err != nil {
		t.Fatalf("forwarded call: %v", err)
	}
	origin.mu.Lock()
	call := origin.calls[len(origin.calls)-1]
	origin.mu.Unlock()
	if call.procedure != "com.app.concrete" {
		t.Fatalf("forwarded to %q, want the concrete procedure", call.procedure)
	}
}

func TestBridgeForwardEvent(t *testing.T) {
	origin := newFakeEndpoint(100)
	target := newFakeEndpoint(200)
	b := startBridge(t, &Config{ID: "l1", Realm: "wampmesh.test"}, origin, target, false, true)

	handler := b.forwardEvent("com.app.topic")
	handler(wamp.List{"news"}, nil, wamp.Dict{"publisher": wamp.ID(42)})

	origin.mu.Lock()
	pub := origin.publishes[len(origin.publishes)-1]
	origin.mu.Unlock()
	if pub.topic != "com.app.topic" || len(pub.args) != 1 || pub.args[0] != "news" {
		t.Fatalf("forwarded publish = %+v", pub)
	}
	chain, _ := wamp.AsList(pub.options["forward_for"])
	if len(chain) != 1 {
		t.Fatalf("forward_for = %v", chain)
	}

	// An event that already crossed any link is dropped, whether the
	// chain names this link or a foreign one.
	handler(nil, nil, wamp.Dict{
		"forward_for": wamp.List{wamp.Dict{"session": origin.SessionID()}},
	})
	handler(nil, nil, wamp.Dict{
		"forward_for": wamp.List{wamp.Dict{"session": wamp.ID(999)}},
	})
	origin.mu.Lock()
	n := len(origin.publishes)
	origin.mu.Unlock()
	if n != 1 {
		t.Fatal("already-forwarded event crossed the link")
	}
}
