package rlink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/nexus/v3/wamp"
)

func publishContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// Meta API URIs consumed on the origin side of a bridge.
const (
	metaRegOnCreate = wamp.URI("wamp.registration.on_create")
	metaRegOnDelete = wamp.URI("wamp.registration.on_delete")
	metaRegList     = wamp.URI("wamp.registration.list")
	metaRegGet      = wamp.URI("wamp.registration.get")

	metaSubOnCreate = wamp.URI("wamp.subscription.on_create")
	metaSubOnDelete = wamp.URI("wamp.subscription.on_delete")
	metaSubList     = wamp.URI("wamp.subscription.list")
	metaSubGet      = wamp.URI("wamp.subscription.get")
)

// mirrorKey identifies one mirrored observation.
type mirrorKey struct {
	uri   wamp.URI
	match string
}

// bridge mirrors one direction of a link: observations that exist on
// origin are recreated on target, and the resulting traffic (calls for
// registrations, events for subscriptions) flows target to origin with a
// forward_for entry appended per hop.
type bridge struct {
	cfg    *Config
	origin endpoint
	target endpoint

	// watch toggles, derived from the link's forwarding flags.
	invocations bool
	events      bool

	mu      sync.Mutex
	regByID map[wamp.ID]mirrorKey
	subByID map[wamp.ID]mirrorKey
	regRefs map[mirrorKey]int
	subRefs map[mirrorKey]int

	log *slog.Logger
}

func newBridge(cfg *Config, origin, target endpoint, invocations, events bool, log *slog.Logger) *bridge {
	return &bridge{
		cfg:         cfg,
		origin:      origin,
		target:      target,
		invocations: invocations,
		events:      events,
		regByID:     map[wamp.ID]mirrorKey{},
		subByID:     map[wamp.ID]mirrorKey{},
		regRefs:     map[mirrorKey]int{},
		subRefs:     map[mirrorKey]int{},
		log:         log,
	}
}

// start subscribes to the origin's meta events and seeds mirrors from
// its current observations.
func (b *bridge) start(ctx context.Context) error {
	if b.invocations {
		if err := b.origin.Subscribe(ctx, metaRegOnCreate, nil, b.onRegCreate); err != nil {
			return fmt.Errorf("subscribe %s: %w", metaRegOnCreate, err)
		}
		if err := b.origin.Subscribe(ctx, metaRegOnDelete, nil, b.onRegDelete); err != nil {
			return fmt.Errorf("subscribe %s: %w", metaRegOnDelete, err)
		}
		if err := b.seed(ctx, metaRegList, metaRegGet, b.mirrorRegistration); err != nil {
			return err
		}
	}
	if b.events {
		if err := b.origin.Subscribe(ctx, metaSubOnCreate, nil, b.onSubCreate); err != nil {
			return fmt.Errorf("subscribe %s: %w", metaSubOnCreate, err)
		}
		if err := b.origin.Subscribe(ctx, metaSubOnDelete, nil, b.onSubDelete); err != nil {
			return fmt.Errorf("subscribe %s: %w", metaSubOnDelete, err)
		}
		if err := b.seed(ctx, metaSubList, metaSubGet, b.mirrorSubscription); err != nil {
			return err
		}
	}
	return nil
}

// seed walks the origin's current observations through the meta API and
// mirrors each.
func (b *bridge) seed(ctx context.Context, listProc, getProc wamp.URI, mirror func(ctx context.Context, id wamp.ID, key mirrorKey)) error {
	args, _, err := b.origin.Call(ctx, listProc, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("call %s: %w", listProc, err)
	}
	if len(args) == 0 {
		return nil
	}
	lists, _ := wamp.AsDict(args[0])
	for _, ids := range lists {
		idList, _ := wamp.AsList(ids)
		for _, v := range idList {
			id, ok := wamp.AsID(v)
			if !ok {
				continue
			}
			details, _, err := b.origin.Call(ctx, getProc, nil, wamp.List{id}, nil)
			if err != nil || len(details) == 0 {
				continue
			}
			d, _ := wamp.AsDict(details[0])
			key := keyFromDetails(d)
			if key.uri == "" || !b.cfg.mirrorable(key.uri) {
				continue
			}
			mirror(ctx, id, key)
		}
	}
	return nil
}

func keyFromDetails(d wamp.Dict) mirrorKey {
	uri, _ := wamp.AsURI(d["uri"])
	match, _ := wamp.AsString(d[wamp.OptMatch])
	if match == "" {
		match = wamp.MatchExact
	}
	return mirrorKey{uri: uri, match: match}
}

// ---- registration mirroring ----

func (b *bridge) onRegCreate(args wamp.List, kwargs, details wamp.Dict) {
	if len(args) < 2 {
		return
	}
	sessID, _ := wamp.AsID(args[0])
	if sessID == b.origin.SessionID() {
		// Our own mirror on the origin side; re-mirroring it would loop.
		return
	}
	d, _ := wamp.AsDict(args[1])
	key := keyFromDetails(d)
	id, _ := wamp.AsID(d["id"])
	if key.uri == "" || !b.cfg.mirrorable(key.uri) {
		return
	}
	b.mirrorRegistration(context.Background(), id, key)
}

func (b *bridge) mirrorRegistration(ctx context.Context, id wamp.ID, key mirrorKey) {
	b.mu.Lock()
	b.regByID[id] = key
	b.regRefs[key]++
	first := b.regRefs[key] == 1
	b.mu.Unlock()
	if !first {
		return
	}

	options := wamp.Dict{}
	if key.match != wamp.MatchExact {
		options[wamp.OptMatch] = key.match
	}
	if err := b.target.Register(ctx, key.uri, options, b.forwardCall(key.uri)); err != nil {
		b.log.Warn("mirror registration failed", "procedure", key.uri, "err", err)
		b.mu.Lock()
		delete(b.regByID, id)
		b.regRefs[key]--
		if b.regRefs[key] <= 0 {
			delete(b.regRefs, key)
		}
		b.mu.Unlock()
		return
	}
	b.log.Debug("mirrored registration", "procedure", key.uri, "match", key.match)
}

func (b *bridge) onRegDelete(args wamp.List, kwargs, details wamp.Dict) {
	if len(args) < 2 {
		return
	}
	id, _ := wamp.AsID(args[1])

	b.mu.Lock()
	key, ok := b.regByID[id]
	if ok {
		delete(b.regByID, id)
		b.regRefs[key]--
		if b.regRefs[key] <= 0 {
			delete(b.regRefs, key)
		} else {
			ok = false
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := b.target.Unregister(context.Background(), key.uri); err != nil {
		b.log.Warn("unmirror registration failed", "procedure", key.uri, "err", err)
		return
	}
	b.log.Debug("unmirrored registration", "procedure", key.uri)
}

// forwardCall serves invocations of a mirrored procedure on target by
// calling the real callee's side.
func (b *bridge) forwardCall(procedure wamp.URI) callHandler {
	return func(ctx context.Context, args wamp.List, kwargs, details wamp.Dict) (wamp.List, wamp.Dict, error) {
		// Single-hop forwarding: a call that already crossed a link
		// carries a forward_for chain and must not cross another.
		chain, _ := wamp.AsList(details["forward_for"])
		if len(chain) != 0 {
			return nil, nil, &rpcFailure{
				reason: wamp.ErrNetworkFailure,
				args:   wamp.List{"call already forwarded"},
			}
		}
		options := wamp.Dict{
			"forward_for": appendHop(chain, details, "caller"),
		}
		// Pattern registrations carry the concrete procedure in details.
		uri := procedure
		if p, ok := wamp.AsURI(details[wamp.OptProcedure]); ok && p != "" {
			uri = p
		}
		return b.origin.Call(ctx, uri, options, args, kwargs)
	}
}

// ---- subscription mirroring ----

func (b *bridge) onSubCreate(args wamp.List, kwargs, details wamp.Dict) {
	if len(args) < 2 {
		return
	}
	sessID, _ := wamp.AsID(args[0])
	if sessID == b.origin.SessionID() {
		return
	}
	d, _ := wamp.AsDict(args[1])
	key := keyFromDetails(d)
	id, _ := wamp.AsID(d["id"])
	if key.uri == "" || !b.cfg.mirrorable(key.uri) {
		return
	}
	b.mirrorSubscription(context.Background(), id, key)
}

func (b *bridge) mirrorSubscription(ctx context.Context, id wamp.ID, key mirrorKey) {
	b.mu.Lock()
	b.subByID[id] = key
	b.subRefs[key]++
	first := b.subRefs[key] == 1
	b.mu.Unlock()
	if !first {
		return
	}

	options := wamp.Dict{}
	if key.match != wamp.MatchExact {
		options[wamp.OptMatch] = key.match
	}
	if err := b.target.Subscribe(ctx, key.uri, options, b.forwardEvent(key.uri)); err != nil {
		b.log.Warn("mirror subscription failed", "topic", key.uri, "err", err)
		b.mu.Lock()
		delete(b.subByID, id)
		b.subRefs[key]--
		if b.subRefs[key] <= 0 {
			delete(b.subRefs, key)
		}
		b.mu.Unlock()
		return
	}
	b.log.Debug("mirrored subscription", "topic", key.uri, "match", key.match)
}

func (b *bridge) onSubDelete(args wamp.List, kwargs, details wamp.Dict) {
	if len(args) < 2 {
		return
	}
	id, _ := wamp.AsID(args[1])

	b.mu.Lock()
	key, ok := b.subByID[id]
	if ok {
		delete(b.subByID, id)
		b.subRefs[key]--
		if b.subRefs[key] <= 0 {
			delete(b.subRefs, key)
		} else {
			ok = false
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := b.target.Unsubscribe(context.Background(), key.uri); err != nil {
		b.log.Warn("unmirror subscription failed", "topic", key.uri, "err", err)
		return
	}
	b.log.Debug("unmirrored subscription", "topic", key.uri)
}

// forwardEvent republishes events seen on target to the subscribers'
// side.
func (b *bridge) forwardEvent(topic wamp.URI) eventHandler {
	return func(args wamp.List, kwargs, details wamp.Dict) {
		// Events that already crossed a link are not re-forwarded.
		chain, _ := wamp.AsList(details["forward_for"])
		if len(chain) != 0 {
			return
		}
		options := wamp.Dict{
			"forward_for": appendHop(chain, details, "publisher"),
		}
		uri := topic
		if t, ok := wamp.AsURI(details["topic"]); ok && t != "" {
			uri = t
		}
		ctx, cancel := publishContext()
		defer cancel()
		if err := b.origin.Publish(ctx, uri, options, args, kwargs); err != nil {
			b.log.Warn("forward event failed", "topic", uri, "err", err)
		}
	}
}

// appendHop extends a forward_for chain with the identity of the routed
// message's source, taken from delivery details when disclosed.
func appendHop(chain wamp.List, details wamp.Dict, role string) wamp.List {
	hop := wamp.Dict{}
	if id, ok := wamp.AsID(details[role]); ok {
		hop["session"] = id
	}
	if authid, ok := wamp.AsString(details[role+"_authid"]); ok && authid != "" {
		hop["authid"] = authid
	}
	if authrole, ok := wamp.AsString(details[role+"_authrole"]); ok && authrole != "" {
		hop["authrole"] = authrole
	}
	out := make(wamp.List, 0, len(chain)+1)
	out = append(out, chain...)
	return append(out, hop)
}
