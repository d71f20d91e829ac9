// Package router implements a WAMP routing core for a single realm:
// broker, dealer, authorization, session lifecycle, and the meta API.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/nexus/v3/wamp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wampmesh/wampmesh/authz"
	"github.com/wampmesh/wampmesh/store"
	"github.com/wampmesh/wampmesh/trace"
)

// Router routes messages between sessions attached to one realm.
type Router struct {
	cfg RealmConfig

	broker *Broker
	dealer *Dealer

	mu       sync.RWMutex
	sessions map[wamp.ID]*Session
	roles    map[string]authz.Role
	closed   bool

	testaments map[wamp.ID]*sessionTestaments

	authCache     *lru.Cache[string, authz.Decision]
	authCacheSize int

	stats      *messageStats
	metrics    *metrics
	metricsReg prometheus.Registerer

	agent  *serviceAgent
	onIdle func()

	log    *slog.Logger
	clock  clock.Clock
	tracer trace.Tracer
}

// NewRouter creates a router for the realm described by cfg and starts
// its service agent. The returned router accepts attachments until
// Close.
func NewRouter(cfg RealmConfig, opts ...Option) (*Router, error) {
	if !cfg.URI.ValidURI(cfg.StrictURI, "") {
		return nil, fmt.Errorf("invalid realm URI %q", cfg.URI)
	}

	r := &Router{
		cfg:           cfg,
		sessions:      map[wamp.ID]*Session{},
		roles:         map[string]authz.Role{},
		testaments:    map[wamp.ID]*sessionTestaments{},
		authCacheSize: 256,
		stats:         newMessageStats(cfg.URI),
		log:           slog.Default(),
		clock:         clock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, role := range cfg.Roles {
		if role.Name() == authz.TrustedRoleName {
			return nil, ErrReservedRole
		}
		r.roles[role.Name()] = role
	}

	if r.authCacheSize > 0 {
		cache, err := lru.New[string, authz.Decision](r.authCacheSize)
		if err != nil {
			return nil, fmt.Errorf("authorization cache: %w", err)
		}
		r.authCache = cache
	}

	if r.metricsReg != nil {
		r.metrics = newMetrics(r.metricsReg, cfg.URI)
	}

	r.broker = newBroker(r.session, r.Send, cfg.StrictURI, cfg.AllowDisclose,
		cfg.History, cfg.HistoryLimit, r.log)
	r.dealer = newDealer(r.session, r.Send, r.broker.MetaPublish, r.clock,
		cfg.StrictURI, cfg.AllowDisclose, r.log)

	agent, err := startServiceAgent(r)
	if err != nil {
		r.broker.close()
		r.dealer.close()
		return nil, fmt.Errorf("service agent: %w", err)
	}
	r.agent = agent

	r.log.Info("realm started", "realm", cfg.URI)
	return r, nil
}

// Realm returns the realm URI this router serves.
func (r *Router) Realm() wamp.URI {
	return r.cfg.URI
}

// Broker exposes the realm's broker.
func (r *Router) Broker() *Broker {
	return r.broker
}

// Dealer exposes the realm's dealer.
func (r *Router) Dealer() *Dealer {
	return r.dealer
}

func (r *Router) session(id wamp.ID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Attach adds an authenticated session to the realm. Restricted
// sessions (authrole "trusted" or empty) join silently: no meta event,
// no store record, and no visibility in the session meta API.
func (r *Router) Attach(peer wamp.Peer, details wamp.Dict) (*Session, error) {
	sess := NewSession(peer, wamp.GlobalID(), details)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	if _, ok := r.sessions[sess.ID]; ok {
		r.mu.Unlock()
		return nil, ErrAlreadyAttached
	}
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.stats.countAttached()
	r.stats.setSessions(count)
	r.metrics.setSessions(count)

	if sess.restricted() {
		return sess, nil
	}

	if r.cfg.Store != nil {
		rec := sessionRecord(r.cfg.URI, sess)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.cfg.Store.SessionJoined(ctx, rec); err != nil {
				r.log.Warn("session store join failed", "session", rec.Session, "err", err)
			}
		}()
	}

	r.broker.MetaPublish(metaEventSessionOnJoin, wamp.List{wamp.Dict{
		"session":      sess.ID,
		"authid":       sess.AuthID(),
		"authrole":     sess.AuthRole(),
		"authmethod":   sess.AuthMethod(),
		"authprovider": sess.AuthProvider(),
	}})
	return sess, nil
}

// AttachClient attaches the session, sends the WELCOME, and serves its
// message stream until the peer closes or violates the protocol.
func (r *Router) AttachClient(peer wamp.Peer, details wamp.Dict) (*Session, error) {
	sess, err := r.Attach(peer, details)
	if err != nil {
		return nil, err
	}
	r.Send(sess, &wamp.Welcome{ID: sess.ID, Details: r.welcomeDetails(sess)})
	go r.serve(sess)
	return sess, nil
}

func (r *Router) welcomeDetails(sess *Session) wamp.Dict {
	details := wamp.Dict{
		"realm": r.cfg.URI,
		"roles": wamp.Dict{
			"broker": wamp.Dict{"features": r.broker.Features()},
			"dealer": wamp.Dict{"features": r.dealer.Features()},
		},
	}
	if authid := sess.AuthID(); authid != "" {
		details["authid"] = authid
	}
	if authrole := sess.AuthRole(); authrole != "" {
		details["authrole"] = authrole
	}
	return details
}

func (r *Router) serve(sess *Session) {
	for msg := range sess.Recv() {
		if goodbye, ok := msg.(*wamp.Goodbye); ok {
			r.stats.countReceived(goodbye.MessageType().String())
			r.Send(sess, &wamp.Goodbye{
				Reason:  wamp.ErrGoodbyeAndOut,
				Details: wamp.Dict{},
			})
			r.Detach(sess)
			return
		}
		if perr := r.Process(sess, msg); perr != nil {
			r.log.Warn("protocol violation",
				"session", sess.ID, "type", perr.MessageType.String(), "reason", perr.Reason)
			r.Send(sess, &wamp.Abort{
				Reason:  wamp.ErrProtocolViolation,
				Details: wamp.Dict{"message": perr.Reason},
			})
			r.Detach(sess)
			return
		}
	}
	r.Detach(sess)
}

// Process routes one message from an attached session. A non-nil return
// is a protocol violation; the caller must abort the session. All other
// failures are answered on the wire.
func (r *Router) Process(sess *Session, msg wamp.Message) (perr *ProtocolError) {
	// One misbehaving message must not take down the realm; anything
	// short of a protocol violation is logged and absorbed.
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic processing message",
				"realm", r.cfg.URI, "session", sess.ID,
				"type", msg.MessageType().String(), "panic", p)
		}
	}()

	r.stats.countReceived(msg.MessageType().String())
	r.metrics.countReceived(msg.MessageType().String())
	r.traceMsg(sess, msg, trace.Received)

	switch msg := msg.(type) {
	case *wamp.Subscribe:
		if !r.authorized(sess, msg, msg.Topic, authz.ActionSubscribe, msg.Options) {
			return nil
		}
		r.broker.Subscribe(sess, msg)

	case *wamp.Unsubscribe:
		r.broker.Unsubscribe(sess, msg)

	case *wamp.Publish:
		if isMetaURI(msg.Topic) && !sess.restricted() {
			r.refuse(sess, msg.MessageType(), msg.Request, msg.Options, wamp.ErrNotAuthorized,
				"publish to reserved URI "+string(msg.Topic))
			return nil
		}
		if !r.validPayload(sess, msg.MessageType(), msg.Request, msg.Options, msg.Topic, msg.ArgumentsKw) {
			return nil
		}
		disclose, ok := r.authorizeDisclose(sess, msg, msg.Topic, authz.ActionPublish, msg.Options)
		if !ok {
			return nil
		}
		r.broker.Publish(sess, msg, disclose)

	case *wamp.Register:
		if !r.authorized(sess, msg, msg.Procedure, authz.ActionRegister, msg.Options) {
			return nil
		}
		r.dealer.Register(sess, msg)

	case *wamp.Unregister:
		r.dealer.Unregister(sess, msg)

	case *wamp.Call:
		if !r.validPayload(sess, msg.MessageType(), msg.Request, msg.Options, msg.Procedure, msg.ArgumentsKw) {
			return nil
		}
		disclose, ok := r.authorizeDisclose(sess, msg, msg.Procedure, authz.ActionCall, msg.Options)
		if !ok {
			return nil
		}
		r.dealer.Call(sess, msg, disclose)

	case *wamp.Cancel:
		r.dealer.Cancel(sess, msg)

	case *wamp.Yield:
		return r.dealer.Yield(sess, msg)

	case *wamp.Error:
		if msg.Type != wamp.INVOCATION {
			return protocolErr(msg.MessageType(),
				fmt.Sprintf("ERROR with unexpected type %v", msg.Type))
		}
		return r.dealer.Error(sess, msg)

	default:
		return protocolErr(msg.MessageType(),
			fmt.Sprintf("unexpected %s message", msg.MessageType()))
	}
	return nil
}

// Send delivers a message to a session. Sends to departed sessions are
// dropped; a blocked peer is logged and skipped rather than stalling the
// router.
func (r *Router) Send(sess *Session, msg wamp.Message) {
	if sess.isGone() {
		return
	}
	r.stats.countSent(msg.MessageType().String())
	r.metrics.countSent(msg.MessageType().String())
	r.traceMsg(sess, msg, trace.Sent)
	if err := sess.TrySend(msg); err != nil {
		r.log.Warn("dropped message to blocked session",
			"session", sess.ID, "type", msg.MessageType().String())
	}
}

func (r *Router) traceMsg(sess *Session, msg wamp.Message, dir trace.Direction) {
	if r.tracer == nil {
		return
	}
	r.tracer.Trace(trace.Record{
		Realm:       r.cfg.URI,
		Session:     sess.ID,
		Direction:   dir,
		MessageType: msg.MessageType().String(),
		URI:         messageURI(msg),
		Time:        time.Now(),
	})
}

func messageURI(msg wamp.Message) wamp.URI {
	switch msg := msg.(type) {
	case *wamp.Subscribe:
		return msg.Topic
	case *wamp.Publish:
		return msg.Topic
	case *wamp.Register:
		return msg.Procedure
	case *wamp.Call:
		return msg.Procedure
	case *wamp.Error:
		return msg.Error
	}
	return ""
}

// Detach removes a session from the realm, settling its subscriptions,
// registrations, outstanding calls, and testaments. Detaching an
// already-detached session is a no-op.
func (r *Router) Detach(sess *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[sess.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.ID)
	testaments := r.testaments[sess.ID]
	delete(r.testaments, sess.ID)
	count := len(r.sessions)
	idle := !r.closed && !sess.restricted()
	if idle {
		for _, other := range r.sessions {
			if !other.restricted() {
				idle = false
				break
			}
		}
	}
	r.mu.Unlock()

	sess.markGone()
	r.stats.setSessions(count)
	r.metrics.setSessions(count)

	if testaments != nil {
		r.publishTestaments(sess, testaments.detached)
	}

	r.dealer.RemoveSession(sess)
	r.broker.RemoveSession(sess)

	if testaments != nil {
		r.publishTestaments(sess, testaments.destroyed)
	}

	if sess.restricted() {
		return
	}

	if r.cfg.Store != nil {
		sessID := sess.ID
		at := time.Now()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.cfg.Store.SessionLeft(ctx, sessID, at); err != nil {
				r.log.Warn("session store leave failed", "session", sessID, "err", err)
			}
		}()
	}

	r.broker.MetaPublish(metaEventSessionOnLeave, wamp.List{sess.ID, sess.AuthID(), sess.AuthRole()})

	if idle && r.onIdle != nil {
		r.onIdle()
	}
}

// Kill sends a GOODBYE to the session and detaches it. Restricted
// sessions cannot be killed through the meta API.
func (r *Router) Kill(id wamp.ID, reason wamp.URI, message string) error {
	sess := r.session(id)
	if sess == nil || sess.restricted() {
		return ErrNotAttached
	}
	if reason == "" {
		reason = wamp.ErrCloseRealm
	}
	details := wamp.Dict{}
	if message != "" {
		details["message"] = message
	}
	r.Send(sess, &wamp.Goodbye{Reason: reason, Details: details})
	r.Detach(sess)
	sess.Close()
	return nil
}

// Close detaches every session and stops the realm. Attached peers
// receive GOODBYE with wamp.close.system_shutdown.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		r.Send(sess, &wamp.Goodbye{Reason: wamp.ErrSystemShutdown, Details: wamp.Dict{}})
		r.Detach(sess)
		sess.Close()
	}

	r.agent.close()
	r.dealer.close()
	r.broker.close()
	r.log.Info("realm stopped", "realm", r.cfg.URI)
}

// Stats returns a snapshot of the realm's message counters.
func (r *Router) Stats() Stats {
	return r.stats.snapshot()
}

// ResetStats zeroes the message counters. The current session gauge is
// kept; only the cumulative counters restart.
func (r *Router) ResetStats() {
	r.stats.reset()
}

// ---- authorization ----

// authorized answers deny decisions on the wire and reports whether the
// message may proceed.
func (r *Router) authorized(sess *Session, msg wamp.Message, uri wamp.URI, action authz.Action, options wamp.Dict) bool {
	_, ok := r.authorizeDisclose(sess, msg, uri, action, options)
	return ok
}

func (r *Router) authorizeDisclose(sess *Session, msg wamp.Message, uri wamp.URI, action authz.Action, options wamp.Dict) (disclose, ok bool) {
	request := requestID(msg)

	if sess.restricted() {
		return !r.cfg.DisableAutoDiscloseTrusted, true
	}

	if isProtected(uri, r.cfg.ProtectedURIs) {
		r.refuse(sess, msg.MessageType(), request, options, wamp.ErrNotAuthorized,
			fmt.Sprintf("%s on protected URI %s", action, uri))
		return false, false
	}

	decision, err := r.authorize(sess, uri, action, options)
	if err != nil {
		r.log.Warn("authorizer failed",
			"session", sess.ID, "authrole", sess.AuthRole(), "uri", uri, "action", action, "err", err)
		r.refuse(sess, msg.MessageType(), request, options, wamp.ErrAuthorizationFailed, err.Error())
		return false, false
	}
	if !decision.Allow {
		r.refuse(sess, msg.MessageType(), request, options, wamp.ErrNotAuthorized,
			fmt.Sprintf("session is not authorized to %s %s", action, uri))
		return false, false
	}
	return decision.Disclose, true
}

func (r *Router) authorize(sess *Session, uri wamp.URI, action authz.Action, options wamp.Dict) (authz.Decision, error) {
	authrole := sess.AuthRole()

	r.mu.RLock()
	role := r.roles[authrole]
	r.mu.RUnlock()
	if role == nil {
		return authz.Decision{}, nil
	}

	key := cacheKey(authrole, uri, action)
	if r.authCache != nil {
		if decision, ok := r.authCache.Get(key); ok {
			return decision, nil
		}
	}

	subject := authz.Subject{Session: sess.ID, AuthID: sess.AuthID(), AuthRole: authrole}
	decision, err := role.Authorize(context.Background(), subject, uri, action, options)
	if err != nil {
		return authz.Decision{}, err
	}
	if decision.Cache && r.authCache != nil {
		r.authCache.Add(key, decision)
	}
	return decision, nil
}

func cacheKey(authrole string, uri wamp.URI, action authz.Action) string {
	return authrole + "|" + string(uri) + "|" + string(action)
}

// refuse answers a request with an ERROR. Unacknowledged publishes get
// no answer at all, per the protocol.
func (r *Router) refuse(sess *Session, msgType wamp.MessageType, request wamp.ID, options wamp.Dict, reason wamp.URI, message string) {
	if msgType == wamp.PUBLISH {
		if acknowledge, _ := options[optAcknowledge].(bool); !acknowledge {
			return
		}
	}
	r.Send(sess, &wamp.Error{
		Type:      msgType,
		Request:   request,
		Details:   wamp.Dict{},
		Error:     reason,
		Arguments: wamp.List{message},
	})
}

func (r *Router) validPayload(sess *Session, msgType wamp.MessageType, request wamp.ID, options wamp.Dict, uri wamp.URI, kwargs wamp.Dict) bool {
	if r.cfg.Inventory == nil {
		return true
	}
	if err := r.cfg.Inventory.Validate(uri, kwargs); err != nil {
		r.refuse(sess, msgType, request, options, wamp.ErrInvalidArgument, err.Error())
		return false
	}
	return true
}

func requestID(msg wamp.Message) wamp.ID {
	switch msg := msg.(type) {
	case *wamp.Subscribe:
		return msg.Request
	case *wamp.Publish:
		return msg.Request
	case *wamp.Register:
		return msg.Request
	case *wamp.Call:
		return msg.Request
	}
	return 0
}

func isProtected(uri wamp.URI, protected []wamp.URI) bool {
	for _, prefix := range protected {
		if uri == prefix || strings.HasPrefix(string(uri), string(prefix)+".") {
			return true
		}
	}
	return false
}

// ---- runtime role management ----

// AddRole installs or replaces an authorization role. The trusted role
// name is reserved for the router itself.
func (r *Router) AddRole(role authz.Role) error {
	if role.Name() == authz.TrustedRoleName {
		return ErrReservedRole
	}
	r.mu.Lock()
	r.roles[role.Name()] = role
	r.mu.Unlock()
	r.invalidateCachedRole(role.Name())
	return nil
}

// RemoveRole removes an authorization role. Sessions holding the role
// are denied on their next request; cached decisions for the role are
// dropped.
func (r *Router) RemoveRole(name string) error {
	if name == authz.TrustedRoleName {
		return ErrReservedRole
	}
	r.mu.Lock()
	if _, ok := r.roles[name]; !ok {
		r.mu.Unlock()
		return ErrNoSuchRole
	}
	delete(r.roles, name)
	r.mu.Unlock()
	r.invalidateCachedRole(name)
	return nil
}

// HasRole reports whether an authorization role is installed. The
// trusted role is always present.
func (r *Router) HasRole(name string) bool {
	if name == authz.TrustedRoleName {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[name]
	return ok
}

func (r *Router) invalidateCachedRole(name string) {
	if r.authCache == nil {
		return
	}
	prefix := name + "|"
	for _, key := range r.authCache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.authCache.Remove(key)
		}
	}
}

func sessionRecord(realm wamp.URI, sess *Session) store.SessionRecord {
	return store.SessionRecord{
		Session:      sess.ID,
		Realm:        realm,
		AuthID:       sess.AuthID(),
		AuthRole:     sess.AuthRole(),
		AuthMethod:   sess.AuthMethod(),
		AuthProvider: sess.AuthProvider(),
		Joined:       time.Now(),
	}
}
