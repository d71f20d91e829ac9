package router

import (
	"context"
	"strings"
	"time"

	"github.com/gammazero/nexus/v3/transport"
	"github.com/gammazero/nexus/v3/wamp"

	"github.com/wampmesh/wampmesh/internal/peerclient"
)

// serviceAgent is the router's own session in the realm. It provides the
// WAMP meta API: session introspection and kill, registration and
// subscription queries, event history, and testaments.
type serviceAgent struct {
	r      *Router
	client *peerclient.Client
}

func startServiceAgent(r *Router) (*serviceAgent, error) {
	clientSide, routerSide := transport.LinkedPeers()

	sess, err := r.Attach(routerSide, wamp.Dict{
		"authid":     "router",
		"authrole":   "trusted",
		"authmethod": "internal",
	})
	if err != nil {
		return nil, err
	}
	r.dealer.setMetaSession(sess.ID)
	r.Send(sess, &wamp.Welcome{ID: sess.ID, Details: r.welcomeDetails(sess)})
	go r.serve(sess)

	client, err := peerclient.New(clientSide, 5*time.Second)
	if err != nil {
		return nil, err
	}

	a := &serviceAgent{r: r, client: client}
	if err := a.registerAll(); err != nil {
		client.Close()
		return nil, err
	}
	return a, nil
}

func (a *serviceAgent) close() {
	a.client.Close()
}

func (a *serviceAgent) procedures() map[wamp.URI]peerclient.InvocationHandler {
	return map[wamp.URI]peerclient.InvocationHandler{
		metaProcSessionCount:           a.sessionCount,
		metaProcSessionList:            a.sessionList,
		metaProcSessionGet:             a.sessionGet,
		metaProcSessionKill:            a.sessionKill,
		metaProcSessionKillByAuthid:    a.sessionKillByAuthid,
		metaProcSessionKillByAuthrole:  a.sessionKillByAuthrole,
		metaProcSessionAddTestament:    a.addTestament,
		metaProcSessionFlushTestaments: a.flushTestaments,

		metaProcRegList:         a.regList,
		metaProcRegLookup:       a.regLookup,
		metaProcRegMatch:        a.regMatch,
		metaProcRegGet:          a.regGet,
		metaProcRegListCallees:  a.regListCallees,
		metaProcRegCountCallees: a.regCountCallees,
		metaProcRegRemoveCallee: a.regRemoveCallee,

		metaProcSubList:             a.subList,
		metaProcSubLookup:           a.subLookup,
		metaProcSubMatch:            a.subMatch,
		metaProcSubGet:              a.subGet,
		metaProcSubListSubscribers:  a.subListSubscribers,
		metaProcSubCountSubscribers: a.subCountSubscribers,
		metaProcSubGetEvents:        a.subGetEvents,
		metaProcSubRemoveSubscriber: a.subRemoveSubscriber,
	}
}

func (a *serviceAgent) registerAll() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	options := wamp.Dict{wamp.OptDiscloseCaller: true}
	for proc, handler := range a.procedures() {
		if _, err := a.client.Register(ctx, proc, options, handler); err != nil {
			return err
		}
	}
	return nil
}

// BridgeMetaAPI registers the realm's meta procedures a second time on
// target, typically a session in a node-local management realm. Each
// wamp.* name is prefixed and transliterated with dots replaced by
// dashes, so "wamp.session.count" under prefix "local.mgmt.realm1"
// becomes "local.mgmt.realm1.wamp-session-count". Management sessions
// cannot reach the literal wamp.* tree over the network, so this is the
// supported way to expose a realm's introspection remotely.
func (r *Router) BridgeMetaAPI(ctx context.Context, target *peerclient.Client, prefix string) error {
	options := wamp.Dict{wamp.OptDiscloseCaller: true}
	for proc, handler := range r.agent.procedures() {
		bridged := wamp.URI(prefix + "." + strings.ReplaceAll(string(proc), ".", "-"))
		if _, err := target.Register(ctx, bridged, options, handler); err != nil {
			return err
		}
	}
	return nil
}

// visibleSessions snapshots attached sessions, hiding restricted ones.
func (a *serviceAgent) visibleSessions() []*Session {
	a.r.mu.RLock()
	defer a.r.mu.RUnlock()
	out := make([]*Session, 0, len(a.r.sessions))
	for _, sess := range a.r.sessions {
		if sess.restricted() {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// roleFilter parses the optional filter_authroles argument.
func roleFilter(inv *wamp.Invocation) map[string]struct{} {
	if len(inv.Arguments) == 0 {
		return nil
	}
	list, ok := wamp.AsList(inv.Arguments[0])
	if !ok {
		return nil
	}
	filter := make(map[string]struct{}, len(list))
	for _, v := range list {
		if s, ok := wamp.AsString(v); ok {
			filter[s] = struct{}{}
		}
	}
	return filter
}

func errResult(reason wamp.URI, args ...any) peerclient.InvokeResult {
	return peerclient.InvokeResult{Err: reason, Args: wamp.List(args)}
}

// protectedURI reports whether introspection about the URI must be
// refused. Protected trees stay invisible through the meta API, whether
// the caller names the URI directly or reaches it through an
// observation id.
func (a *serviceAgent) protectedURI(uri wamp.URI) bool {
	return isProtected(uri, a.r.cfg.ProtectedURIs)
}

func argID(inv *wamp.Invocation, i int) (wamp.ID, bool) {
	if len(inv.Arguments) <= i {
		return 0, false
	}
	return wamp.AsID(inv.Arguments[i])
}

func argURI(inv *wamp.Invocation, i int) (wamp.URI, bool) {
	if len(inv.Arguments) <= i {
		return "", false
	}
	return wamp.AsURI(inv.Arguments[i])
}

func callerSession(r *Router, inv *wamp.Invocation) *Session {
	id, ok := wamp.AsID(inv.Details["caller"])
	if !ok {
		return nil
	}
	return r.session(id)
}

// ---- session meta procedures ----

func (a *serviceAgent) sessionCount(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	filter := roleFilter(inv)
	count := 0
	for _, sess := range a.visibleSessions() {
		if filter != nil {
			if _, ok := filter[sess.AuthRole()]; !ok {
				continue
			}
		}
		count++
	}
	return peerclient.InvokeResult{Args: wamp.List{count}}
}

func (a *serviceAgent) sessionList(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	filter := roleFilter(inv)
	ids := wamp.List{}
	for _, sess := range a.visibleSessions() {
		if filter != nil {
			if _, ok := filter[sess.AuthRole()]; !ok {
				continue
			}
		}
		ids = append(ids, sess.ID)
	}
	return peerclient.InvokeResult{Args: wamp.List{ids}}
}

func (a *serviceAgent) sessionGet(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	id, ok := argID(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "session id required")
	}
	sess := a.r.session(id)
	if sess == nil || sess.restricted() {
		return errResult(wamp.ErrNoSuchSession)
	}
	return peerclient.InvokeResult{Args: wamp.List{wamp.Dict{
		"session":      sess.ID,
		"authid":       sess.AuthID(),
		"authrole":     sess.AuthRole(),
		"authmethod":   sess.AuthMethod(),
		"authprovider": sess.AuthProvider(),
	}}}
}

func killDetails(inv *wamp.Invocation) (reason wamp.URI, message string) {
	reason, _ = wamp.AsURI(inv.ArgumentsKw["reason"])
	message, _ = wamp.AsString(inv.ArgumentsKw["message"])
	return reason, message
}

func (a *serviceAgent) sessionKill(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	id, ok := argID(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "session id required")
	}
	if caller := callerSession(a.r, inv); caller != nil && caller.ID == id {
		// A session cannot kill itself through the meta API.
		return errResult(wamp.ErrNoSuchSession)
	}
	reason, message := killDetails(inv)
	if err := a.r.Kill(id, reason, message); err != nil {
		return errResult(wamp.ErrNoSuchSession)
	}
	return peerclient.InvokeResult{}
}

func (a *serviceAgent) sessionKillByAuthid(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	if len(inv.Arguments) == 0 {
		return errResult(wamp.ErrInvalidArgument, "authid required")
	}
	authid, _ := wamp.AsString(inv.Arguments[0])
	reason, message := killDetails(inv)

	var callerID wamp.ID
	if caller := callerSession(a.r, inv); caller != nil {
		callerID = caller.ID
	}

	killed := wamp.List{}
	for _, sess := range a.visibleSessions() {
		if sess.AuthID() != authid || sess.ID == callerID {
			continue
		}
		if err := a.r.Kill(sess.ID, reason, message); err == nil {
			killed = append(killed, sess.ID)
		}
	}
	return peerclient.InvokeResult{Args: wamp.List{killed}}
}

func (a *serviceAgent) sessionKillByAuthrole(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	if len(inv.Arguments) == 0 {
		return errResult(wamp.ErrInvalidArgument, "authrole required")
	}
	authrole, _ := wamp.AsString(inv.Arguments[0])
	reason, message := killDetails(inv)

	var callerID wamp.ID
	if caller := callerSession(a.r, inv); caller != nil {
		callerID = caller.ID
	}

	count := 0
	for _, sess := range a.visibleSessions() {
		if sess.AuthRole() != authrole || sess.ID == callerID {
			continue
		}
		if err := a.r.Kill(sess.ID, reason, message); err == nil {
			count++
		}
	}
	return peerclient.InvokeResult{Args: wamp.List{count}}
}

func (a *serviceAgent) addTestament(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	caller := callerSession(a.r, inv)
	if caller == nil {
		return errResult(wamp.ErrNoSuchSession)
	}
	topic, ok := argURI(inv, 0)
	if !ok {
		return errResult(ErrTestamentError, "testament topic required")
	}
	var args wamp.List
	if len(inv.Arguments) > 1 {
		args, _ = wamp.AsList(inv.Arguments[1])
	}
	var kwargs wamp.Dict
	if len(inv.Arguments) > 2 {
		kwargs, _ = wamp.AsDict(inv.Arguments[2])
	}
	scope, _ := wamp.AsString(inv.ArgumentsKw["scope"])
	var options wamp.Dict
	if opts, ok := wamp.AsDict(inv.ArgumentsKw["publish_options"]); ok {
		options = opts
	}

	if err := a.r.AddTestament(caller, scope, topic, args, kwargs, options); err != nil {
		return errResult(ErrTestamentError, err.Error())
	}
	return peerclient.InvokeResult{}
}

func (a *serviceAgent) flushTestaments(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	caller := callerSession(a.r, inv)
	if caller == nil {
		return errResult(wamp.ErrNoSuchSession)
	}
	scope, _ := wamp.AsString(inv.ArgumentsKw["scope"])
	n, err := a.r.FlushTestaments(caller, scope)
	if err != nil {
		return errResult(ErrTestamentError, err.Error())
	}
	return peerclient.InvokeResult{Args: wamp.List{n}}
}

// ---- registration meta procedures ----

func idsDict(exact, prefix, wildcard []wamp.ID) wamp.Dict {
	toList := func(ids []wamp.ID) wamp.List {
		list := make(wamp.List, len(ids))
		for i, id := range ids {
			list[i] = id
		}
		return list
	}
	return wamp.Dict{
		wamp.MatchExact:    toList(exact),
		wamp.MatchPrefix:   toList(prefix),
		wamp.MatchWildcard: toList(wildcard),
	}
}

func observationDetails(obs *Observation, policy bool) wamp.Dict {
	d := wamp.Dict{
		"id":          obs.ID,
		"created":     obs.Created.UTC().Format(time.RFC3339),
		"uri":         obs.URI,
		wamp.OptMatch: obs.Match,
	}
	if policy {
		d[wamp.OptInvoke] = obs.Policy
	}
	return d
}

func (a *serviceAgent) regList(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	exact, prefix, wildcard := a.r.dealer.registrationLists()
	return peerclient.InvokeResult{Args: wamp.List{idsDict(exact, prefix, wildcard)}}
}

func (a *serviceAgent) regLookup(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	procedure, ok := argURI(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "procedure required")
	}
	if a.protectedURI(procedure) {
		return errResult(wamp.ErrNotAuthorized, "protected procedure")
	}
	match := wamp.MatchExact
	if opts, ok := wamp.AsDict(inv.ArgumentsKw["options"]); ok {
		if m, ok := wamp.AsString(opts[wamp.OptMatch]); ok && m != "" {
			match = m
		}
	}
	reg := a.r.dealer.lookupRegistration(procedure, match)
	if reg == nil {
		return peerclient.InvokeResult{Args: wamp.List{nil}}
	}
	return peerclient.InvokeResult{Args: wamp.List{reg.ID}}
}

func (a *serviceAgent) regMatch(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	procedure, ok := argURI(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "procedure required")
	}
	if a.protectedURI(procedure) {
		return errResult(wamp.ErrNotAuthorized, "protected procedure")
	}
	reg := a.r.dealer.matchRegistration(procedure)
	if reg == nil {
		return peerclient.InvokeResult{Args: wamp.List{nil}}
	}
	return peerclient.InvokeResult{Args: wamp.List{reg.ID}}
}

func (a *serviceAgent) regGet(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	id, ok := argID(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "registration id required")
	}
	reg := a.r.dealer.registrationByID(id)
	if reg == nil {
		return errResult(wamp.ErrNoSuchRegistration)
	}
	if a.protectedURI(reg.URI) {
		return errResult(wamp.ErrNotAuthorized, "protected procedure")
	}
	return peerclient.InvokeResult{Args: wamp.List{observationDetails(reg, true)}}
}

func (a *serviceAgent) regListCallees(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	id, ok := argID(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "registration id required")
	}
	reg := a.r.dealer.registrationByID(id)
	if reg == nil {
		return errResult(wamp.ErrNoSuchRegistration)
	}
	if a.protectedURI(reg.URI) {
		return errResult(wamp.ErrNotAuthorized, "protected procedure")
	}
	callees := wamp.List{}
	for _, sessID := range reg.Observers() {
		callees = append(callees, sessID)
	}
	return peerclient.InvokeResult{Args: wamp.List{callees}}
}

func (a *serviceAgent) regCountCallees(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	id, ok := argID(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "registration id required")
	}
	reg := a.r.dealer.registrationByID(id)
	if reg == nil {
		return errResult(wamp.ErrNoSuchRegistration)
	}
	if a.protectedURI(reg.URI) {
		return errResult(wamp.ErrNotAuthorized, "protected procedure")
	}
	return peerclient.InvokeResult{Args: wamp.List{len(reg.Observers())}}
}

func (a *serviceAgent) regRemoveCallee(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	regID, ok := argID(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "registration id required")
	}
	calleeID, ok := argID(inv, 1)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "callee session id required")
	}
	if reg := a.r.dealer.registrationByID(regID); reg != nil && a.protectedURI(reg.URI) {
		return errResult(wamp.ErrNotAuthorized, "protected procedure")
	}
	if !a.r.dealer.RemoveCallee(regID, calleeID) {
		return errResult(wamp.ErrNoSuchRegistration)
	}
	return peerclient.InvokeResult{}
}

// ---- subscription meta procedures ----

func (a *serviceAgent) subList(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	exact, prefix, wildcard := a.r.broker.subscriptionLists()
	return peerclient.InvokeResult{Args: wamp.List{idsDict(exact, prefix, wildcard)}}
}

func (a *serviceAgent) subLookup(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	topic, ok := argURI(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "topic required")
	}
	if a.protectedURI(topic) {
		return errResult(wamp.ErrNotAuthorized, "protected topic")
	}
	match := wamp.MatchExact
	if opts, ok := wamp.AsDict(inv.ArgumentsKw["options"]); ok {
		if m, ok := wamp.AsString(opts[wamp.OptMatch]); ok && m != "" {
			match = m
		}
	}
	sub := a.r.broker.lookupSubscription(topic, match)
	if sub == nil {
		return peerclient.InvokeResult{Args: wamp.List{nil}}
	}
	return peerclient.InvokeResult{Args: wamp.List{sub.ID}}
}

func (a *serviceAgent) subMatch(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	topic, ok := argURI(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "topic required")
	}
	if a.protectedURI(topic) {
		return errResult(wamp.ErrNotAuthorized, "protected topic")
	}
	ids := a.r.broker.matchSubscriptions(topic)
	list := wamp.List{}
	for _, id := range ids {
		list = append(list, id)
	}
	return peerclient.InvokeResult{Args: wamp.List{list}}
}

func (a *serviceAgent) subGet(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	id, ok := argID(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "subscription id required")
	}
	sub := a.r.broker.subscriptionByID(id)
	if sub == nil {
		return errResult(wamp.ErrNoSuchSubscription)
	}
	if a.protectedURI(sub.URI) {
		return errResult(wamp.ErrNotAuthorized, "protected topic")
	}
	return peerclient.InvokeResult{Args: wamp.List{observationDetails(sub, false)}}
}

func (a *serviceAgent) subListSubscribers(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	id, ok := argID(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "subscription id required")
	}
	sub := a.r.broker.subscriptionByID(id)
	if sub == nil {
		return errResult(wamp.ErrNoSuchSubscription)
	}
	if a.protectedURI(sub.URI) {
		return errResult(wamp.ErrNotAuthorized, "protected topic")
	}
	subscribers := wamp.List{}
	for _, sessID := range sub.Observers() {
		subscribers = append(subscribers, sessID)
	}
	return peerclient.InvokeResult{Args: wamp.List{subscribers}}
}

func (a *serviceAgent) subCountSubscribers(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	id, ok := argID(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "subscription id required")
	}
	sub := a.r.broker.subscriptionByID(id)
	if sub == nil {
		return errResult(wamp.ErrNoSuchSubscription)
	}
	if a.protectedURI(sub.URI) {
		return errResult(wamp.ErrNotAuthorized, "protected topic")
	}
	return peerclient.InvokeResult{Args: wamp.List{len(sub.Observers())}}
}

func (a *serviceAgent) subGetEvents(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	id, ok := argID(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "subscription id required")
	}
	sub := a.r.broker.subscriptionByID(id)
	if sub == nil {
		return errResult(wamp.ErrNoSuchSubscription)
	}
	if a.protectedURI(sub.URI) {
		return errResult(wamp.ErrNotAuthorized, "protected topic")
	}
	if a.r.cfg.History == nil {
		return errResult(ErrHistoryUnavailable)
	}
	limit := 0
	if v, ok := wamp.AsInt64(inv.ArgumentsKw["limit"]); ok {
		limit = int(v)
	} else if v, ok := argID(inv, 1); ok {
		limit = int(v)
	}
	events, err := a.r.cfg.History.Events(ctx, id, limit)
	if err != nil {
		return errResult(ErrHistoryUnavailable, err.Error())
	}
	list := wamp.List{}
	for _, ev := range events {
		list = append(list, ev.Dict())
	}
	return peerclient.InvokeResult{Args: wamp.List{list}}
}

func (a *serviceAgent) subRemoveSubscriber(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
	subID, ok := argID(inv, 0)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "subscription id required")
	}
	sessID, ok := argID(inv, 1)
	if !ok {
		return errResult(wamp.ErrInvalidArgument, "subscriber session id required")
	}
	if sub := a.r.broker.subscriptionByID(subID); sub != nil && a.protectedURI(sub.URI) {
		return errResult(wamp.ErrNotAuthorized, "protected topic")
	}
	if !a.r.broker.RemoveSubscriber(subID, sessID) {
		return errResult(wamp.ErrNoSuchSubscription)
	}
	return peerclient.InvokeResult{}
}
