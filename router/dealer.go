package router

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/nexus/v3/wamp"
)

// callKey identifies an outstanding call by its caller session and the
// caller-scoped request ID. Request IDs alone are not unique across
// sessions.
type callKey struct {
	caller  wamp.ID
	request wamp.ID
}

// invocation is the dealer-side state of one outstanding call.
type invocation struct {
	id          wamp.ID
	callKey     callKey
	callee      *Session
	regID       wamp.ID
	timer       *clock.Timer
	canceled    bool
	progressive bool
}

// Dealer routes calls to registered procedures for one realm. Like the
// Broker, all mutable state is owned by the dispatch goroutine.
type Dealer struct {
	regs *observationMap

	// Outstanding invocations by invocation request ID, and the index
	// from (caller, call request) to invocation ID used by CANCEL.
	invocations map[wamp.ID]*invocation
	calls       map[callKey]wamp.ID

	lookup  func(wamp.ID) *Session
	send    func(*Session, wamp.Message)
	metaPub func(wamp.URI, wamp.List)

	actionChan chan func()
	closed     chan struct{}

	idGen *wamp.IDGen
	prng  *rand.Rand
	clock clock.Clock

	metaSession wamp.ID

	strictURI     bool
	allowDisclose bool

	log *slog.Logger
}

func newDealer(lookup func(wamp.ID) *Session, send func(*Session, wamp.Message), metaPub func(wamp.URI, wamp.List), clk clock.Clock, strictURI, allowDisclose bool, log *slog.Logger) *Dealer {
	d := &Dealer{
		regs:          newObservationMap(),
		invocations:   map[wamp.ID]*invocation{},
		calls:         map[callKey]wamp.ID{},
		lookup:        lookup,
		send:          send,
		metaPub:       metaPub,
		actionChan:    make(chan func()),
		closed:        make(chan struct{}),
		idGen:         new(wamp.IDGen),
		prng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		clock:         clk,
		strictURI:     strictURI,
		allowDisclose: allowDisclose,
		log:           log,
	}
	go d.run()
	return d
}

func (d *Dealer) run() {
	for {
		select {
		case action := <-d.actionChan:
			action()
		case <-d.closed:
			return
		}
	}
}

// dispatch hands an action to the dispatch goroutine. It reports false
// once the dealer is closed, so timers firing during shutdown do not
// block or panic.
func (d *Dealer) dispatch(action func()) bool {
	select {
	case d.actionChan <- action:
		return true
	case <-d.closed:
		return false
	}
}

func (d *Dealer) close() {
	close(d.closed)
}

// Features returns the feature dict advertised for the "dealer" role.
func (d *Dealer) Features() wamp.Dict {
	return dealerFeatures
}

// setMetaSession marks the session permitted to register under the
// reserved wamp. URI tree. Called once before any client attaches.
func (d *Dealer) setMetaSession(id wamp.ID) {
	d.metaSession = id
}

// Register registers the session as a callee of msg.Procedure.
func (d *Dealer) Register(callee *Session, msg *wamp.Register) {
	match, _ := wamp.AsString(msg.Options[wamp.OptMatch])
	if !msg.Procedure.ValidURI(d.strictURI, match) {
		d.send(callee, &wamp.Error{
			Type:      msg.MessageType(),
			Request:   msg.Request,
			Error:     wamp.ErrInvalidURI,
			Details:   wamp.Dict{},
			Arguments: wamp.List{string("invalid procedure URI " + msg.Procedure)},
		})
		return
	}

	policy, _ := wamp.AsString(msg.Options[wamp.OptInvoke])
	if policy == "" {
		policy = wamp.InvokeSingle
	}
	disclose, _ := msg.Options[wamp.OptDiscloseCaller].(bool)
	concurrency, _ := wamp.AsInt64(msg.Options[optConcurrency])
	force, _ := msg.Options[optForceReregister].(bool)

	d.dispatch(func() {
		d.register(callee, msg, match, policy, disclose, int(concurrency), force)
	})
}

func (d *Dealer) register(callee *Session, msg *wamp.Register, match, policy string, disclose bool, concurrency int, force bool) {
	wampURI := isMetaURI(msg.Procedure)
	if wampURI && callee.ID != d.metaSession {
		// Only the router's own service session may provide meta
		// procedures.
		d.send(callee, &wamp.Error{
			Type:      msg.MessageType(),
			Request:   msg.Request,
			Error:     wamp.ErrInvalidURI,
			Details:   wamp.Dict{},
			Arguments: wamp.List{string("register for reserved URI " + msg.Procedure)},
		})
		return
	}

	if existing := d.regs.get(msg.Procedure, match); existing != nil {
		if force {
			d.kickRegistrants(existing, wampURI)
		} else if existing.Policy == wamp.InvokeSingle {
			d.send(callee, &wamp.Error{
				Type:    msg.MessageType(),
				Request: msg.Request,
				Details: wamp.Dict{},
				Error:   wamp.ErrProcedureAlreadyExists,
			})
			return
		} else if existing.Policy != policy {
			// A shared registration is joined only with the policy it was
			// created with.
			d.send(callee, &wamp.Error{
				Type:    msg.MessageType(),
				Request: msg.Request,
				Details: wamp.Dict{},
				Error:   wamp.ErrProcedureAlreadyExists,
			})
			return
		}
	}

	reg, created := d.regs.add(msg.Procedure, match, callee.ID)
	if created {
		reg.Policy = policy
		reg.Disclose = disclose
		reg.MaxConcurrency = concurrency
	}

	d.send(callee, &wamp.Registered{Request: msg.Request, Registration: reg.ID})

	if wampURI {
		return
	}
	if created {
		d.metaPub(metaEventRegOnCreate, wamp.List{callee.ID, wamp.Dict{
			"id":           reg.ID,
			"created":      wamp.NowISO8601(),
			"uri":          reg.URI,
			wamp.OptMatch:  reg.Match,
			wamp.OptInvoke: reg.Policy,
		}})
	}
	d.metaPub(metaEventRegOnRegister, wamp.List{callee.ID, reg.ID})
}

// kickRegistrants removes every callee of a registration and deletes it,
// notifying each removed callee with an unsolicited UNREGISTERED.
func (d *Dealer) kickRegistrants(reg *Observation, wampURI bool) {
	regID := reg.ID
	for _, sessID := range reg.Observers() {
		d.regs.removeObserver(reg, sessID)
		if sess := d.lookup(sessID); sess != nil {
			d.send(sess, &wamp.Unregistered{Request: 0})
		}
		if !wampURI {
			d.metaPub(metaEventRegOnUnregister, wamp.List{sessID, regID})
		}
	}
	if !wampURI {
		d.metaPub(metaEventRegOnDelete, wamp.List{wamp.ID(0), regID})
	}
}

// Unregister removes the session from the registration named in the
// request.
func (d *Dealer) Unregister(callee *Session, msg *wamp.Unregister) {
	d.dispatch(func() {
		reg := d.regs.lookup(msg.Registration)
		if reg == nil || !reg.HasObserver(callee.ID) {
			d.send(callee, &wamp.Error{
				Type:    msg.MessageType(),
				Request: msg.Request,
				Details: wamp.Dict{},
				Error:   wamp.ErrNoSuchRegistration,
			})
			return
		}
		regID := reg.ID
		wampURI := isMetaURI(reg.URI)
		_, deleted := d.regs.removeObserver(reg, callee.ID)
		d.send(callee, &wamp.Unregistered{Request: msg.Request})
		if !wampURI {
			d.metaPub(metaEventRegOnUnregister, wamp.List{callee.ID, regID})
			if deleted {
				d.metaPub(metaEventRegOnDelete, wamp.List{callee.ID, regID})
			}
		}
	})
}

// Call routes a call to a registered callee. disclose carries the
// authorization outcome for caller identification.
func (d *Dealer) Call(caller *Session, msg *wamp.Call, disclose bool) {
	if !msg.Procedure.ValidURI(d.strictURI, "") {
		d.send(caller, &wamp.Error{
			Type:      msg.MessageType(),
			Request:   msg.Request,
			Error:     wamp.ErrInvalidURI,
			Details:   wamp.Dict{},
			Arguments: wamp.List{string("invalid procedure URI " + msg.Procedure)},
		})
		return
	}
	d.dispatch(func() {
		d.call(caller, msg, disclose)
	})
}

func (d *Dealer) call(caller *Session, msg *wamp.Call, disclose bool) {
	reg := d.regs.bestMatch(msg.Procedure)
	if reg == nil {
		d.send(caller, &wamp.Error{
			Type:    msg.MessageType(),
			Request: msg.Request,
			Details: wamp.Dict{},
			Error:   wamp.ErrNoSuchProcedure,
		})
		return
	}

	// Capacity is MaxConcurrency invocations per registered callee.
	if reg.MaxConcurrency > 0 && reg.active >= reg.MaxConcurrency*len(reg.observers) {
		d.send(caller, &wamp.Error{
			Type:      msg.MessageType(),
			Request:   msg.Request,
			Details:   wamp.Dict{},
			Error:     ErrNoAvailableCallee,
			Arguments: wamp.List{"all callees are at max concurrency"},
		})
		return
	}

	callee := d.selectCallee(reg)
	if callee == nil {
		d.send(caller, &wamp.Error{
			Type:    msg.MessageType(),
			Request: msg.Request,
			Details: wamp.Dict{},
			Error:   wamp.ErrNoSuchProcedure,
		})
		return
	}

	details := wamp.Dict{}

	if opt, _ := msg.Options[wamp.OptDiscloseMe].(bool); opt {
		if !d.allowDisclose && caller.AuthRole() != "trusted" {
			d.send(caller, &wamp.Error{
				Type:    msg.MessageType(),
				Request: msg.Request,
				Details: wamp.Dict{},
				Error:   wamp.ErrOptionDisallowedDiscloseMe,
			})
			return
		}
		disclose = true
	}
	if reg.Disclose {
		disclose = true
	}
	if disclose {
		details["caller"] = caller.ID
		if authid := caller.AuthID(); authid != "" {
			details["caller_authid"] = authid
		}
		if authrole := caller.AuthRole(); authrole != "" {
			details["caller_authrole"] = authrole
		}
	}

	progressive := false
	if opt, _ := msg.Options[wamp.OptReceiveProgress].(bool); opt {
		if callee.HasFeature(roleCallee, featureProgCallResults) {
			details[wamp.OptReceiveProgress] = true
			progressive = true
		}
	}

	if reg.Match != wamp.MatchExact {
		details[wamp.OptProcedure] = msg.Procedure
	}
	if ff, ok := msg.Options[optForwardFor]; ok {
		details[optForwardFor] = ff
	}

	inv := &invocation{
		id:          d.idGen.Next(),
		callKey:     callKey{caller: caller.ID, request: msg.Request},
		callee:      callee,
		regID:       reg.ID,
		progressive: progressive,
	}

	// A caller-supplied timeout is forwarded when the callee implements
	// call_timeout itself; otherwise the dealer enforces it.
	timeout, _ := wamp.AsInt64(msg.Options[wamp.OptTimeout])
	if timeout > 0 {
		if callee.HasFeature(roleCallee, featureCallTimeout) {
			details[wamp.OptTimeout] = timeout
		} else {
			invID := inv.id
			inv.timer = d.clock.AfterFunc(time.Duration(timeout)*time.Millisecond, func() {
				d.dispatch(func() {
					d.timeoutCall(invID)
				})
			})
		}
	}

	d.invocations[inv.id] = inv
	d.calls[inv.callKey] = inv.id
	reg.active++

	d.send(callee, &wamp.Invocation{
		Request:      inv.id,
		Registration: reg.ID,
		Details:      details,
		Arguments:    msg.Arguments,
		ArgumentsKw:  msg.ArgumentsKw,
	})
}

// selectCallee applies the registration's invocation policy, skipping
// registrants whose sessions are already gone.
func (d *Dealer) selectCallee(reg *Observation) *Session {
	n := len(reg.observers)
	if n == 0 {
		return nil
	}
	var start int
	switch reg.Policy {
	case wamp.InvokeRoundRobin:
		if reg.nextRR >= n {
			reg.nextRR = 0
		}
		start = reg.nextRR
		reg.nextRR++
	case wamp.InvokeRandom:
		start = int(d.prng.Int63n(int64(n)))
	case wamp.InvokeLast:
		start = n - 1
	default:
		// single and first both take the earliest registrant.
		start = 0
	}
	for i := 0; i < n; i++ {
		if sess := d.lookup(reg.observers[(start+i)%n]); sess != nil && !sess.isGone() {
			return sess
		}
	}
	return nil
}

// Cancel cancels an outstanding call owned by the caller. Modes kill and
// killnowait interrupt the callee when it supports call canceling; skip
// and unknown modes only detach the caller.
func (d *Dealer) Cancel(caller *Session, msg *wamp.Cancel) {
	mode, _ := wamp.AsString(msg.Options[wamp.OptMode])
	d.dispatch(func() {
		d.cancel(caller, msg.Request, mode, wamp.ErrCanceled)
	})
}

func (d *Dealer) cancel(caller *Session, request wamp.ID, mode string, reason wamp.URI) {
	key := callKey{caller: caller.ID, request: request}
	invID, ok := d.calls[key]
	if !ok {
		return
	}
	inv := d.invocations[invID]
	if inv.canceled {
		return
	}
	inv.canceled = true

	if mode == wamp.CancelModeKill || mode == wamp.CancelModeKillNoWait {
		if inv.callee.HasFeature(roleCallee, featureCallCanceling) {
			d.send(inv.callee, &wamp.Interrupt{
				Request: inv.id,
				Options: wamp.Dict{wamp.OptReason: reason, wamp.OptMode: mode},
			})
			if mode == wamp.CancelModeKill {
				// The callee's ERROR will answer the caller.
				return
			}
		}
	}

	d.endInvocation(inv)
	d.send(caller, &wamp.Error{
		Type:    wamp.CALL,
		Request: request,
		Details: wamp.Dict{},
		Error:   reason,
	})
}

// timeoutCall expires an outstanding call whose callee did not take over
// timeout handling.
func (d *Dealer) timeoutCall(invID wamp.ID) {
	inv, ok := d.invocations[invID]
	if !ok || inv.canceled {
		return
	}
	inv.canceled = true

	if inv.callee.HasFeature(roleCallee, featureCallCanceling) {
		d.send(inv.callee, &wamp.Interrupt{
			Request: inv.id,
			Options: wamp.Dict{wamp.OptReason: ErrTimeout, wamp.OptMode: wamp.CancelModeKillNoWait},
		})
	}

	// Only callers that support call_canceling expect a call to resolve
	// without a RESULT; for the rest the call stays pending client-side.
	caller := d.lookup(inv.callKey.caller)
	d.endInvocation(inv)
	if caller != nil && caller.HasFeature(roleCaller, featureCallCanceling) {
		d.send(caller, &wamp.Error{
			Type:      wamp.CALL,
			Request:   inv.callKey.request,
			Details:   wamp.Dict{},
			Error:     ErrTimeout,
			Arguments: wamp.List{"call timeout"},
		})
	}
}

// Yield forwards a call result from callee to caller. A YIELD for an
// invocation owned by a different callee is a protocol violation and
// aborts the offending session.
func (d *Dealer) Yield(callee *Session, msg *wamp.Yield) *ProtocolError {
	reply := make(chan *ProtocolError, 1)
	if !d.dispatch(func() {
		reply <- d.yield(callee, msg)
	}) {
		return nil
	}
	return <-reply
}

func (d *Dealer) yield(callee *Session, msg *wamp.Yield) *ProtocolError {
	progress, _ := msg.Options[wamp.OptProgress].(bool)

	inv, ok := d.invocations[msg.Request]
	if !ok {
		// Caller left or canceled. Interrupt still-running progressive
		// invocations; a normal YIELD is already final and is dropped.
		if progress && callee.HasFeature(roleCallee, featureCallCanceling) {
			d.send(callee, &wamp.Interrupt{
				Request: msg.Request,
				Options: wamp.Dict{wamp.OptMode: wamp.CancelModeKillNoWait},
			})
		}
		return nil
	}
	if inv.callee.ID != callee.ID {
		return protocolErr(wamp.YIELD, "YIELD for invocation owned by another session")
	}

	caller := d.lookup(inv.callKey.caller)
	if caller == nil {
		d.endInvocation(inv)
		return nil
	}

	details := wamp.Dict{}
	if progress && inv.progressive {
		details[wamp.OptProgress] = true
		d.send(caller, &wamp.Result{
			Request:     inv.callKey.request,
			Details:     details,
			Arguments:   msg.Arguments,
			ArgumentsKw: msg.ArgumentsKw,
		})
		return nil
	}

	d.endInvocation(inv)
	d.send(caller, &wamp.Result{
		Request:     inv.callKey.request,
		Details:     details,
		Arguments:   msg.Arguments,
		ArgumentsKw: msg.ArgumentsKw,
	})
	return nil
}

// Error forwards a call error from callee to caller.
func (d *Dealer) Error(callee *Session, msg *wamp.Error) *ProtocolError {
	reply := make(chan *ProtocolError, 1)
	if !d.dispatch(func() {
		reply <- d.invocationError(callee, msg)
	}) {
		return nil
	}
	return <-reply
}

func (d *Dealer) invocationError(callee *Session, msg *wamp.Error) *ProtocolError {
	inv, ok := d.invocations[msg.Request]
	if !ok {
		return nil
	}
	if inv.callee.ID != callee.ID {
		return protocolErr(wamp.ERROR, "ERROR for invocation owned by another session")
	}

	caller := d.lookup(inv.callKey.caller)
	d.endInvocation(inv)
	if caller == nil {
		return nil
	}
	d.send(caller, &wamp.Error{
		Type:        wamp.CALL,
		Request:     inv.callKey.request,
		Details:     msg.Details,
		Error:       msg.Error,
		Arguments:   msg.Arguments,
		ArgumentsKw: msg.ArgumentsKw,
	})
	return nil
}

// endInvocation retires an outstanding invocation, stopping its timeout
// timer and releasing its concurrency slot.
func (d *Dealer) endInvocation(inv *invocation) {
	delete(d.invocations, inv.id)
	delete(d.calls, inv.callKey)
	if inv.timer != nil {
		inv.timer.Stop()
	}
	if reg := d.regs.lookup(inv.regID); reg != nil && reg.active > 0 {
		reg.active--
	}
}

// RemoveSession removes the session's registrations and settles every
// outstanding call it is party to, on either side.
func (d *Dealer) RemoveSession(sess *Session) {
	done := make(chan struct{})
	if !d.dispatch(func() {
		defer close(done)
		d.removeSession(sess)
	}) {
		return
	}
	<-done
}

func (d *Dealer) removeSession(sess *Session) {
	for _, regID := range d.regs.forSession(sess.ID) {
		reg := d.regs.lookup(regID)
		if reg == nil {
			continue
		}
		wampURI := isMetaURI(reg.URI)
		_, deleted := d.regs.removeObserver(reg, sess.ID)
		if !wampURI {
			d.metaPub(metaEventRegOnUnregister, wamp.List{sess.ID, regID})
			if deleted {
				d.metaPub(metaEventRegOnDelete, wamp.List{sess.ID, regID})
			}
		}
	}

	for _, inv := range d.invocations {
		switch sess.ID {
		case inv.callee.ID:
			caller := d.lookup(inv.callKey.caller)
			d.endInvocation(inv)
			if caller != nil {
				d.send(caller, &wamp.Error{
					Type:      wamp.CALL,
					Request:   inv.callKey.request,
					Details:   wamp.Dict{},
					Error:     wamp.ErrCanceled,
					Arguments: wamp.List{"callee left realm"},
				})
			}
		case inv.callKey.caller:
			if inv.callee.HasFeature(roleCallee, featureCallCanceling) {
				d.send(inv.callee, &wamp.Interrupt{
					Request: inv.id,
					Options: wamp.Dict{wamp.OptMode: wamp.CancelModeKillNoWait},
				})
			}
			d.endInvocation(inv)
		}
	}
}

// RemoveCallee force-removes one callee from one registration. The
// removed session receives an unsolicited UNREGISTERED.
func (d *Dealer) RemoveCallee(regID, sessID wamp.ID) bool {
	ok := make(chan bool, 1)
	if !d.dispatch(func() {
		reg := d.regs.lookup(regID)
		if reg == nil {
			ok <- false
			return
		}
		removed, deleted := d.regs.removeObserver(reg, sessID)
		if !removed {
			ok <- true
			return
		}
		if sess := d.lookup(sessID); sess != nil {
			d.send(sess, &wamp.Unregistered{Request: 0})
		}
		if !isMetaURI(reg.URI) {
			d.metaPub(metaEventRegOnUnregister, wamp.List{sessID, regID})
			if deleted {
				d.metaPub(metaEventRegOnDelete, wamp.List{sessID, regID})
			}
		}
		ok <- true
	}) {
		return false
	}
	return <-ok
}

// ---- introspection (synchronized reads for the meta API) ----

func (d *Dealer) registrationLists() (exact, prefix, wildcard []wamp.ID) {
	sync := make(chan struct{})
	if !d.dispatch(func() {
		for _, id := range d.regs.exact {
			exact = append(exact, id)
		}
		for _, id := range d.regs.prefix {
			prefix = append(prefix, id)
		}
		for _, id := range d.regs.wildcard {
			wildcard = append(wildcard, id)
		}
		close(sync)
	}) {
		return nil, nil, nil
	}
	<-sync
	return exact, prefix, wildcard
}

func (d *Dealer) registrationByID(id wamp.ID) *Observation {
	sync := make(chan *Observation, 1)
	if !d.dispatch(func() {
		sync <- snapshotObservation(d.regs.lookup(id))
	}) {
		return nil
	}
	return <-sync
}

func (d *Dealer) lookupRegistration(uri wamp.URI, match string) *Observation {
	sync := make(chan *Observation, 1)
	if !d.dispatch(func() {
		sync <- snapshotObservation(d.regs.get(uri, match))
	}) {
		return nil
	}
	return <-sync
}

func (d *Dealer) matchRegistration(uri wamp.URI) *Observation {
	sync := make(chan *Observation, 1)
	if !d.dispatch(func() {
		sync <- snapshotObservation(d.regs.bestMatch(uri))
	}) {
		return nil
	}
	return <-sync
}
