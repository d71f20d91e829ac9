package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/gammazero/nexus/v3/wamp"

	"github.com/wampmesh/wampmesh/history"
)

// Broker routes publish/subscribe traffic for one realm. All mutable state
// is confined to the dispatch goroutine fed by actionChan; entry points
// validate on the caller's goroutine and hand the mutation off, so
// messages from one session stay ordered while sessions interleave.
type Broker struct {
	subs *observationMap

	lookup func(wamp.ID) *Session
	send   func(*Session, wamp.Message)

	hist      history.Store
	histLimit int

	actionChan chan func()

	strictURI     bool
	allowDisclose bool

	log *slog.Logger
}

func newBroker(lookup func(wamp.ID) *Session, send func(*Session, wamp.Message), strictURI, allowDisclose bool, hist history.Store, histLimit int, log *slog.Logger) *Broker {
	b := &Broker{
		subs:          newObservationMap(),
		lookup:        lookup,
		send:          send,
		hist:          hist,
		histLimit:     histLimit,
		actionChan:    make(chan func()),
		strictURI:     strictURI,
		allowDisclose: allowDisclose,
		log:           log,
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	for action := range b.actionChan {
		action()
	}
}

func (b *Broker) close() {
	close(b.actionChan)
}

// Features returns the feature dict advertised for the "broker" role.
func (b *Broker) Features() wamp.Dict {
	return brokerFeatures
}

// Subscribe adds the session as a subscriber of msg.Topic for the match
// policy in options, creating the subscription if it is the first.
func (b *Broker) Subscribe(sess *Session, msg *wamp.Subscribe) {
	match, _ := wamp.AsString(msg.Options[wamp.OptMatch])
	if !msg.Topic.ValidURI(b.strictURI, match) {
		b.send(sess, &wamp.Error{
			Type:      msg.MessageType(),
			Request:   msg.Request,
			Error:     wamp.ErrInvalidURI,
			Details:   wamp.Dict{},
			Arguments: wamp.List{string("invalid topic URI " + msg.Topic)},
		})
		return
	}
	b.actionChan <- func() {
		b.subscribe(sess, msg, match)
	}
}

func (b *Broker) subscribe(sess *Session, msg *wamp.Subscribe, match string) {
	sub, created := b.subs.add(msg.Topic, match, sess.ID)

	b.send(sess, &wamp.Subscribed{Request: msg.Request, Subscription: sub.ID})

	if isMetaURI(msg.Topic) {
		// Subscribing to the meta tree is allowed, but subscription
		// changes on it never generate further meta events.
		return
	}
	if created {
		b.metaPublish(metaEventSubOnCreate, wamp.List{sess.ID, wamp.Dict{
			"id":          sub.ID,
			"created":     wamp.NowISO8601(),
			"uri":         sub.URI,
			wamp.OptMatch: sub.Match,
		}})
	}
	b.metaPublish(metaEventSubOnSubscribe, wamp.List{sess.ID, sub.ID})
}

// Unsubscribe removes the session from the subscription named in the
// request.
func (b *Broker) Unsubscribe(sess *Session, msg *wamp.Unsubscribe) {
	b.actionChan <- func() {
		sub := b.subs.lookup(msg.Subscription)
		if sub == nil || !sub.HasObserver(sess.ID) {
			b.send(sess, &wamp.Error{
				Type:    msg.MessageType(),
				Request: msg.Request,
				Details: wamp.Dict{},
				Error:   wamp.ErrNoSuchSubscription,
			})
			return
		}
		subID := sub.ID
		meta := !isMetaURI(sub.URI)
		_, deleted := b.subs.removeObserver(sub, sess.ID)
		b.send(sess, &wamp.Unsubscribed{Request: msg.Request})
		if meta {
			b.metaPublish(metaEventSubOnUnsubscribe, wamp.List{sess.ID, subID})
			if deleted {
				b.metaPublish(metaEventSubOnDelete, wamp.List{sess.ID, subID})
				b.cutHistory(subID)
			}
		} else if deleted {
			b.cutHistory(subID)
		}
	}
}

// Publish fans out an event to every matching subscription, applying the
// exclusion and eligibility filters from the publish options. disclose
// reports the authorization outcome for publisher identification.
func (b *Broker) Publish(sess *Session, msg *wamp.Publish, disclose bool) {
	if !msg.Topic.ValidURI(b.strictURI, "") {
		if acknowledge, _ := msg.Options[optAcknowledge].(bool); acknowledge {
			b.send(sess, &wamp.Error{
				Type:      msg.MessageType(),
				Request:   msg.Request,
				Error:     wamp.ErrInvalidURI,
				Details:   wamp.Dict{},
				Arguments: wamp.List{string("invalid topic URI " + msg.Topic)},
			})
		}
		return
	}

	// disclose_me requires the broker's consent unless the publisher is
	// trusted.
	if opt, _ := msg.Options[wamp.OptDiscloseMe].(bool); opt {
		if !b.allowDisclose && sess.AuthRole() != "trusted" {
			if acknowledge, _ := msg.Options[optAcknowledge].(bool); acknowledge {
				b.send(sess, &wamp.Error{
					Type:    msg.MessageType(),
					Request: msg.Request,
					Details: wamp.Dict{},
					Error:   wamp.ErrOptionDisallowedDiscloseMe,
				})
			}
			return
		}
		disclose = true
	}

	pubID := wamp.GlobalID()
	b.actionChan <- func() {
		b.publish(sess, msg, pubID, disclose)
	}
}

func (b *Broker) publish(sess *Session, msg *wamp.Publish, pubID wamp.ID, disclose bool) {
	excludePublisher := true
	if exclude, ok := msg.Options[optExcludeMe].(bool); ok {
		excludePublisher = exclude
	}

	for _, sub := range b.subs.matchAll(msg.Topic) {
		details := wamp.Dict{}
		if sub.Match != wamp.MatchExact {
			details["topic"] = msg.Topic
		}
		if disclose {
			details["publisher"] = sess.ID
			if authid := sess.AuthID(); authid != "" {
				details["publisher_authid"] = authid
			}
			if authrole := sess.AuthRole(); authrole != "" {
				details["publisher_authrole"] = authrole
			}
		}
		if ff, ok := msg.Options[optForwardFor]; ok {
			details[optForwardFor] = ff
		}

		for _, subscriberID := range sub.Observers() {
			if excludePublisher && subscriberID == sess.ID {
				continue
			}
			subscriber := b.lookup(subscriberID)
			if subscriber == nil {
				continue
			}
			if !eligibleReceiver(subscriber, msg.Options) {
				continue
			}
			b.send(subscriber, &wamp.Event{
				Subscription: sub.ID,
				Publication:  pubID,
				Details:      details,
				Arguments:    msg.Arguments,
				ArgumentsKw:  msg.ArgumentsKw,
			})
		}

		b.recordHistory(sess, msg, sub.ID, pubID)
	}

	if acknowledge, _ := msg.Options[optAcknowledge].(bool); acknowledge {
		b.send(sess, &wamp.Published{Request: msg.Request, Publication: pubID})
	}
}

// eligibleReceiver applies the subscriber black/white listing options of a
// publish to one candidate receiver.
func eligibleReceiver(sess *Session, options wamp.Dict) bool {
	if list, ok := wamp.AsList(options[optExclude]); ok {
		for _, v := range list {
			if id, ok := wamp.AsID(v); ok && id == sess.ID {
				return false
			}
		}
	}
	if list, ok := wamp.AsList(options[optExcludeAuthid]); ok {
		authid := sess.AuthID()
		for _, v := range list {
			if s, ok := wamp.AsString(v); ok && s == authid {
				return false
			}
		}
	}
	if list, ok := wamp.AsList(options[optExcludeAuthrole]); ok {
		authrole := sess.AuthRole()
		for _, v := range list {
			if s, ok := wamp.AsString(v); ok && s == authrole {
				return false
			}
		}
	}
	if list, ok := wamp.AsList(options[optEligible]); ok && len(list) > 0 {
		eligible := false
		for _, v := range list {
			if id, ok := wamp.AsID(v); ok && id == sess.ID {
				eligible = true
				break
			}
		}
		if !eligible {
			return false
		}
	}
	if list, ok := wamp.AsList(options[optEligibleAuthid]); ok && len(list) > 0 {
		eligible := false
		authid := sess.AuthID()
		for _, v := range list {
			if s, ok := wamp.AsString(v); ok && s == authid {
				eligible = true
				break
			}
		}
		if !eligible {
			return false
		}
	}
	if list, ok := wamp.AsList(options[optEligibleAuthrole]); ok && len(list) > 0 {
		eligible := false
		authrole := sess.AuthRole()
		for _, v := range list {
			if s, ok := wamp.AsString(v); ok && s == authrole {
				eligible = true
				break
			}
		}
		if !eligible {
			return false
		}
	}
	return true
}

func (b *Broker) recordHistory(sess *Session, msg *wamp.Publish, subID, pubID wamp.ID) {
	if b.hist == nil || isMetaURI(msg.Topic) {
		return
	}
	ev := history.Event{
		Publication:       pubID,
		Topic:             msg.Topic,
		Publisher:         sess.ID,
		PublisherAuthID:   sess.AuthID(),
		PublisherAuthRole: sess.AuthRole(),
		Time:              time.Now(),
		Arguments:         msg.Arguments,
		ArgumentsKw:       msg.ArgumentsKw,
	}
	// History backends may block (Redis); never stall the dispatch loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.hist.Append(ctx, subID, ev); err != nil {
			b.log.Warn("event history append failed",
				"subscription", subID, "topic", msg.Topic, "err", err)
		}
	}()
}

func (b *Broker) cutHistory(subID wamp.ID) {
	if b.hist == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.hist.Cut(ctx, subID); err != nil {
			b.log.Warn("event history cut failed", "subscription", subID, "err", err)
		}
	}()
}

// metaPublish emits a meta event originating from the router itself. It
// must only be invoked from the dispatch goroutine.
func (b *Broker) metaPublish(topic wamp.URI, args wamp.List) {
	pubID := wamp.GlobalID()
	for _, sub := range b.subs.matchAll(topic) {
		details := wamp.Dict{}
		if sub.Match != wamp.MatchExact {
			details["topic"] = topic
		}
		for _, subscriberID := range sub.Observers() {
			subscriber := b.lookup(subscriberID)
			if subscriber == nil {
				continue
			}
			b.send(subscriber, &wamp.Event{
				Subscription: sub.ID,
				Publication:  pubID,
				Details:      details,
				Arguments:    args,
			})
		}
	}
}

// MetaPublish emits a meta event from outside the dispatch goroutine. The
// dealer and router use it for registration and session meta events.
func (b *Broker) MetaPublish(topic wamp.URI, args wamp.List) {
	b.actionChan <- func() {
		b.metaPublish(topic, args)
	}
}

// RemoveSession removes every subscription held by the session, firing
// on_unsubscribe/on_delete meta events for each.
func (b *Broker) RemoveSession(sess *Session) {
	done := make(chan struct{})
	b.actionChan <- func() {
		defer close(done)
		for _, subID := range b.subs.forSession(sess.ID) {
			sub := b.subs.lookup(subID)
			if sub == nil {
				continue
			}
			meta := !isMetaURI(sub.URI)
			_, deleted := b.subs.removeObserver(sub, sess.ID)
			if meta {
				b.metaPublish(metaEventSubOnUnsubscribe, wamp.List{sess.ID, subID})
				if deleted {
					b.metaPublish(metaEventSubOnDelete, wamp.List{sess.ID, subID})
				}
			}
			if deleted {
				b.cutHistory(subID)
			}
		}
	}
	<-done
}

// RemoveSubscriber force-removes one subscriber from one subscription
// without touching other subscribers. The removed session receives an
// unsolicited Unsubscribed (request 0). Removing an already-removed
// subscriber is a no-op.
func (b *Broker) RemoveSubscriber(subID, sessID wamp.ID) bool {
	ok := make(chan bool, 1)
	b.actionChan <- func() {
		sub := b.subs.lookup(subID)
		if sub == nil {
			ok <- false
			return
		}
		removed, deleted := b.subs.removeObserver(sub, sessID)
		if !removed {
			ok <- true
			return
		}
		if sess := b.lookup(sessID); sess != nil {
			b.send(sess, &wamp.Unsubscribed{Request: 0})
		}
		if !isMetaURI(sub.URI) {
			b.metaPublish(metaEventSubOnUnsubscribe, wamp.List{sessID, subID})
			if deleted {
				b.metaPublish(metaEventSubOnDelete, wamp.List{sessID, subID})
			}
		}
		if deleted {
			b.cutHistory(subID)
		}
		ok <- true
	}
	return <-ok
}

// ---- introspection (synchronized reads for the meta API) ----

func (b *Broker) subscriptionLists() (exact, prefix, wildcard []wamp.ID) {
	sync := make(chan struct{})
	b.actionChan <- func() {
		for _, id := range b.subs.exact {
			exact = append(exact, id)
		}
		for _, id := range b.subs.prefix {
			prefix = append(prefix, id)
		}
		for _, id := range b.subs.wildcard {
			wildcard = append(wildcard, id)
		}
		close(sync)
	}
	<-sync
	return exact, prefix, wildcard
}

func (b *Broker) subscriptionByID(id wamp.ID) *Observation {
	sync := make(chan *Observation, 1)
	b.actionChan <- func() {
		sync <- snapshotObservation(b.subs.lookup(id))
	}
	return <-sync
}

func (b *Broker) lookupSubscription(uri wamp.URI, match string) *Observation {
	sync := make(chan *Observation, 1)
	b.actionChan <- func() {
		sync <- snapshotObservation(b.subs.get(uri, match))
	}
	return <-sync
}

func (b *Broker) matchSubscriptions(uri wamp.URI) []wamp.ID {
	sync := make(chan []wamp.ID, 1)
	b.actionChan <- func() {
		var ids []wamp.ID
		for _, sub := range b.subs.matchAll(uri) {
			ids = append(ids, sub.ID)
		}
		sync <- ids
	}
	return <-sync
}

// snapshotObservation copies an observation so readers outside the
// dispatch goroutine never alias live state.
func snapshotObservation(o *Observation) *Observation {
	if o == nil {
		return nil
	}
	cp := *o
	cp.observers = o.Observers()
	return &cp
}

// isMetaURI reports whether uri belongs to the reserved meta-API tree.
func isMetaURI(uri wamp.URI) bool {
	return len(uri) >= 5 && uri[:5] == "wamp."
}
