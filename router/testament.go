package router

import (
	"fmt"

	"github.com/gammazero/nexus/v3/wamp"
)

// Testament scopes. Detached testaments fire before the dealer and
// broker forget the session, destroyed testaments after.
const (
	scopeDetached  = "detached"
	scopeDestroyed = "destroyed"
)

// testament is a publish held back until its owner leaves the realm.
type testament struct {
	topic   wamp.URI
	args    wamp.List
	kwargs  wamp.Dict
	options wamp.Dict
}

type sessionTestaments struct {
	detached  []testament
	destroyed []testament
}

// AddTestament stores a publish to be emitted on the session's behalf
// when it detaches. scope must be "detached" or "destroyed"; empty
// defaults to destroyed.
func (r *Router) AddTestament(sess *Session, scope string, topic wamp.URI, args wamp.List, kwargs, options wamp.Dict) error {
	if !topic.ValidURI(r.cfg.StrictURI, "") {
		return fmt.Errorf("invalid testament topic %q", topic)
	}
	if isMetaURI(topic) {
		return fmt.Errorf("testament topic %q is reserved", topic)
	}

	t := testament{topic: topic, args: args, kwargs: kwargs, options: options}

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.testaments[sess.ID]
	if st == nil {
		st = &sessionTestaments{}
		r.testaments[sess.ID] = st
	}
	switch scope {
	case scopeDetached:
		st.detached = append(st.detached, t)
	case scopeDestroyed, "":
		st.destroyed = append(st.destroyed, t)
	default:
		return fmt.Errorf("invalid testament scope %q", scope)
	}
	return nil
}

// FlushTestaments discards the session's testaments in the given scope.
// It returns the number discarded.
func (r *Router) FlushTestaments(sess *Session, scope string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.testaments[sess.ID]
	if st == nil {
		return 0, nil
	}
	var n int
	switch scope {
	case scopeDetached:
		n = len(st.detached)
		st.detached = nil
	case scopeDestroyed, "":
		n = len(st.destroyed)
		st.destroyed = nil
	default:
		return 0, fmt.Errorf("invalid testament scope %q", scope)
	}
	if len(st.detached) == 0 && len(st.destroyed) == 0 {
		delete(r.testaments, sess.ID)
	}
	return n, nil
}

// publishTestaments emits one scope of the session's testaments during
// detach.
func (r *Router) publishTestaments(sess *Session, list []testament) {
	for _, t := range list {
		options := wamp.Dict{}
		for k, v := range t.options {
			options[k] = v
		}
		r.broker.Publish(sess, &wamp.Publish{
			Request:     wamp.GlobalID(),
			Topic:       t.topic,
			Options:     options,
			Arguments:   t.args,
			ArgumentsKw: t.kwargs,
		}, false)
	}
}
