package router

import "github.com/gammazero/nexus/v3/wamp"

// Meta-API wire names. These are fixed by the protocol; clients and rlink
// bridges depend on them verbatim.
const (
	metaProcSessionCount            = wamp.URI("wamp.session.count")
	metaProcSessionList             = wamp.URI("wamp.session.list")
	metaProcSessionGet              = wamp.URI("wamp.session.get")
	metaProcSessionKill             = wamp.URI("wamp.session.kill")
	metaProcSessionKillByAuthid     = wamp.URI("wamp.session.kill_by_authid")
	metaProcSessionKillByAuthrole   = wamp.URI("wamp.session.kill_by_authrole")
	metaProcSessionAddTestament     = wamp.URI("wamp.session.add_testament")
	metaProcSessionFlushTestaments  = wamp.URI("wamp.session.flush_testaments")
	metaProcRegList                 = wamp.URI("wamp.registration.list")
	metaProcRegLookup               = wamp.URI("wamp.registration.lookup")
	metaProcRegMatch                = wamp.URI("wamp.registration.match")
	metaProcRegGet                  = wamp.URI("wamp.registration.get")
	metaProcRegListCallees          = wamp.URI("wamp.registration.list_callees")
	metaProcRegCountCallees         = wamp.URI("wamp.registration.count_callees")
	metaProcRegRemoveCallee         = wamp.URI("wamp.registration.remove_callee")
	metaProcSubList                 = wamp.URI("wamp.subscription.list")
	metaProcSubLookup               = wamp.URI("wamp.subscription.lookup")
	metaProcSubMatch                = wamp.URI("wamp.subscription.match")
	metaProcSubGet                  = wamp.URI("wamp.subscription.get")
	metaProcSubListSubscribers      = wamp.URI("wamp.subscription.list_subscribers")
	metaProcSubCountSubscribers     = wamp.URI("wamp.subscription.count_subscribers")
	metaProcSubGetEvents            = wamp.URI("wamp.subscription.get_events")
	metaProcSubRemoveSubscriber     = wamp.URI("wamp.subscription.remove_subscriber")
)

const (
	metaEventSessionOnJoin      = wamp.URI("wamp.session.on_join")
	metaEventSessionOnLeave     = wamp.URI("wamp.session.on_leave")
	metaEventRegOnCreate        = wamp.URI("wamp.registration.on_create")
	metaEventRegOnRegister      = wamp.URI("wamp.registration.on_register")
	metaEventRegOnUnregister    = wamp.URI("wamp.registration.on_unregister")
	metaEventRegOnDelete        = wamp.URI("wamp.registration.on_delete")
	metaEventSubOnCreate        = wamp.URI("wamp.subscription.on_create")
	metaEventSubOnSubscribe     = wamp.URI("wamp.subscription.on_subscribe")
	metaEventSubOnUnsubscribe   = wamp.URI("wamp.subscription.on_unsubscribe")
	metaEventSubOnDelete        = wamp.URI("wamp.subscription.on_delete")
)
