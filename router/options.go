package router

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wampmesh/wampmesh/authz"
	"github.com/wampmesh/wampmesh/history"
	"github.com/wampmesh/wampmesh/inventory"
	"github.com/wampmesh/wampmesh/store"
	"github.com/wampmesh/wampmesh/trace"
)

// RealmConfig describes one realm hosted by a Router.
type RealmConfig struct {
	// URI names the realm.
	URI wamp.URI

	// StrictURI enforces the strict URI grammar on all routed URIs.
	StrictURI bool

	// AllowDisclose permits publishers and callers to request identity
	// disclosure via disclose_me.
	AllowDisclose bool

	// DisableAutoDiscloseTrusted stops the realm from disclosing caller
	// and publisher identity for sessions holding the trusted authrole.
	// By default trusted identity is disclosed even without disclose_me.
	DisableAutoDiscloseTrusted bool

	// ProtectedURIs lists URI prefixes, beyond the reserved wamp. tree,
	// that plain sessions may not register or subscribe under.
	ProtectedURIs []wamp.URI

	// Roles holds the authorization roles known to the realm, keyed by
	// session authrole at runtime. A session whose authrole has no
	// matching entry is denied everything.
	Roles []authz.Role

	// Store, when set, receives session lifecycle records.
	Store store.RealmStore

	// History, when set, retains published events per subscription for
	// the wamp.subscription.get_events meta procedure.
	History history.Store

	// HistoryLimit caps the number of retained events per subscription.
	HistoryLimit int

	// Inventory, when set, validates payloads of calls and publishes to
	// URIs that have a registered payload schema.
	Inventory inventory.Inventory
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the Router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock substitutes the clock used for call timeouts. Tests use a
// mock clock to exercise timeout paths deterministically.
func WithClock(c clock.Clock) Option {
	return func(r *Router) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithMetrics registers the router's message and session metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Router) {
		r.metricsReg = reg
	}
}

// WithTracer attaches a message tracer observing routed traffic.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) {
		r.tracer = t
	}
}

// WithIdleNotify sets a callback invoked when the last normal session
// detaches from the realm. Restricted sessions, including the realm's
// own service agent, do not keep a realm busy.
func WithIdleNotify(fn func()) Option {
	return func(r *Router) {
		r.onIdle = fn
	}
}

// WithAuthCacheSize sets the capacity of the authorization decision
// cache. Zero disables caching.
func WithAuthCacheSize(n int) Option {
	return func(r *Router) {
		r.authCacheSize = n
	}
}
