package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gammazero/nexus/v3/wamp"

	"github.com/wampmesh/wampmesh/internal/logctx"
)

// Factory owns the routers of a node, one per realm, and creates and
// retires them at runtime.
type Factory struct {
	mu      sync.RWMutex
	routers map[wamp.URI]*Router
	opts    []Option
	closed  bool
	idle    func(realm wamp.URI)

	log *slog.Logger
}

// NewFactory creates a Factory. opts are applied to every realm it
// starts, before any per-realm options.
func NewFactory(log *slog.Logger, opts ...Option) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{
		routers: map[wamp.URI]*Router{},
		opts:    append([]Option{WithLogger(log)}, opts...),
		log:     log,
	}
}

// SetIdleHandler installs a callback invoked whenever the last normal
// session detaches from one of the factory's realms. A supervisor can
// use it to retire realms nobody is attached to.
func (f *Factory) SetIdleHandler(fn func(realm wamp.URI)) {
	f.mu.Lock()
	f.idle = fn
	f.mu.Unlock()
}

func (f *Factory) realmIdle(realm wamp.URI) {
	f.mu.RLock()
	fn := f.idle
	f.mu.RUnlock()
	f.log.Debug("realm idle", "realm", realm)
	if fn != nil {
		fn(realm)
	}
}

// StartRealm creates and runs a router for cfg.URI.
func (f *Factory) StartRealm(cfg RealmConfig, opts ...Option) (*Router, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrRouterClosed
	}
	if _, ok := f.routers[cfg.URI]; ok {
		return nil, ErrRealmExists
	}

	realm := cfg.URI
	opts = append([]Option{WithIdleNotify(func() { f.realmIdle(realm) })}, opts...)
	r, err := NewRouter(cfg, append(f.opts, opts...)...)
	if err != nil {
		return nil, err
	}
	f.routers[cfg.URI] = r

	ctx := logctx.WithRealmData(context.Background(), &logctx.RealmData{URI: string(cfg.URI)})
	f.log.InfoContext(ctx, "realm added")
	return r, nil
}

// StopRealm closes the realm's router and removes it.
func (f *Factory) StopRealm(realm wamp.URI) error {
	f.mu.Lock()
	r, ok := f.routers[realm]
	delete(f.routers, realm)
	f.mu.Unlock()
	if !ok {
		return ErrNoSuchRealm
	}
	r.Close()

	ctx := logctx.WithRealmData(context.Background(), &logctx.RealmData{URI: string(realm)})
	f.log.InfoContext(ctx, "realm removed")
	return nil
}

// Router returns the router serving realm.
func (f *Factory) Router(realm wamp.URI) (*Router, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.routers[realm]
	if !ok {
		return nil, ErrNoSuchRealm
	}
	return r, nil
}

// HasRealm reports whether a router is serving realm.
func (f *Factory) HasRealm(realm wamp.URI) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.routers[realm]
	return ok
}

// Realms lists the currently running realms.
func (f *Factory) Realms() []wamp.URI {
	f.mu.RLock()
	defer f.mu.RUnlock()
	realms := make([]wamp.URI, 0, len(f.routers))
	for realm := range f.routers {
		realms = append(realms, realm)
	}
	return realms
}

// AttachClient attaches a peer to the named realm and serves it.
func (f *Factory) AttachClient(realm wamp.URI, peer wamp.Peer, details wamp.Dict) (*Session, error) {
	r, err := f.Router(realm)
	if err != nil {
		return nil, err
	}
	return r.AttachClient(peer, details)
}

// Close stops every realm.
func (f *Factory) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	routers := make([]*Router, 0, len(f.routers))
	for _, r := range f.routers {
		routers = append(routers, r)
	}
	f.routers = map[wamp.URI]*Router{}
	f.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
}
