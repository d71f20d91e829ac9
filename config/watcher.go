package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gammazero/nexus/v3/wamp"

	"github.com/wampmesh/wampmesh/rlink"
	"github.com/wampmesh/wampmesh/router"
)

// Watcher keeps a factory and link manager reconciled with the YAML
// document at a path. On every change it reloads the document and applies
// the difference: realms and links are started or stopped, and role grants
// of surviving realms are replaced in place.
type Watcher struct {
	path    string
	env     Env
	factory *router.Factory
	links   *rlink.Manager
	log     *slog.Logger

	current *Document
}

// NewWatcher builds a Watcher. Call Run to load the document and start
// watching.
func NewWatcher(path string, env Env, factory *router.Factory, links *rlink.Manager, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		path:    path,
		env:     env,
		factory: factory,
		links:   links,
		log:     log,
	}
}

// Run applies the document once, then blocks watching for changes until
// ctx is canceled. The initial load must succeed; later reload failures
// are logged and the previous document stays in force.
func (w *Watcher) Run(ctx context.Context) error {
	doc, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := w.Apply(doc); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	// Watch the directory, not the file: editors and config rollouts
	// replace the file, which drops a direct watch.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce rapid write bursts from atomic-replace writers.
			pending = time.After(250 * time.Millisecond)
		case <-pending:
			pending = nil
			doc, err := Load(w.path)
			if err != nil {
				w.log.ErrorContext(ctx, "config reload failed", "path", w.path, "err", err)
				continue
			}
			if err := w.Apply(doc); err != nil {
				w.log.ErrorContext(ctx, "config apply failed", "path", w.path, "err", err)
				continue
			}
			w.log.InfoContext(ctx, "config reloaded", "path", w.path)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "config watch error", "err", err)
		}
	}
}

// Apply reconciles the node with doc. It is also usable without Run for
// one-shot loading.
func (w *Watcher) Apply(doc *Document) error {
	prev := w.current

	prevRealms := map[string]Realm{}
	if prev != nil {
		for _, r := range prev.Realms {
			prevRealms[r.URI] = r
		}
	}
	nextRealms := map[string]Realm{}
	for _, r := range doc.Realms {
		nextRealms[r.URI] = r
	}

	// Stop links first so dropped realms are not torn down under them.
	if w.links != nil {
		prevLinks := map[string]rlink.Config{}
		if prev != nil {
			for _, l := range prev.Links {
				prevLinks[l.ID] = l
			}
		}
		nextLinks := map[string]rlink.Config{}
		for _, l := range doc.Links {
			nextLinks[l.ID] = l
		}
		for id, old := range prevLinks {
			next, keep := nextLinks[id]
			if keep && reflect.DeepEqual(old, next) {
				continue
			}
			if err := w.links.StopLink(id); err != nil && err != rlink.ErrNoSuchLink {
				return err
			}
		}
		defer func() {
			// Links start after realm reconciliation so a new link's realm
			// exists when it attaches.
			for id, next := range nextLinks {
				if old, had := prevLinks[id]; had && reflect.DeepEqual(old, next) {
					continue
				}
				if _, err := w.links.StartLink(next); err != nil {
					w.log.Error("link start failed", "link", id, "err", err)
				}
			}
		}()
	}

	for uri := range prevRealms {
		if _, keep := nextRealms[uri]; keep {
			continue
		}
		if err := w.factory.StopRealm(wamp.URI(uri)); err != nil && err != router.ErrNoSuchRealm {
			return err
		}
	}

	for uri, next := range nextRealms {
		old, existed := prevRealms[uri]
		if !existed {
			if _, err := w.factory.StartRealm(next.RealmConfig(w.env)); err != nil {
				return err
			}
			continue
		}
		if err := w.reconcileRoles(wamp.URI(uri), old.Roles, next.Roles); err != nil {
			return err
		}
	}

	w.current = doc
	return nil
}

// reconcileRoles replaces changed role grants on a live realm. Realm-level
// settings other than roles need a realm restart to change; the document
// diff deliberately leaves running realms alone otherwise.
func (w *Watcher) reconcileRoles(realm wamp.URI, old, next []Role) error {
	r, err := w.factory.Router(realm)
	if err != nil {
		return err
	}
	oldByName := map[string]Role{}
	for _, role := range old {
		oldByName[role.Name] = role
	}
	nextByName := map[string]Role{}
	for _, role := range next {
		nextByName[role.Name] = role
	}
	for name := range oldByName {
		if _, keep := nextByName[name]; keep {
			continue
		}
		if err := r.RemoveRole(name); err != nil && err != router.ErrNoSuchRole {
			return err
		}
	}
	for name, role := range nextByName {
		if prev, had := oldByName[name]; had && reflect.DeepEqual(prev, role) {
			continue
		}
		if err := r.AddRole(role.staticRole()); err != nil {
			return err
		}
	}
	return nil
}
