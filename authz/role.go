package authz

import (
	"context"

	"github.com/gammazero/nexus/v3/wamp"
)

// Permission is one static rule of a StaticRole. URI and Match follow the
// same exact/prefix/wildcard semantics as observations, so a rule for
// "com.myapp." with prefix match covers the whole subtree.
type Permission struct {
	URI   wamp.URI
	Match string // wamp.MatchExact (default), wamp.MatchPrefix, wamp.MatchWildcard

	Call      bool
	Register  bool
	Subscribe bool
	Publish   bool

	// Disclose allows identity disclosure for actions granted here.
	Disclose bool
	// Cache marks decisions from this rule as cacheable.
	Cache bool
}

func (p Permission) allows(action Action) bool {
	switch action {
	case ActionCall:
		return p.Call
	case ActionRegister:
		return p.Register
	case ActionSubscribe:
		return p.Subscribe
	case ActionPublish:
		return p.Publish
	}
	return false
}

// StaticRole authorizes against a fixed permission list. The most specific
// matching rule wins: exact beats prefix, longer prefixes beat shorter
// ones, and wildcards come last. No matching rule means deny.
type StaticRole struct {
	name  string
	perms []Permission
}

func NewStaticRole(name string, perms []Permission) *StaticRole {
	return &StaticRole{name: name, perms: perms}
}

func (r *StaticRole) Name() string { return r.name }

func (r *StaticRole) Authorize(_ context.Context, _ Subject, uri wamp.URI, action Action, _ wamp.Dict) (Decision, error) {
	perm, ok := r.match(uri)
	if !ok {
		return Decision{}, nil
	}
	if !perm.allows(action) {
		// A matched rule that does not grant the action still settles the
		// question; deny decisions may be cached like allows.
		return Decision{Cache: perm.Cache}, nil
	}
	return Decision{Allow: true, Disclose: perm.Disclose, Cache: perm.Cache}, nil
}

func (r *StaticRole) match(uri wamp.URI) (Permission, bool) {
	var best Permission
	found := false
	bestLen := -1
	for _, p := range r.perms {
		switch p.Match {
		case wamp.MatchPrefix:
			if uri.PrefixMatch(p.URI) && len(p.URI) > bestLen {
				best = p
				bestLen = len(p.URI)
			}
		case wamp.MatchWildcard:
			continue // second pass
		default:
			if uri == p.URI {
				return p, true
			}
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	for _, p := range r.perms {
		if p.Match != wamp.MatchWildcard {
			continue
		}
		if uri.WildcardMatch(p.URI) && len(p.URI) > bestLen {
			best = p
			bestLen = len(p.URI)
			found = true
		}
	}
	return best, found
}

// AuthorizerFunc is a dynamic authorizer callback. It may return a
// Decision, a legacy bool, or a dict with allow/disclose/cache keys; the
// result is passed through Normalize.
type AuthorizerFunc func(ctx context.Context, sub Subject, uri wamp.URI, action Action, options wamp.Dict) (any, error)

// DynamicRole delegates every decision to a callback, typically one that
// itself performs a WAMP call into an application-provided authorizer
// component.
type DynamicRole struct {
	name string
	fn   AuthorizerFunc
}

func NewDynamicRole(name string, fn AuthorizerFunc) *DynamicRole {
	return &DynamicRole{name: name, fn: fn}
}

func (r *DynamicRole) Name() string { return r.name }

func (r *DynamicRole) Authorize(ctx context.Context, sub Subject, uri wamp.URI, action Action, options wamp.Dict) (Decision, error) {
	res, err := r.fn(ctx, sub, uri, action, options)
	if err != nil {
		return Decision{}, err
	}
	return Normalize(res)
}

// TrustedRole is the built-in allow-all policy for internal service
// sessions (the meta-API agent, rlink bridge sessions). Decisions are
// never cached; trusted traffic skips the cache path entirely.
type TrustedRole struct{}

func (TrustedRole) Name() string { return TrustedRoleName }

func (TrustedRole) Authorize(context.Context, Subject, wamp.URI, Action, wamp.Dict) (Decision, error) {
	return Decision{Allow: true, Disclose: true}, nil
}
