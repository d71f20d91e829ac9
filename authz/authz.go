// Package authz defines the role-based authorization model consumed by the
// realm router. A Role decides, per session and URI, whether one of the four
// routing actions (call, register, subscribe, publish) is allowed, whether
// the originator's identity may be disclosed, and whether the decision may
// be cached by the router.
package authz

import (
	"context"
	"fmt"

	"github.com/gammazero/nexus/v3/wamp"
)

// Action is one of the four routing actions a session can be authorized for.
type Action string

const (
	ActionCall      Action = "call"
	ActionRegister  Action = "register"
	ActionSubscribe Action = "subscribe"
	ActionPublish   Action = "publish"
)

// TrustedRoleName is the reserved built-in role. It cannot be added to or
// dropped from a realm; sessions carrying it bypass permission checks.
const TrustedRoleName = "trusted"

// Subject identifies the session requesting an action. It is a value copy
// of the router session's identity so that authorizer callbacks never hold
// references into router state.
type Subject struct {
	Session  wamp.ID
	AuthID   string
	AuthRole string
}

// Decision is a normalized authorization result.
type Decision struct {
	// Allow grants or denies the action.
	Allow bool
	// Disclose permits forwarding the originator's identity to the
	// receiving peer (caller disclosure for calls, publisher disclosure
	// for events).
	Disclose bool
	// Cache marks the decision as reusable by the router's authorization
	// cache. Only decisions with Cache set are ever cached.
	Cache bool
}

// Role is a named authorization policy. Authorize may block (dynamic
// authorizers typically call out to another component), so it receives a
// context and is always invoked outside the router's dispatch loops.
type Role interface {
	Name() string
	Authorize(ctx context.Context, sub Subject, uri wamp.URI, action Action, options wamp.Dict) (Decision, error)
}

// Normalize converts the result of an authorizer callback into a Decision.
// Accepted forms, mirroring the wire-level authorizer contract:
//
//   - Decision: used as-is
//   - bool: legacy form; disclose and cache default to false
//   - wamp.Dict / map[string]any with "allow", "disclose", "cache" keys
func Normalize(v any) (Decision, error) {
	switch r := v.(type) {
	case Decision:
		return r, nil
	case bool:
		return Decision{Allow: r}, nil
	case wamp.Dict:
		return normalizeDict(r)
	case map[string]any:
		return normalizeDict(r)
	default:
		return Decision{}, fmt.Errorf("authz: unsupported authorizer result type %T", v)
	}
}

func normalizeDict(d map[string]any) (Decision, error) {
	dec := Decision{}
	allow, ok := d["allow"].(bool)
	if !ok {
		return Decision{}, fmt.Errorf("authz: authorizer result missing boolean 'allow'")
	}
	dec.Allow = allow
	dec.Disclose, _ = d["disclose"].(bool)
	dec.Cache, _ = d["cache"].(bool)
	return dec, nil
}
