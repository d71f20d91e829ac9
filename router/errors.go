package router

import (
	"errors"
	"fmt"

	"github.com/gammazero/nexus/v3/wamp"
)

var (
	// ErrAlreadyAttached is returned by Attach when the session id is
	// already registered with this router.
	ErrAlreadyAttached = errors.New("session already attached")
	// ErrNotAttached is returned for operations on a session the router
	// does not know.
	ErrNotAttached = errors.New("session not attached")
	// ErrRouterClosed is returned once the router has been closed.
	ErrRouterClosed = errors.New("router closed")
	// ErrReservedRole is returned when adding or dropping the built-in
	// "trusted" role.
	ErrReservedRole = errors.New(`role "trusted" is reserved`)
	// ErrNoSuchRole is returned when dropping a role that is not present.
	ErrNoSuchRole = errors.New("no such role")
	// ErrNoSuchRealm is returned by factory operations on unknown realms.
	ErrNoSuchRealm = errors.New("no such realm")
	// ErrRealmExists is returned when starting a realm that is already
	// running.
	ErrRealmExists = errors.New("realm already exists")
)

// ProtocolError reports a protocol violation: a malformed or
// out-of-sequence message that must terminate the offending session's
// connection. It is the only error Process propagates; everything else is
// logged and absorbed.
type ProtocolError struct {
	// MessageType names the offending message kind.
	MessageType wamp.MessageType
	// Reason describes the violation.
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation (%s): %s", e.MessageType, e.Reason)
}

func protocolErr(t wamp.MessageType, reason string) *ProtocolError {
	return &ProtocolError{MessageType: t, Reason: reason}
}

// Error URIs surfaced to clients beyond the standard wamp.Err* set.
const (
	// ErrNoAvailableCallee is returned for calls rejected because every
	// callee slot of a concurrency-limited registration is in use.
	ErrNoAvailableCallee = wamp.URI("wamp.error.no_available_callee")

	// ErrTimeout is returned to the caller when a call expires before
	// the callee yields.
	ErrTimeout = wamp.URI("wamp.error.timeout")
	// ErrTestamentError is returned for malformed testament requests.
	ErrTestamentError = wamp.URI("wamp.error.testament_error")
	// ErrHistoryUnavailable is returned by event-history lookups when the
	// realm has no history store configured.
	ErrHistoryUnavailable = wamp.URI("wamp.error.history_unavailable")
)
