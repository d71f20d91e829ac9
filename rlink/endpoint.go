package rlink

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/wamp"

	"github.com/wampmesh/wampmesh/internal/peerclient"
)

// eventHandler receives a forwarded event's payload and delivery details.
type eventHandler func(args wamp.List, kwargs, details wamp.Dict)

// callHandler serves a forwarded invocation.
type callHandler func(ctx context.Context, args wamp.List, kwargs, details wamp.Dict) (wamp.List, wamp.Dict, error)

// rpcFailure carries a WAMP-level call error across the bridge so the
// original error URI survives the hop.
type rpcFailure struct {
	reason wamp.URI
	args   wamp.List
	kwargs wamp.Dict
}

func (e *rpcFailure) Error() string {
	return string(e.reason)
}

// endpoint is one leg of a link: either the local realm (in-process
// peer) or the remote router (network client). Observations are keyed by
// URI; each leg holds at most one mirror per URI.
type endpoint interface {
	SessionID() wamp.ID
	Subscribe(ctx context.Context, topic wamp.URI, options wamp.Dict, fn eventHandler) error
	Unsubscribe(ctx context.Context, topic wamp.URI) error
	Register(ctx context.Context, procedure wamp.URI, options wamp.Dict, fn callHandler) error
	Unregister(ctx context.Context, procedure wamp.URI) error
	Call(ctx context.Context, procedure wamp.URI, options wamp.Dict, args wamp.List, kwargs wamp.Dict) (wamp.List, wamp.Dict, error)
	Publish(ctx context.Context, topic wamp.URI, options wamp.Dict, args wamp.List, kwargs wamp.Dict) error
	Done() <-chan struct{}
	Close()
}

// localEndpoint is the in-process leg, attached to the local router as a
// restricted session.
type localEndpoint struct {
	c *peerclient.Client

	mu   sync.Mutex
	subs map[wamp.URI]wamp.ID
	regs map[wamp.URI]wamp.ID
}

func newLocalEndpoint(c *peerclient.Client) *localEndpoint {
	return &localEndpoint{
		c:    c,
		subs: map[wamp.URI]wamp.ID{},
		regs: map[wamp.URI]wamp.ID{},
	}
}

func (l *localEndpoint) SessionID() wamp.ID {
	return l.c.ID()
}

func (l *localEndpoint) Subscribe(ctx context.Context, topic wamp.URI, options wamp.Dict, fn eventHandler) error {
	id, err := l.c.Subscribe(ctx, topic, options, func(ev *wamp.Event) {
		fn(ev.Arguments, ev.ArgumentsKw, ev.Details)
	})
	if err != nil {
		return wrapRPCErr(err)
	}
	l.mu.Lock()
	l.subs[topic] = id
	l.mu.Unlock()
	return nil
}

func (l *localEndpoint) Unsubscribe(ctx context.Context, topic wamp.URI) error {
	l.mu.Lock()
	id, ok := l.subs[topic]
	delete(l.subs, topic)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return wrapRPCErr(l.c.Unsubscribe(ctx, id))
}

func (l *localEndpoint) Register(ctx context.Context, procedure wamp.URI, options wamp.Dict, fn callHandler) error {
	id, err := l.c.Register(ctx, procedure, options, func(ctx context.Context, inv *wamp.Invocation) peerclient.InvokeResult {
		args, kwargs, err := fn(ctx, inv.Arguments, inv.ArgumentsKw, inv.Details)
		if err != nil {
			return invokeFailure(err)
		}
		return peerclient.InvokeResult{Args: args, Kwargs: kwargs}
	})
	if err != nil {
		return wrapRPCErr(err)
	}
	l.mu.Lock()
	l.regs[procedure] = id
	l.mu.Unlock()
	return nil
}

func (l *localEndpoint) Unregister(ctx context.Context, procedure wamp.URI) error {
	l.mu.Lock()
	id, ok := l.regs[procedure]
	delete(l.regs, procedure)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return wrapRPCErr(l.c.Unregister(ctx, id))
}

func (l *localEndpoint) Call(ctx context.Context, procedure wamp.URI, options wamp.Dict, args wamp.List, kwargs wamp.Dict) (wamp.List, wamp.Dict, error) {
	res, err := l.c.Call(ctx, procedure, options, args, kwargs, nil)
	if err != nil {
		return nil, nil, wrapRPCErr(err)
	}
	return res.Arguments, res.ArgumentsKw, nil
}

func (l *localEndpoint) Publish(ctx context.Context, topic wamp.URI, options wamp.Dict, args wamp.List, kwargs wamp.Dict) error {
	return wrapRPCErr(l.c.Publish(ctx, topic, options, args, kwargs))
}

func (l *localEndpoint) Done() <-chan struct{} {
	return l.c.Done()
}

func (l *localEndpoint) Close() {
	l.c.Close()
}

// remoteEndpoint is the network leg, a WAMP client session on the remote
// router.
type remoteEndpoint struct {
	c *client.Client
}

func (r *remoteEndpoint) SessionID() wamp.ID {
	return r.c.ID()
}

func (r *remoteEndpoint) Subscribe(ctx context.Context, topic wamp.URI, options wamp.Dict, fn eventHandler) error {
	return wrapRPCErr(r.c.Subscribe(string(topic), func(ev *wamp.Event) {
		fn(ev.Arguments, ev.ArgumentsKw, ev.Details)
	}, options))
}

func (r *remoteEndpoint) Unsubscribe(ctx context.Context, topic wamp.URI) error {
	return wrapRPCErr(r.c.Unsubscribe(string(topic)))
}

func (r *remoteEndpoint) Register(ctx context.Context, procedure wamp.URI, options wamp.Dict, fn callHandler) error {
	return wrapRPCErr(r.c.Register(string(procedure), func(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
		args, kwargs, err := fn(ctx, inv.Arguments, inv.ArgumentsKw, inv.Details)
		if err != nil {
			fail := invokeFailure(err)
			return client.InvokeResult{Args: fail.Args, Kwargs: fail.Kwargs, Err: fail.Err}
		}
		return client.InvokeResult{Args: args, Kwargs: kwargs}
	}, options))
}

func (r *remoteEndpoint) Unregister(ctx context.Context, procedure wamp.URI) error {
	return wrapRPCErr(r.c.Unregister(string(procedure)))
}

func (r *remoteEndpoint) Call(ctx context.Context, procedure wamp.URI, options wamp.Dict, args wamp.List, kwargs wamp.Dict) (wamp.List, wamp.Dict, error) {
	res, err := r.c.Call(ctx, string(procedure), options, args, kwargs, nil)
	if err != nil {
		return nil, nil, wrapRPCErr(err)
	}
	return res.Arguments, res.ArgumentsKw, nil
}

func (r *remoteEndpoint) Publish(ctx context.Context, topic wamp.URI, options wamp.Dict, args wamp.List, kwargs wamp.Dict) error {
	return wrapRPCErr(r.c.Publish(string(topic), options, args, kwargs))
}

func (r *remoteEndpoint) Done() <-chan struct{} {
	return r.c.Done()
}

func (r *remoteEndpoint) Close() {
	r.c.Close()
}

// wrapRPCErr normalizes the two client libraries' call errors into
// rpcFailure so bridge code can forward the original error URI.
func wrapRPCErr(err error) error {
	if err == nil {
		return nil
	}
	var pcErr peerclient.RPCError
	if errors.As(err, &pcErr) {
		return &rpcFailure{reason: pcErr.Err.Error, args: pcErr.Err.Arguments, kwargs: pcErr.Err.ArgumentsKw}
	}
	var clErr client.RPCError
	if errors.As(err, &clErr) {
		return &rpcFailure{reason: clErr.Err.Error, args: clErr.Err.Arguments, kwargs: clErr.Err.ArgumentsKw}
	}
	return err
}

// invokeFailure maps a handler error onto the ERROR answer for an
// invocation.
func invokeFailure(err error) peerclient.InvokeResult {
	var fail *rpcFailure
	if errors.As(err, &fail) {
		return peerclient.InvokeResult{Err: fail.reason, Args: fail.args, Kwargs: fail.kwargs}
	}
	return peerclient.InvokeResult{
		Err:  wamp.ErrNetworkFailure,
		Args: wamp.List{err.Error()},
	}
}
