// Package peerclient is a minimal WAMP client over an in-process peer.
// The router's service agent and the local leg of remote links use it to
// speak to a realm without a network transport.
package peerclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/nexus/v3/wamp"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("peerclient: closed")

// RPCError wraps an ERROR answering a call.
type RPCError struct {
	Err *wamp.Error
}

func (e RPCError) Error() string {
	if len(e.Err.Arguments) > 0 {
		if s, ok := wamp.AsString(e.Err.Arguments[0]); ok {
			return fmt.Sprintf("%s: %s", e.Err.Error, s)
		}
	}
	return string(e.Err.Error)
}

// InvokeResult is the outcome of an invocation handler. A non-empty Err
// produces an ERROR answer.
type InvokeResult struct {
	Args   wamp.List
	Kwargs wamp.Dict
	Err    wamp.URI
}

// InvocationHandler handles one INVOCATION. The context is canceled if
// the router interrupts the invocation.
type InvocationHandler func(ctx context.Context, inv *wamp.Invocation) InvokeResult

// EventHandler handles one EVENT.
type EventHandler func(ev *wamp.Event)

// ProgressHandler receives progressive results of a call.
type ProgressHandler func(res *wamp.Result)

// Client drives the client side of an attached peer.
type Client struct {
	peer wamp.Peer
	id   wamp.ID

	idGen *wamp.IDGen

	mu          sync.Mutex
	pending     map[wamp.ID]chan wamp.Message
	progress    map[wamp.ID]ProgressHandler
	invHandlers map[wamp.ID]InvocationHandler
	evtHandlers map[wamp.ID]EventHandler
	running     map[wamp.ID]context.CancelFunc
	closed      bool

	done chan struct{}
}

// New waits for the WELCOME on peer and starts the receive loop.
func New(peer wamp.Peer, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var welcome *wamp.Welcome
	select {
	case msg, ok := <-peer.Recv():
		if !ok {
			return nil, errors.New("peerclient: peer closed before WELCOME")
		}
		w, ok := msg.(*wamp.Welcome)
		if !ok {
			return nil, fmt.Errorf("peerclient: expected WELCOME, got %s", msg.MessageType())
		}
		welcome = w
	case <-time.After(timeout):
		return nil, errors.New("peerclient: timeout waiting for WELCOME")
	}

	c := &Client{
		peer:        peer,
		id:          welcome.ID,
		idGen:       new(wamp.IDGen),
		pending:     map[wamp.ID]chan wamp.Message{},
		progress:    map[wamp.ID]ProgressHandler{},
		invHandlers: map[wamp.ID]InvocationHandler{},
		evtHandlers: map[wamp.ID]EventHandler{},
		running:     map[wamp.ID]context.CancelFunc{},
		done:        make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// ID returns the session ID assigned by the router.
func (c *Client) ID() wamp.ID {
	return c.id
}

// Done is closed when the receive loop ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends GOODBYE and shuts the peer down.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.peer.Send(&wamp.Goodbye{Reason: wamp.ErrCloseRealm, Details: wamp.Dict{}})
	c.peer.Close()
	<-c.done
}

func (c *Client) run() {
	defer close(c.done)
	for msg := range c.peer.Recv() {
		switch msg := msg.(type) {
		case *wamp.Subscribed:
			c.reply(msg.Request, msg)
		case *wamp.Unsubscribed:
			c.reply(msg.Request, msg)
		case *wamp.Registered:
			c.reply(msg.Request, msg)
		case *wamp.Unregistered:
			if msg.Request != 0 {
				c.reply(msg.Request, msg)
			}
		case *wamp.Published:
			c.reply(msg.Request, msg)
		case *wamp.Result:
			if prog, _ := msg.Details[wamp.OptProgress].(bool); prog {
				c.mu.Lock()
				handler := c.progress[msg.Request]
				c.mu.Unlock()
				if handler != nil {
					handler(msg)
				}
				continue
			}
			c.reply(msg.Request, msg)
		case *wamp.Error:
			c.reply(msg.Request, msg)
		case *wamp.Invocation:
			c.invoke(msg)
		case *wamp.Interrupt:
			c.mu.Lock()
			cancel := c.running[msg.Request]
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		case *wamp.Event:
			c.mu.Lock()
			handler := c.evtHandlers[msg.Subscription]
			c.mu.Unlock()
			if handler != nil {
				go handler(msg)
			}
		case *wamp.Goodbye:
			return
		}
	}
}

func (c *Client) reply(request wamp.ID, msg wamp.Message) {
	c.mu.Lock()
	ch := c.pending[request]
	delete(c.pending, request)
	delete(c.progress, request)
	c.mu.Unlock()
	if ch != nil {
		ch <- msg
	}
}

// expect registers a reply slot for a request about to be sent.
func (c *Client) expect(request wamp.ID) (chan wamp.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := make(chan wamp.Message, 1)
	c.pending[request] = ch
	return ch, nil
}

func (c *Client) await(ctx context.Context, request wamp.ID, ch chan wamp.Message) (wamp.Message, error) {
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, request)
		delete(c.progress, request)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Subscribe subscribes to topic, dispatching matching events to handler.
func (c *Client) Subscribe(ctx context.Context, topic wamp.URI, options wamp.Dict, handler EventHandler) (wamp.ID, error) {
	request := c.idGen.Next()
	ch, err := c.expect(request)
	if err != nil {
		return 0, err
	}
	if options == nil {
		options = wamp.Dict{}
	}
	c.peer.Send(&wamp.Subscribe{Request: request, Options: options, Topic: topic})
	msg, err := c.await(ctx, request, ch)
	if err != nil {
		return 0, err
	}
	switch msg := msg.(type) {
	case *wamp.Subscribed:
		c.mu.Lock()
		c.evtHandlers[msg.Subscription] = handler
		c.mu.Unlock()
		return msg.Subscription, nil
	case *wamp.Error:
		return 0, RPCError{Err: msg}
	}
	return 0, fmt.Errorf("peerclient: unexpected %s reply", msg.MessageType())
}

// Unsubscribe removes the subscription.
func (c *Client) Unsubscribe(ctx context.Context, subID wamp.ID) error {
	request := c.idGen.Next()
	ch, err := c.expect(request)
	if err != nil {
		return err
	}
	c.peer.Send(&wamp.Unsubscribe{Request: request, Subscription: subID})
	msg, err := c.await(ctx, request, ch)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.evtHandlers, subID)
	c.mu.Unlock()
	if e, ok := msg.(*wamp.Error); ok {
		return RPCError{Err: e}
	}
	return nil
}

// Register registers a procedure served by handler.
func (c *Client) Register(ctx context.Context, procedure wamp.URI, options wamp.Dict, handler InvocationHandler) (wamp.ID, error) {
	request := c.idGen.Next()
	ch, err := c.expect(request)
	if err != nil {
		return 0, err
	}
	if options == nil {
		options = wamp.Dict{}
	}
	c.peer.Send(&wamp.Register{Request: request, Options: options, Procedure: procedure})
	msg, err := c.await(ctx, request, ch)
	if err != nil {
		return 0, err
	}
	switch msg := msg.(type) {
	case *wamp.Registered:
		c.mu.Lock()
		c.invHandlers[msg.Registration] = handler
		c.mu.Unlock()
		return msg.Registration, nil
	case *wamp.Error:
		return 0, RPCError{Err: msg}
	}
	return 0, fmt.Errorf("peerclient: unexpected %s reply", msg.MessageType())
}

// Unregister removes the registration.
func (c *Client) Unregister(ctx context.Context, regID wamp.ID) error {
	request := c.idGen.Next()
	ch, err := c.expect(request)
	if err != nil {
		return err
	}
	c.peer.Send(&wamp.Unregister{Request: request, Registration: regID})
	msg, err := c.await(ctx, request, ch)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.invHandlers, regID)
	c.mu.Unlock()
	if e, ok := msg.(*wamp.Error); ok {
		return RPCError{Err: e}
	}
	return nil
}

// Call invokes a procedure and waits for the final result. onProgress,
// when non-nil, receives progressive results and implies
// receive_progress.
func (c *Client) Call(ctx context.Context, procedure wamp.URI, options wamp.Dict, args wamp.List, kwargs wamp.Dict, onProgress ProgressHandler) (*wamp.Result, error) {
	request := c.idGen.Next()
	ch, err := c.expect(request)
	if err != nil {
		return nil, err
	}
	if options == nil {
		options = wamp.Dict{}
	}
	if onProgress != nil {
		options[wamp.OptReceiveProgress] = true
		c.mu.Lock()
		c.progress[request] = onProgress
		c.mu.Unlock()
	}
	c.peer.Send(&wamp.Call{
		Request:     request,
		Options:     options,
		Procedure:   procedure,
		Arguments:   args,
		ArgumentsKw: kwargs,
	})
	msg, err := c.await(ctx, request, ch)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.peer.Send(&wamp.Cancel{
				Request: request,
				Options: wamp.Dict{wamp.OptMode: wamp.CancelModeKillNoWait},
			})
		}
		return nil, err
	}
	switch msg := msg.(type) {
	case *wamp.Result:
		return msg, nil
	case *wamp.Error:
		return nil, RPCError{Err: msg}
	}
	return nil, fmt.Errorf("peerclient: unexpected %s reply", msg.MessageType())
}

// Publish publishes an event. When options request acknowledgement, it
// waits for PUBLISHED.
func (c *Client) Publish(ctx context.Context, topic wamp.URI, options wamp.Dict, args wamp.List, kwargs wamp.Dict) error {
	if options == nil {
		options = wamp.Dict{}
	}
	acknowledge, _ := options["acknowledge"].(bool)
	request := c.idGen.Next()

	var ch chan wamp.Message
	if acknowledge {
		var err error
		if ch, err = c.expect(request); err != nil {
			return err
		}
	}
	c.peer.Send(&wamp.Publish{
		Request:     request,
		Options:     options,
		Topic:       topic,
		Arguments:   args,
		ArgumentsKw: kwargs,
	})
	if !acknowledge {
		return nil
	}
	msg, err := c.await(ctx, request, ch)
	if err != nil {
		return err
	}
	if e, ok := msg.(*wamp.Error); ok {
		return RPCError{Err: e}
	}
	return nil
}

func (c *Client) invoke(msg *wamp.Invocation) {
	c.mu.Lock()
	handler := c.invHandlers[msg.Registration]
	c.mu.Unlock()
	if handler == nil {
		c.peer.Send(&wamp.Error{
			Type:    wamp.INVOCATION,
			Request: msg.Request,
			Details: wamp.Dict{},
			Error:   wamp.ErrNoSuchProcedure,
		})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.running[msg.Request] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.running, msg.Request)
			c.mu.Unlock()
		}()

		result := handler(ctx, msg)
		if result.Err != "" {
			c.peer.Send(&wamp.Error{
				Type:        wamp.INVOCATION,
				Request:     msg.Request,
				Details:     wamp.Dict{},
				Error:       result.Err,
				Arguments:   result.Args,
				ArgumentsKw: result.Kwargs,
			})
			return
		}
		c.peer.Send(&wamp.Yield{
			Request:     msg.Request,
			Options:     wamp.Dict{},
			Arguments:   result.Args,
			ArgumentsKw: result.Kwargs,
		})
	}()
}

// SendProgress emits a progressive YIELD for an invocation currently
// being handled.
func (c *Client) SendProgress(inv *wamp.Invocation, args wamp.List, kwargs wamp.Dict) {
	c.peer.Send(&wamp.Yield{
		Request:     inv.Request,
		Options:     wamp.Dict{wamp.OptProgress: true},
		Arguments:   args,
		ArgumentsKw: kwargs,
	})
}
