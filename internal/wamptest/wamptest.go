// Package wamptest provides helpers for exercising a router from tests:
// fully handshaken in-process clients and receive-with-timeout reads on
// raw peers.
package wamptest

import (
	"testing"
	"time"

	"github.com/gammazero/nexus/v3/transport"
	"github.com/gammazero/nexus/v3/wamp"

	"github.com/wampmesh/wampmesh/internal/peerclient"
	"github.com/wampmesh/wampmesh/router"
)

// Timeout bounds every blocking helper in this package.
const Timeout = 5 * time.Second

// Client attaches a new in-process client session to r and waits for the
// WELCOME. The client closes with the test.
func Client(t *testing.T, r *router.Router, details wamp.Dict) *peerclient.Client {
	t.Helper()
	clientSide, routerSide := transport.LinkedPeers()
	if _, err := r.AttachClient(routerSide, details); err != nil {
		t.Fatalf("attach client: %v", err)
	}
	c, err := peerclient.New(clientSide, Timeout)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// Peer attaches a raw peer session to r, consuming the WELCOME. Use it
// when a test needs to send protocol messages the client API would not.
func Peer(t *testing.T, r *router.Router, details wamp.Dict) (wamp.Peer, wamp.ID) {
	t.Helper()
	clientSide, routerSide := transport.LinkedPeers()
	sess, err := r.AttachClient(routerSide, details)
	if err != nil {
		t.Fatalf("attach peer: %v", err)
	}
	msg := Recv(t, clientSide)
	if _, ok := msg.(*wamp.Welcome); !ok {
		t.Fatalf("expected WELCOME, got %s", msg.MessageType())
	}
	t.Cleanup(clientSide.Close)
	return clientSide, sess.ID
}

// Recv reads one message from p or fails the test after Timeout.
func Recv(t *testing.T, p wamp.Peer) wamp.Message {
	t.Helper()
	select {
	case msg, ok := <-p.Recv():
		if !ok {
			t.Fatalf("peer closed while expecting a message")
		}
		return msg
	case <-time.After(Timeout):
		t.Fatalf("timed out waiting for a message")
	}
	return nil
}

// NoRecv asserts p stays silent for the given window.
func NoRecv(t *testing.T, p wamp.Peer, window time.Duration) {
	t.Helper()
	select {
	case msg, ok := <-p.Recv():
		if ok {
			t.Fatalf("unexpected message %s", msg.MessageType())
		}
	case <-time.After(window):
	}
}
