package rlink

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/transport"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/google/uuid"

	"github.com/wampmesh/wampmesh/internal/logctx"
	"github.com/wampmesh/wampmesh/internal/peerclient"
	"github.com/wampmesh/wampmesh/router"
)

var (
	// ErrNoSuchLink is returned for operations on an unknown link id.
	ErrNoSuchLink = errors.New("rlink: no such link")
	// ErrLinkExists is returned when starting a link whose id is already
	// running.
	ErrLinkExists = errors.New("rlink: link already exists")
)

// Status is a point-in-time view of one link.
type Status struct {
	ID         string
	Realm      wamp.URI
	URL        string
	Connected  bool
	Started    time.Time
	Reconnects int
}

// Manager owns the links of a node.
type Manager struct {
	factory *router.Factory

	mu     sync.Mutex
	links  map[string]*Link
	closed bool

	log *slog.Logger
}

// NewManager creates a Manager bridging realms served by factory.
func NewManager(factory *router.Factory, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		factory: factory,
		links:   map[string]*Link{},
		log:     log,
	}
}

// StartLink validates cfg and runs the link until StopLink or Close. The
// remote leg reconnects with exponential backoff on failure.
func (m *Manager) StartLink(cfg Config) (*Link, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	// The realm must exist before a link can bridge it.
	if _, err := m.factory.Router(cfg.Realm); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("rlink: manager closed")
	}
	if _, ok := m.links[cfg.ID]; ok {
		return nil, ErrLinkExists
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		cfg:     cfg,
		m:       m,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
		log:     m.log,
	}
	m.links[cfg.ID] = l
	go l.run(ctx)
	return l, nil
}

// StopLink tears the link down: the remote session is closed and every
// mirrored observation disappears with its owning sessions.
func (m *Manager) StopLink(id string) error {
	m.mu.Lock()
	l, ok := m.links[id]
	delete(m.links, id)
	m.mu.Unlock()
	if !ok {
		return ErrNoSuchLink
	}
	l.stop()
	return nil
}

// Links reports the status of every running link.
func (m *Manager) Links() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l.status())
	}
	return out
}

// Close stops all links.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = map[string]*Link{}
	m.mu.Unlock()

	for _, l := range links {
		l.stop()
	}
}

// Link is one running router-to-router bridge.
type Link struct {
	cfg    Config
	m      *Manager
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	connected  bool
	reconnects int
	started    time.Time

	log *slog.Logger
}

// ID returns the link id.
func (l *Link) ID() string {
	return l.cfg.ID
}

func (l *Link) status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		ID:         l.cfg.ID,
		Realm:      l.cfg.Realm,
		URL:        l.cfg.URL,
		Connected:  l.connected,
		Started:    l.started,
		Reconnects: l.reconnects,
	}
}

func (l *Link) stop() {
	l.cancel()
	<-l.done
}

func (l *Link) setConnected(connected bool) {
	l.mu.Lock()
	l.connected = connected
	if connected {
		l.reconnects++
	}
	l.mu.Unlock()
}

func (l *Link) run(ctx context.Context) {
	defer close(l.done)

	ctx = logctx.WithLinkData(ctx, &logctx.LinkData{
		LinkID: l.cfg.ID,
		Realm:  string(l.cfg.Realm),
	})

	backoff, maxBackoff := l.cfg.reconnectBounds()
	delay := backoff
	for {
		err := l.session(ctx)
		l.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		l.log.WarnContext(ctx, "link session ended, reconnecting", "err", err, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}

// session runs one connected lifetime of the link: attach the local leg,
// dial the remote leg, start both bridge directions, and wait for either
// side to drop.
func (l *Link) session(ctx context.Context) error {
	r, err := l.m.factory.Router(l.cfg.Realm)
	if err != nil {
		return err
	}

	clientSide, routerSide := transport.LinkedPeers()
	if _, err := r.AttachClient(routerSide, wamp.Dict{
		"authid":     "rlink-" + l.cfg.ID,
		"authrole":   "trusted",
		"authmethod": "internal",
	}); err != nil {
		return fmt.Errorf("attach local leg: %w", err)
	}
	pc, err := peerclient.New(clientSide, 5*time.Second)
	if err != nil {
		return fmt.Errorf("local leg handshake: %w", err)
	}
	local := newLocalEndpoint(pc)
	defer local.Close()

	remote, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.cfg.URL, err)
	}
	defer remote.Close()
	l.setConnected(true)
	l.log.InfoContext(ctx, "link connected", "url", l.cfg.URL, "remote_session", remote.SessionID())

	outbound := newBridge(&l.cfg, local, remote,
		l.cfg.ForwardLocalInvocations, l.cfg.ForwardRemoteEvents, l.log)
	inbound := newBridge(&l.cfg, remote, local,
		l.cfg.ForwardRemoteInvocations, l.cfg.ForwardLocalEvents, l.log)

	if err := outbound.start(ctx); err != nil {
		return fmt.Errorf("outbound bridge: %w", err)
	}
	if err := inbound.start(ctx); err != nil {
		return fmt.Errorf("inbound bridge: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-remote.Done():
		return errors.New("remote session closed")
	case <-local.Done():
		return errors.New("local session closed")
	}
}

func (l *Link) dial(ctx context.Context) (*remoteEndpoint, error) {
	hello := wamp.Dict{}
	if l.cfg.AuthID != "" {
		hello["authid"] = l.cfg.AuthID
	}
	auth := map[string]client.AuthFunc{}
	if l.cfg.PrivateKey != "" {
		key, err := l.cfg.privateKey()
		if err != nil {
			return nil, err
		}
		hello["authextra"] = wamp.Dict{
			"pubkey": hex.EncodeToString(key.Public().(ed25519.PublicKey)),
		}
		auth["cryptosign"] = CryptosignHandler(key)
	} else if l.cfg.Ticket != "" {
		auth["ticket"] = TicketHandler(l.cfg.Ticket)
	}

	c, err := client.ConnectNet(ctx, l.cfg.URL, client.Config{
		Realm:         string(l.cfg.remoteRealm()),
		HelloDetails:  hello,
		AuthHandlers:  auth,
		Serialization: client.CBOR,
	})
	if err != nil {
		return nil, err
	}
	return &remoteEndpoint{c: c}, nil
}
