// Package rlink bridges a local realm to the same realm on a remote
// router. Registrations and subscriptions created on one side are
// mirrored onto the other so calls and events flow across, with
// forward_for chains guarding against loops.
package rlink

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gammazero/nexus/v3/wamp"
)

// Exclusion names a URI pattern never mirrored across a link.
type Exclusion struct {
	URI   wamp.URI `yaml:"uri"`
	Match string   `yaml:"match"`
}

func (e Exclusion) matches(uri wamp.URI) bool {
	switch e.Match {
	case wamp.MatchPrefix:
		return uri.PrefixMatch(e.URI)
	case wamp.MatchWildcard:
		return uri.WildcardMatch(e.URI)
	default:
		return uri == e.URI
	}
}

// Config describes one router-to-router link.
type Config struct {
	// ID identifies the link. Empty gets a generated id.
	ID string `yaml:"id"`

	// Realm is the local realm to bridge.
	Realm wamp.URI `yaml:"realm"`

	// URL is the remote router address (ws, wss, tcp, or unix scheme).
	URL string `yaml:"url"`

	// RemoteRealm overrides the realm joined on the remote side.
	// Defaults to Realm.
	RemoteRealm wamp.URI `yaml:"remote_realm"`

	// AuthID is the authid presented to the remote router.
	AuthID string `yaml:"authid"`

	// PrivateKey is the hex-encoded Ed25519 seed for cryptosign
	// authentication.
	PrivateKey string `yaml:"private_key"`

	// Ticket is a pre-minted link ticket, used when PrivateKey is empty.
	Ticket string `yaml:"ticket"`

	// Forwarding direction toggles.
	ForwardLocalEvents       bool `yaml:"forward_local_events"`
	ForwardRemoteEvents      bool `yaml:"forward_remote_events"`
	ForwardLocalInvocations  bool `yaml:"forward_local_invocations"`
	ForwardRemoteInvocations bool `yaml:"forward_remote_invocations"`

	// Exclude lists URI patterns never mirrored in either direction.
	Exclude []Exclusion `yaml:"exclude"`

	// Reconnect backoff bounds for the remote leg.
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

func (c *Config) validate() error {
	if c.Realm == "" {
		return errors.New("rlink: realm is required")
	}
	if c.URL == "" {
		return errors.New("rlink: url is required")
	}
	if !c.ForwardLocalEvents && !c.ForwardRemoteEvents &&
		!c.ForwardLocalInvocations && !c.ForwardRemoteInvocations {
		return errors.New("rlink: link forwards nothing")
	}
	for _, e := range c.Exclude {
		switch e.Match {
		case "", wamp.MatchExact, wamp.MatchPrefix, wamp.MatchWildcard:
		default:
			return fmt.Errorf("rlink: invalid exclusion match %q", e.Match)
		}
	}
	if c.PrivateKey != "" {
		if _, err := c.privateKey(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) privateKey() (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("rlink: decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("rlink: private key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (c *Config) remoteRealm() wamp.URI {
	if c.RemoteRealm != "" {
		return c.RemoteRealm
	}
	return c.Realm
}

func (c *Config) reconnectBounds() (min, max time.Duration) {
	min, max = c.ReconnectMin, c.ReconnectMax
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = 2 * time.Minute
	}
	return min, max
}

// mirrorable reports whether observations on uri cross the link. The
// meta tree and the node-local tree never do.
func (c *Config) mirrorable(uri wamp.URI) bool {
	s := string(uri)
	if strings.HasPrefix(s, "wamp.") || strings.HasPrefix(s, "local.") {
		return false
	}
	for _, e := range c.Exclude {
		if e.matches(uri) {
			return false
		}
	}
	return true
}
