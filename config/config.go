// Package config loads node configuration from the environment and from
// YAML documents, and keeps a running node reconciled with the document on
// disk.
package config

import (
	"fmt"
	"os"

	"github.com/gammazero/nexus/v3/wamp"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/wampmesh/wampmesh/authz"
	"github.com/wampmesh/wampmesh/rlink"
	"github.com/wampmesh/wampmesh/router"
)

// Env holds process-wide defaults. ENV: WAMPMESH_*.
type Env struct {
	// StrictURI enforces the strict URI grammar realm-wide unless a realm
	// overrides it. ENV: WAMPMESH_STRICT_URI
	StrictURI bool `env:"WAMPMESH_STRICT_URI,default=true"`
	// AllowDisclose permits disclose_me by default. ENV: WAMPMESH_ALLOW_DISCLOSE
	AllowDisclose bool `env:"WAMPMESH_ALLOW_DISCLOSE,default=false"`
	// AutoDiscloseTrusted discloses identity for trusted sessions.
	// ENV: WAMPMESH_AUTO_DISCLOSE_TRUSTED
	AutoDiscloseTrusted bool `env:"WAMPMESH_AUTO_DISCLOSE_TRUSTED,default=true"`
	// HistoryLimit caps retained events per subscription.
	// ENV: WAMPMESH_HISTORY_LIMIT
	HistoryLimit int `env:"WAMPMESH_HISTORY_LIMIT,default=100"`
	// AuthCacheSize bounds the per-realm authorization decision cache.
	// ENV: WAMPMESH_AUTH_CACHE_SIZE
	AuthCacheSize int `env:"WAMPMESH_AUTH_CACHE_SIZE,default=256"`
	// Path of the YAML document to load and watch. ENV: WAMPMESH_CONFIG
	Path string `env:"WAMPMESH_CONFIG,default=wampmesh.yaml"`
}

// FromEnv populates Env from the process environment. Every field has a
// default, so this only fails on malformed values.
func FromEnv() (Env, error) {
	var e Env
	if err := envdecode.Decode(&e); err != nil {
		return Env{}, fmt.Errorf("decode environment: %w", err)
	}
	return e, nil
}

// Permission is one rule of a role's grant list.
type Permission struct {
	URI       string `yaml:"uri"`
	Match     string `yaml:"match,omitempty"`
	Call      bool   `yaml:"call,omitempty"`
	Register  bool   `yaml:"register,omitempty"`
	Subscribe bool   `yaml:"subscribe,omitempty"`
	Publish   bool   `yaml:"publish,omitempty"`
	Disclose  bool   `yaml:"disclose,omitempty"`
	Cache     bool   `yaml:"cache,omitempty"`
}

// Role names a static authorization role of a realm.
type Role struct {
	Name        string       `yaml:"name"`
	Permissions []Permission `yaml:"permissions"`
}

// Realm describes one realm of the node.
type Realm struct {
	URI                 string   `yaml:"uri"`
	StrictURI           *bool    `yaml:"strict_uri,omitempty"`
	AllowDisclose       *bool    `yaml:"allow_disclose,omitempty"`
	AutoDiscloseTrusted *bool    `yaml:"auto_disclose_trusted,omitempty"`
	ProtectedURIs       []string `yaml:"protected_uris,omitempty"`
	HistoryLimit        int      `yaml:"history_limit,omitempty"`
	Roles               []Role   `yaml:"roles,omitempty"`
}

// Document is a complete node configuration.
type Document struct {
	Realms []Realm        `yaml:"realms"`
	Links  []rlink.Config `yaml:"links,omitempty"`
}

// Load reads and parses the YAML document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) validate() error {
	seen := map[string]bool{}
	for i, realm := range d.Realms {
		if realm.URI == "" {
			return fmt.Errorf("realms[%d]: uri is required", i)
		}
		if seen[realm.URI] {
			return fmt.Errorf("realms[%d]: duplicate realm %q", i, realm.URI)
		}
		seen[realm.URI] = true
		for _, role := range realm.Roles {
			if role.Name == "" {
				return fmt.Errorf("realm %q: role without a name", realm.URI)
			}
			if role.Name == authz.TrustedRoleName {
				return fmt.Errorf("realm %q: role name %q is reserved", realm.URI, role.Name)
			}
			for _, perm := range role.Permissions {
				switch perm.Match {
				case "", wamp.MatchExact, wamp.MatchPrefix, wamp.MatchWildcard:
				default:
					return fmt.Errorf("realm %q role %q: unknown match policy %q", realm.URI, role.Name, perm.Match)
				}
			}
		}
	}
	linkIDs := map[string]bool{}
	for i := range d.Links {
		link := &d.Links[i]
		if link.ID == "" {
			return fmt.Errorf("links[%d]: id is required", i)
		}
		if linkIDs[link.ID] {
			return fmt.Errorf("links[%d]: duplicate link %q", i, link.ID)
		}
		linkIDs[link.ID] = true
		if !seen[string(link.Realm)] {
			return fmt.Errorf("link %q: realm %q is not declared", link.ID, link.Realm)
		}
	}
	return nil
}

// RealmConfig materializes a declared realm, filling unset fields from env
// defaults.
func (r Realm) RealmConfig(env Env) router.RealmConfig {
	cfg := router.RealmConfig{
		URI:                        wamp.URI(r.URI),
		StrictURI:                  env.StrictURI,
		AllowDisclose:              env.AllowDisclose,
		DisableAutoDiscloseTrusted: !env.AutoDiscloseTrusted,
		HistoryLimit:               env.HistoryLimit,
	}
	if r.StrictURI != nil {
		cfg.StrictURI = *r.StrictURI
	}
	if r.AllowDisclose != nil {
		cfg.AllowDisclose = *r.AllowDisclose
	}
	if r.AutoDiscloseTrusted != nil {
		cfg.DisableAutoDiscloseTrusted = !*r.AutoDiscloseTrusted
	}
	if r.HistoryLimit > 0 {
		cfg.HistoryLimit = r.HistoryLimit
	}
	for _, uri := range r.ProtectedURIs {
		cfg.ProtectedURIs = append(cfg.ProtectedURIs, wamp.URI(uri))
	}
	for _, role := range r.Roles {
		cfg.Roles = append(cfg.Roles, role.staticRole())
	}
	return cfg
}

func (r Role) staticRole() *authz.StaticRole {
	perms := make([]authz.Permission, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		perms = append(perms, authz.Permission{
			URI:       wamp.URI(p.URI),
			Match:     p.Match,
			Call:      p.Call,
			Register:  p.Register,
			Subscribe: p.Subscribe,
			Publish:   p.Publish,
			Disclose:  p.Disclose,
			Cache:     p.Cache,
		})
	}
	return authz.NewStaticRole(r.Name, perms)
}
