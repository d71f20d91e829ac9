// Package inventory validates call and publish payloads against schemas
// reflected from Go types. Realms attach an Inventory to refuse
// malformed payloads before they reach callees or subscribers.
package inventory

import (
	"fmt"
	"sync"

	"github.com/gammazero/nexus/v3/wamp"
	"github.com/invopop/jsonschema"
)

// Inventory checks keyword payloads bound for a URI.
type Inventory interface {
	// Validate returns a non-nil error when the payload violates the
	// schema registered for uri. URIs without a schema always pass.
	Validate(uri wamp.URI, kwargs wamp.Dict) error

	// Schema returns the wire form of the schema registered for uri, or
	// nil when none is registered.
	Schema(uri wamp.URI) wamp.Dict
}

// SchemaInventory reflects JSON Schemas from Go sample types and
// validates keyword arguments structurally against them.
type SchemaInventory struct {
	mu      sync.RWMutex
	schemas map[wamp.URI]*jsonschema.Schema
}

// NewSchemaInventory returns an empty SchemaInventory.
func NewSchemaInventory() *SchemaInventory {
	return &SchemaInventory{schemas: make(map[wamp.URI]*jsonschema.Schema)}
}

// RegisterType reflects a schema from sample and binds it to uri. Only
// struct samples produce object schemas; anything else is rejected.
func (inv *SchemaInventory) RegisterType(uri wamp.URI, sample any) error {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(sample)
	if s == nil || s.Type != "object" {
		return fmt.Errorf("inventory: sample for %s is not a struct", uri)
	}

	inv.mu.Lock()
	inv.schemas[uri] = s
	inv.mu.Unlock()
	return nil
}

// Deregister removes any schema bound to uri.
func (inv *SchemaInventory) Deregister(uri wamp.URI) {
	inv.mu.Lock()
	delete(inv.schemas, uri)
	inv.mu.Unlock()
}

func (inv *SchemaInventory) Validate(uri wamp.URI, kwargs wamp.Dict) error {
	inv.mu.RLock()
	s := inv.schemas[uri]
	inv.mu.RUnlock()
	if s == nil {
		return nil
	}

	for _, name := range s.Required {
		if _, ok := kwargs[name]; !ok {
			return fmt.Errorf("inventory: %s: missing required argument %q", uri, name)
		}
	}
	if s.Properties == nil {
		return nil
	}
	for el := s.Properties.Oldest(); el != nil; el = el.Next() {
		v, ok := kwargs[el.Key]
		if !ok {
			continue
		}
		if err := checkKind(el.Value, v); err != nil {
			return fmt.Errorf("inventory: %s: argument %q: %w", uri, el.Key, err)
		}
	}
	return nil
}

func (inv *SchemaInventory) Schema(uri wamp.URI) wamp.Dict {
	inv.mu.RLock()
	s := inv.schemas[uri]
	inv.mu.RUnlock()
	if s == nil {
		return nil
	}

	props := wamp.Dict{}
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = wamp.Dict{"type": el.Value.Type}
		}
	}
	out := wamp.Dict{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// checkKind verifies the dynamic kind of a payload value against the
// schema type. Nested objects are checked one level deep only; payloads
// cross serializers that already normalize deeper structure.
func checkKind(s *jsonschema.Schema, v any) error {
	switch s.Type {
	case "string":
		if _, ok := wamp.AsString(v); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case "integer":
		if _, ok := wamp.AsInt64(v); !ok {
			return fmt.Errorf("expected integer, got %T", v)
		}
	case "number":
		switch v.(type) {
		case float32, float64:
		default:
			if _, ok := wamp.AsInt64(v); !ok {
				return fmt.Errorf("expected number, got %T", v)
			}
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case "array":
		if _, ok := wamp.AsList(v); !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
	case "object":
		if _, ok := wamp.AsDict(v); !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
	}
	return nil
}
