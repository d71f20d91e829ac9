// Package history defines retention of published events per subscription,
// backing the wamp.subscription.get_events meta procedure.
package history

import (
	"context"
	"time"

	"github.com/gammazero/nexus/v3/wamp"
)

// Event is one retained publication.
type Event struct {
	Publication       wamp.ID   `cbor:"publication"`
	Topic             wamp.URI  `cbor:"topic"`
	Publisher         wamp.ID   `cbor:"publisher"`
	PublisherAuthID   string    `cbor:"publisher_authid,omitempty"`
	PublisherAuthRole string    `cbor:"publisher_authrole,omitempty"`
	Time              time.Time `cbor:"time"`
	Arguments         wamp.List `cbor:"args,omitempty"`
	ArgumentsKw       wamp.Dict `cbor:"kwargs,omitempty"`
}

// Dict renders the event in the wire shape returned by the meta API.
func (e Event) Dict() wamp.Dict {
	d := wamp.Dict{
		"publication": e.Publication,
		"topic":       e.Topic,
		"publisher":   e.Publisher,
		"timestamp":   e.Time.UTC().Format(time.RFC3339),
	}
	if e.PublisherAuthID != "" {
		d["publisher_authid"] = e.PublisherAuthID
	}
	if e.PublisherAuthRole != "" {
		d["publisher_authrole"] = e.PublisherAuthRole
	}
	if len(e.Arguments) != 0 {
		d["args"] = e.Arguments
	}
	if len(e.ArgumentsKw) != 0 {
		d["kwargs"] = e.ArgumentsKw
	}
	return d
}

// Store retains a bounded window of events per subscription.
//
// Implementations must be safe for concurrent use. Append is called once
// per (subscription, publication) pair; Cut is called when the
// subscription is deleted.
type Store interface {
	// Append records one event for the subscription, evicting the oldest
	// retained event if the window is full.
	Append(ctx context.Context, sub wamp.ID, ev Event) error

	// Events returns up to limit retained events for the subscription,
	// newest first. limit <= 0 returns all retained events.
	Events(ctx context.Context, sub wamp.ID, limit int) ([]Event, error)

	// Cut discards everything retained for the subscription.
	Cut(ctx context.Context, sub wamp.ID) error
}
