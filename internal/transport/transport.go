// Package transport abstracts the bidirectional event channel between a
// room session and the rooms server. Two implementations satisfy the
// contract: Live (websocket) and Simulated (networkless fallback).
//
// The transport is a dumb pipe: every Emit of a mutating event must have
// passed the permission predicates before it reaches this package, and
// nothing here re-validates them.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailable is returned when the channel cannot accept traffic. With
// the simulated fallback wired this is never fatal for a session, but it
// stays representable for callers that opt out of the fallback.
var ErrUnavailable = errors.New("transport unavailable")

// Handler receives the raw payload of one inbound event. Handlers are
// invoked sequentially in arrival order; arrival order is the only
// ordering guarantee.
type Handler func(payload json.RawMessage)

type Transport interface {
	// Connect establishes the channel for the given user. Calling it
	// while connected is a no-op.
	Connect(ctx context.Context, userID string) error
	// Emit sends one event. Payload is marshalled to JSON.
	Emit(event EventType, payload any) error
	// Subscribe registers a handler for an inbound event kind and
	// returns its unsubscribe function.
	Subscribe(event EventType, h Handler) (unsubscribe func())
	Disconnect()
}
