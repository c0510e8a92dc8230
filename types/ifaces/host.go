// Package ifaces holds the interfaces a transport must satisfy to host the
// runtime. The bridge and runtime layers depend only on these, so hosts can
// be in-process loopbacks, websockets, or anything else that moves bytes.
package ifaces

import (
	"context"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
)

// EventChannel is the fire-and-forget half of a bridge's channel pair.
//
// Send must preserve per-destination ordering for the consistency guarantees
// upstack to hold; it does not wait for delivery.
type EventChannel interface {
	Send(target wire.Target, payload []byte) error

	// OnReceive installs the receive callback. The bridge installs exactly
	// one; the sender is the zero ConnID when the authority sent it.
	OnReceive(fn func(from types.ConnID, payload []byte))
}

// InvokeChannel is the request/response half of a bridge's channel pair.
type InvokeChannel interface {
	// Invoke sends payload to the authority and blocks until the response
	// arrives or ctx is done. Peer side only.
	Invoke(ctx context.Context, payload []byte) ([]byte, error)

	// OnInvoke installs the request handler. Authority side only; at most
	// one handler per channel, a second registration errors.
	OnInvoke(fn func(ctx context.Context, from types.ConnID, payload []byte) ([]byte, error)) error
}

// ChannelProvider hands out one channel pair per bridge name. Repeated calls
// with the same name are allowed to return the same pair.
type ChannelProvider interface {
	OpenPair(bridge string) (EventChannel, InvokeChannel, error)
}

// ===

// PresenceSource reports connection comings and goings. Callbacks may be
// registered at any time and fire for occurrences after registration;
// Connections reports the live set.
type PresenceSource interface {
	OnConnect(fn func(types.ConnID))
	OnDisconnect(fn func(types.ConnID))
	Connections() []types.ConnID
}

// SpawnSource is implemented by hosts that can report entity spawn
// occurrences alongside presence. Optional; the runtime feature-detects it.
type SpawnSource interface {
	OnSpawn(fn func(types.ConnID, []wire.Value))
}

// ReadyMarker gates capability discovery: the authority marks the process
// ready once all modules have registered, and peers block on that mark
// before enumerating.
type ReadyMarker interface {
	// SetReady marks the process ready. Authority side; idempotent.
	SetReady()

	// AwaitReady blocks until the authority has marked ready, or ctx is
	// done. Returns immediately once ready has been observed.
	AwaitReady(ctx context.Context) error
}

// ===

// Host is the full contract a transport offers the runtime.
type Host interface {
	ChannelProvider
	PresenceSource
	ReadyMarker
}
