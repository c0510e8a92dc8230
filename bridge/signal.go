package bridge

import (
	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
)

// Signal is a stateless broadcast wrapper over one endpoint: fires map to
// sends, connects map to subscribes. It stores nothing.
type Signal struct {
	ep *Endpoint
}

func (s *Signal) Name() string {
	return s.ep.name
}

// Fire sends to the authority. Peer side.
func (s *Signal) Fire(args ...wire.Value) error {
	return s.ep.Send(wire.Authority(), args...)
}

// FireFor sends to a single connection. Authority side.
func (s *Signal) FireFor(conn types.ConnID, args ...wire.Value) error {
	return s.ep.Send(wire.To(conn), args...)
}

// FireAll sends to every live connection. Authority side.
func (s *Signal) FireAll(args ...wire.Value) error {
	return s.ep.Send(wire.All(), args...)
}

// FireExcept sends to every live connection except those listed. Authority
// side.
func (s *Signal) FireExcept(except []types.ConnID, args ...wire.Value) error {
	return s.ep.Send(wire.AllExcept(except...), args...)
}

// Connect registers fn for every fire addressed to this side.
func (s *Signal) Connect(fn EventHandler) *Subscription {
	return s.ep.Subscribe(fn)
}

// Once registers fn for the next fire only.
func (s *Signal) Once(fn EventHandler) *Subscription {
	return s.ep.SubscribeOnce(fn)
}
