package bridge

import (
	"testing"

	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"github.com/stretchr/testify/assert"
)

func TestBridgeConstructionIsIdempotentByName(t *testing.T) {
	r := makeRig()

	b1, err := r.auth.Bridge("game")
	assert.NoError(t, err)

	b2, err := r.auth.Bridge("game")
	assert.NoError(t, err)

	assert.Same(t, b1, b2, "repeated Bridge calls with the same name must return the identical instance")

	other, err := r.auth.Bridge("lobby")
	assert.NoError(t, err)
	assert.NotSame(t, b1, other, "different names must yield different bridges")

	ep1, err := b1.Endpoint("chat")
	assert.NoError(t, err)

	ep2, err := b1.Endpoint("chat")
	assert.NoError(t, err)

	assert.Same(t, ep1, ep2, "repeated Endpoint calls with the same name must return the identical instance")
}

func TestReservedNamesRefusedForApplicationMembers(t *testing.T) {
	r := makeRig()

	b, err := r.auth.Bridge("game")
	assert.NoError(t, err)

	_, err = b.Endpoint(wire.EventsEndpoint)
	assert.ErrorIs(t, err, ErrReservedName, "application endpoints must not claim enumeration names")

	_, err = b.Signal("__round")
	assert.ErrorIs(t, err, ErrReservedName, "application signals must not claim reserved names")

	_, err = b.DefineProperty("__motd", nil)
	assert.ErrorIs(t, err, ErrReservedName, "application properties must not claim reserved names")

	pb, err := r.peer.Bridge("game")
	assert.NoError(t, err)

	_, err = pb.WatchProperty("__motd", nil)
	assert.ErrorIs(t, err, ErrReservedName, "peer property views must not claim reserved names")
}

func TestUnknownEndpointFramesAreDropped(t *testing.T) {
	r := makeRig()

	ab, err := r.auth.Bridge("game")
	assert.NoError(t, err)

	known, err := ab.Endpoint("chat")
	assert.NoError(t, err)

	rec := &recorder{}
	known.Subscribe(rec.record)

	pb, err := r.peer.Bridge("game")
	assert.NoError(t, err)

	// The peer sends on a member the authority never registered; the frame
	// must vanish without disturbing the receive path.
	ghost, err := pb.Endpoint("ghost")
	assert.NoError(t, err)
	assert.NoError(t, ghost.Send(wire.Authority(), "into the void"))

	peerKnown, err := pb.Endpoint("chat")
	assert.NoError(t, err)
	assert.NoError(t, peerKnown.Send(wire.Authority(), "hello"))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, assertEventuallyTimeout, assertEventuallyTick,
		"a frame for a known endpoint must still be delivered after an unknown-endpoint frame was dropped")
	assert.Equal(t, []wire.Value{"hello"}, rec.values(), "only the known-endpoint frame should reach subscribers")
}
