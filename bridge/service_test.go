package bridge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"github.com/stretchr/testify/assert"
)

func TestDiscoverServiceBuildsAndCachesProxies(t *testing.T) {
	r := makeRig()

	ab, err := r.auth.Bridge("game")
	assert.NoError(t, err)

	chat, err := ab.Endpoint("chat")
	assert.NoError(t, err)

	err = chat.SetRequestHandler(func(_ context.Context, _ types.ConnID, args []wire.Value) ([]wire.Value, error) {
		return []wire.Value{strings.ToUpper(args[0].(string))}, nil
	})
	assert.NoError(t, err)

	round, err := ab.Signal("round")
	assert.NoError(t, err)

	_, err = ab.DefineProperty("motd", "welcome")
	assert.NoError(t, err)

	_, err = ab.DefineProperty("secret", nil)
	assert.NoError(t, err)

	r.net.Authority().SetReady()

	ctx := context.Background()

	svc, err := r.peer.DiscoverService(ctx, "game")
	assert.NoError(t, err, "discovery against a ready authority should succeed")

	assert.Equal(t, []string{"chat"}, svc.EventNames(), "the advertised event catalog should come back verbatim")
	assert.Equal(t, []string{"round"}, svc.SignalNames(), "the advertised signal catalog should come back verbatim")
	assert.Equal(t, []string{"motd", "secret"}, svc.PropertyNames(), "the advertised property catalog should come back verbatim")

	ep, ok := svc.Event("chat")
	assert.True(t, ok)

	reply, err := ep.Invoke(ctx, "ping")
	assert.NoError(t, err)
	assert.Equal(t, []wire.Value{"PING"}, reply, "an invoke through a discovered proxy should reach the authority's handler")

	view, ok := svc.Property("motd")
	assert.True(t, ok)
	assert.Equal(t, "welcome", view.Get(), "a discovered view should be seeded with the advertised default")

	sview, ok := svc.Property("secret")
	assert.True(t, ok)
	assert.Nil(t, sview.Get(), "a property advertised without a default should seed nil")

	rec := &recorder{}
	round.Connect(rec.record)

	sig, ok := svc.Signal("round")
	assert.True(t, ok)
	assert.NoError(t, sig.Fire("go"))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, assertEventuallyTimeout, assertEventuallyTick,
		"a fire through a discovered signal proxy should reach the authority")

	svc2, err := r.peer.DiscoverService(ctx, "game")
	assert.NoError(t, err)
	assert.Same(t, svc, svc2, "repeat discovery must return the cached object graph")

	_, err = r.auth.DiscoverService(ctx, "game")
	assert.ErrorIs(t, err, ErrRoleRestricted, "the authority must not discover")
}

func TestDiscoverServiceBlocksUntilReady(t *testing.T) {
	r := makeRig()

	_, err := r.auth.Bridge("game")
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = r.peer.DiscoverService(ctx, "game")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "discovery must not proceed before the authority marks ready")

	r.net.Authority().SetReady()

	svc, err := r.peer.DiscoverService(context.Background(), "game")
	assert.NoError(t, err, "discovery should succeed once the authority is ready")
	assert.NotNil(t, svc)
}

func TestDiscoverServiceAgainstMissingBridgeErrs(t *testing.T) {
	r := makeRig()

	r.net.Authority().SetReady()

	_, err := r.peer.DiscoverService(context.Background(), "ghost")
	assert.Error(t, err, "discovering a service the authority never published should fail loudly")
}
