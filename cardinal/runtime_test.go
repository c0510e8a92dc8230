package cardinal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/transport/loopback"
	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"github.com/stretchr/testify/assert"
)

const (
	assertEventuallyTick    = time.Millisecond
	assertEventuallyTimeout = 200 * assertEventuallyTick

	// settleTime bounds the "this must never happen" checks below.
	settleTime = 25 * time.Millisecond

	// Short enough that sweeps land well inside an Eventually window.
	testSweepInterval = 5 * time.Millisecond
)

func authorityConfig(net *loopback.Network) Config {
	return Config{
		Role:          types.RoleAuthority,
		Host:          net.Authority(),
		SweepInterval: testSweepInterval,
	}
}

func peerConfig(p *loopback.Peer) Config {
	return Config{
		Role:          types.RolePeer,
		Host:          p,
		SweepInterval: testSweepInterval,
	}
}

type connTally struct {
	mu   sync.Mutex
	seen map[types.ConnID]int
}

func newConnTally() *connTally {
	return &connTally{seen: make(map[types.ConnID]int)}
}

func (ta *connTally) note(conn types.ConnID) {
	ta.mu.Lock()
	defer ta.mu.Unlock()

	ta.seen[conn]++
}

func (ta *connTally) count(conn types.ConnID) int {
	ta.mu.Lock()
	defer ta.mu.Unlock()

	return ta.seen[conn]
}

func (ta *connTally) total() int {
	ta.mu.Lock()
	defer ta.mu.Unlock()

	n := 0
	for _, c := range ta.seen {
		n += c
	}

	return n
}

func TestModulesInitBeforeAnyStarts(t *testing.T) {
	rt := New(authorityConfig(loopback.NewNetwork()))
	defer rt.Close()

	var order []string

	module := func(name string) Module {
		return &ModuleFuncs{
			ModuleName: name,
			InitFunc:   func(*Runtime) error { order = append(order, "init-"+name); return nil },
			StartFunc:  func(context.Context) error { order = append(order, "start-"+name); return nil },
		}
	}

	assert.NoError(t, rt.Register(module("a")))
	assert.NoError(t, rt.Register(module("b")))

	assert.NoError(t, rt.Start(context.Background()))

	assert.Equal(t, []string{"init-a", "init-b", "start-a", "start-b"}, order,
		"every init must complete before any start runs")
}

func TestFailingModulesDoNotDisturbSiblings(t *testing.T) {
	rt := New(authorityConfig(loopback.NewNetwork()))
	defer rt.Close()

	var goodStarted bool

	assert.NoError(t, rt.Register(&ModuleFuncs{
		ModuleName: "broken-init",
		InitFunc:   func(*Runtime) error { return assert.AnError },
		StartFunc:  func(context.Context) error { t.Error("start must not run after a failed init"); return nil },
	}))
	assert.NoError(t, rt.Register(&ModuleFuncs{
		ModuleName: "panics-on-start",
		StartFunc:  func(context.Context) error { panic("boom") },
	}))
	assert.NoError(t, rt.Register(&ModuleFuncs{
		ModuleName: "good",
		StartFunc:  func(context.Context) error { goodStarted = true; return nil },
	}))

	err := rt.Start(context.Background())

	assert.ErrorIs(t, err, assert.AnError, "the failed init must surface")
	assert.ErrorContains(t, err, "panicked: boom", "the recovered panic must surface")
	assert.True(t, goodStarted, "a healthy sibling must start regardless")
}

func TestRegistrationIsPreStartOnly(t *testing.T) {
	rt := New(authorityConfig(loopback.NewNetwork()))
	defer rt.Close()

	assert.NoError(t, rt.Start(context.Background()))

	assert.ErrorIs(t, rt.Register(&ModuleFuncs{ModuleName: "late"}), ErrAlreadyStarted)
	assert.ErrorIs(t, rt.Start(context.Background()), ErrAlreadyStarted, "a second start must be refused")
}

func TestLifecycleReplayCoversPreRegistrationHistory(t *testing.T) {
	net := loopback.NewNetwork()

	// One peer connects before the runtime even exists, one after; both must
	// replay exactly once.
	early := net.Connect()

	rt := New(authorityConfig(net))
	defer rt.Close()

	late := net.Connect()

	connects := newConnTally()
	spawns := newConnTally()

	assert.NoError(t, rt.Register(&ModuleFuncs{
		ModuleName: "tracker",
		InitFunc: func(rt *Runtime) error {
			rt.OnConnect(connects.note)
			rt.OnSpawn(func(conn types.ConnID, args []wire.Value) {
				assert.Equal(t, []wire.Value{"knight"}, args)
				spawns.note(conn)
			})

			return nil
		},
	}))

	net.EmitSpawn(early.ID(), "knight")

	assert.NoError(t, rt.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return connects.count(early.ID()) == 1 && connects.count(late.ID()) == 1 && spawns.count(early.ID()) == 1
	}, assertEventuallyTimeout, assertEventuallyTick,
		"occurrences preceding module registration must replay to callbacks registered in Init")

	time.Sleep(settleTime)
	assert.Equal(t, 2, connects.total(), "each connect must replay exactly once")
}

func TestReadinessGatesDiscoveryOnModuleStartup(t *testing.T) {
	net := loopback.NewNetwork()

	art := New(authorityConfig(net))
	defer art.Close()

	assert.NoError(t, art.Register(&ModuleFuncs{
		ModuleName: "game",
		InitFunc: func(rt *Runtime) error {
			b, err := rt.Bridge("game")
			if err != nil {
				return err
			}

			_, err = b.Endpoint("chat")

			return err
		},
	}))

	prt := New(peerConfig(net.Connect()))
	defer prt.Close()
	assert.NoError(t, prt.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := prt.DiscoverService(ctx, "game")
	assert.ErrorIs(t, err, context.DeadlineExceeded,
		"discovery must block while the authority is still starting up")

	assert.NoError(t, art.Start(context.Background()))

	svc, err := prt.DiscoverService(context.Background(), "game")
	assert.NoError(t, err, "discovery must succeed once the authority's modules are up")
	assert.Equal(t, []string{"chat"}, svc.EventNames())
}

func TestCloseSynthesizesDisconnectsExactlyOnce(t *testing.T) {
	net := loopback.NewNetwork()

	rt := New(authorityConfig(net))

	p1 := net.Connect()
	p2 := net.Connect()

	disconnects := newConnTally()

	assert.NoError(t, rt.Register(&ModuleFuncs{
		ModuleName: "tracker",
		InitFunc: func(rt *Runtime) error {
			rt.OnDisconnect(disconnects.note)
			return nil
		},
	}))

	assert.NoError(t, rt.Start(context.Background()))

	rt.Close()
	rt.Close() // repeat close is a no-op

	assert.Eventually(t, func() bool {
		return disconnects.count(p1.ID()) == 1 && disconnects.count(p2.ID()) == 1
	}, assertEventuallyTimeout, assertEventuallyTick,
		"closing must synthesize one disconnect per still-connected peer")

	time.Sleep(settleTime)
	assert.Equal(t, 2, disconnects.total())
}

func TestModuleContextCancelsOnClose(t *testing.T) {
	rt := New(authorityConfig(loopback.NewNetwork()))

	var modCtx context.Context

	assert.NoError(t, rt.Register(&ModuleFuncs{
		ModuleName: "watcher",
		StartFunc:  func(ctx context.Context) error { modCtx = ctx; return nil },
	}))

	assert.NoError(t, rt.Start(context.Background()))
	assert.NoError(t, modCtx.Err(), "the module context must be live while the runtime runs")

	rt.Close()

	assert.ErrorIs(t, modCtx.Err(), context.Canceled, "closing the runtime must cancel the module context")
}
