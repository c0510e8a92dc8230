// Package cardinal hosts the process runtime: it binds a transport host, the
// bridge multiplexer, and the lifecycle replay buffer together, and walks
// registered modules through their init and start phases.
//
// The runtime's job is ordering. Presence hooks are installed at
// construction so occurrences that precede module registration are buffered
// rather than lost; the replay sweeper starts only after every module has
// had its chance to register callbacks; the authority's ready marker is set
// only once the full surface exists, so discovering peers never observe a
// half-registered service.
package cardinal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/bridge"
	"github.com/RemnantsOfSiren/Cardinal/replay"
	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/ifaces"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
)

// Config carries everything New needs. Role and Host are mandatory; the
// rest defaults.
type Config struct {
	Role types.Role
	Host ifaces.Host

	// SweepInterval is the lifecycle sweeper's tick; zero means
	// DefaultSweepInterval.
	SweepInterval time.Duration

	// Clock defaults to the wall clock; tests swap in a mock.
	Clock clock.Clock
}

// Runtime is one process's Cardinal instance.
type Runtime struct {
	cfg Config
	mux *bridge.Mux
	buf *replay.Buffer

	mu      sync.Mutex
	modules []Module
	started bool
	live    map[types.ConnID]bool
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// New builds a Runtime and installs its presence hooks. The bridge mux hooks
// presence first, so per-connection property state is purged before the
// matching lifecycle record is appended; anything a disconnect callback
// observes is already consistent.
func New(cfg Config) *Runtime {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	rt := &Runtime{
		cfg:  cfg,
		live: make(map[types.ConnID]bool),
	}

	rt.mux = bridge.NewMux(cfg.Role, cfg.Host)
	rt.buf = replay.New(cfg.Clock, cfg.SweepInterval)

	if cfg.Role.IsAuthority() {
		cfg.Host.OnConnect(rt.noteConnect)
		cfg.Host.OnDisconnect(rt.noteDisconnect)

		if ss, ok := cfg.Host.(ifaces.SpawnSource); ok {
			ss.OnSpawn(rt.noteSpawn)
		}

		// Connections that predate this runtime replay as connects; the live
		// set deduplicates them against hook deliveries racing the snapshot.
		for _, conn := range cfg.Host.Connections() {
			rt.noteConnect(conn)
		}
	}

	return rt
}

func (rt *Runtime) noteConnect(conn types.ConnID) {
	rt.mu.Lock()

	if rt.live[conn] {
		rt.mu.Unlock()
		return
	}

	rt.live[conn] = true
	rt.mu.Unlock()

	rt.buf.Append(replay.Connect, conn)
}

func (rt *Runtime) noteDisconnect(conn types.ConnID) {
	rt.mu.Lock()

	if !rt.live[conn] {
		rt.mu.Unlock()
		return
	}

	delete(rt.live, conn)
	rt.mu.Unlock()

	rt.buf.Append(replay.Disconnect, conn)
}

func (rt *Runtime) noteSpawn(conn types.ConnID, args []wire.Value) {
	rt.buf.Append(replay.Spawn, conn, args...)
}

// Register adds a module. Pre-start only.
func (rt *Runtime) Register(m Module) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.started {
		return fmt.Errorf("registering module %q: %w", m.Name(), ErrAlreadyStarted)
	}

	rt.modules = append(rt.modules, m)

	return nil
}

// Start runs every module's Init, then Start for those whose Init succeeded.
// A failing or panicking module never takes its siblings down: failures are
// collected and returned together once all modules have had their attempt.
// Afterwards the authority marks itself ready and the lifecycle sweeper
// begins, in that order.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()

	if rt.started {
		rt.mu.Unlock()
		return ErrAlreadyStarted
	}

	rt.started = true
	modules := append([]Module{}, rt.modules...)

	ctx, rt.cancel = context.WithCancel(ctx)

	rt.mu.Unlock()

	var errs error

	ok := make([]Module, 0, len(modules))

	for _, m := range modules {
		m := m

		if err := runPhase(m.Name(), "init", func() error { return m.Init(rt) }); err != nil {
			rt.L().Error("module failed to initialize", "module", m.Name(), "err", err)
			errs = multierr.Append(errs, err)

			continue
		}

		ok = append(ok, m)
	}

	for _, m := range ok {
		m := m

		if err := runPhase(m.Name(), "start", func() error { return m.Start(ctx) }); err != nil {
			rt.L().Error("module failed to start", "module", m.Name(), "err", err)
			errs = multierr.Append(errs, err)
		}
	}

	if rt.cfg.Role.IsAuthority() {
		rt.cfg.Host.SetReady()
	}

	rt.buf.Start()

	rt.L().Info("runtime started",
		"modules", len(modules), "failed", len(multierr.Errors(errs)))

	return errs
}

func runPhase(name, phase string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module %s: %s panicked: %v", name, phase, r)
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("module %s: %s: %w", name, phase, err)
	}

	return nil
}

// Close shuts the runtime down: it synthesizes a disconnect record for every
// still-connected peer, sweeps so registered disconnect callbacks observe
// them, then stops the sweeper and cancels the module context. Exactly-once.
func (rt *Runtime) Close() {
	rt.closeOnce.Do(func() {
		rt.mu.Lock()
		conns := maps.Keys(rt.live)
		maps.Clear(rt.live)
		cancel := rt.cancel
		rt.mu.Unlock()

		for _, conn := range conns {
			rt.buf.Append(replay.Disconnect, conn)
		}

		// One pass delivers the synthesized records, the next retires them.
		rt.buf.Sweep()
		rt.buf.Sweep()

		rt.buf.Close()

		if cancel != nil {
			cancel()
		}

		rt.L().Info("runtime closed", "synthesized_disconnects", len(conns))
	})
}

// Mux exposes the bridge multiplexer modules hang their surface off.
func (rt *Runtime) Mux() *bridge.Mux {
	return rt.mux
}

// Bridge is shorthand for Mux().Bridge.
func (rt *Runtime) Bridge(name string) (*bridge.Bridge, error) {
	return rt.mux.Bridge(name)
}

// DiscoverService is shorthand for Mux().DiscoverService.
func (rt *Runtime) DiscoverService(ctx context.Context, name string) (*bridge.Service, error) {
	return rt.mux.DiscoverService(ctx, name)
}

func (rt *Runtime) Role() types.Role {
	return rt.cfg.Role
}

func (rt *Runtime) Host() ifaces.Host {
	return rt.cfg.Host
}

// OnConnect registers a lifecycle callback through the replay buffer: it
// also receives connects that happened before registration, as long as the
// sweeper has not passed them by. Register during Init.
func (rt *Runtime) OnConnect(fn func(conn types.ConnID)) {
	rt.buf.On(replay.Connect, func(conn types.ConnID, _ []wire.Value) { fn(conn) })
}

// OnDisconnect is the disconnect counterpart of OnConnect.
func (rt *Runtime) OnDisconnect(fn func(conn types.ConnID)) {
	rt.buf.On(replay.Disconnect, func(conn types.ConnID, _ []wire.Value) { fn(conn) })
}

// OnSpawn registers for spawn occurrences, with whatever arguments the host
// attributed to them.
func (rt *Runtime) OnSpawn(fn func(conn types.ConnID, args []wire.Value)) {
	rt.buf.On(replay.Spawn, fn)
}

func (rt *Runtime) L() *slog.Logger {
	return slog.With("role", rt.cfg.Role.String())
}
