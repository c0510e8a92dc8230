// Package bridge multiplexes many named primitives (endpoints, broadcast
// signals, replicated properties) onto the host's raw channel pairs, one
// pair per bridge name. It carries the role split of the runtime: the
// authority variant fans out to connections and owns property state, the
// peer variant proxies a discovered surface and talks only to the authority.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/ifaces"
)

// Mux is the process-wide registry of bridges. One per process; bridges are
// created lazily, memoized by name, and live until process exit.
type Mux struct {
	role types.Role
	host ifaces.Host

	mu      sync.RWMutex
	bridges map[string]*Bridge

	svcMu    sync.Mutex
	services map[string]*Service
}

func NewMux(role types.Role, host ifaces.Host) *Mux {
	m := &Mux{
		role:     role,
		host:     host,
		bridges:  make(map[string]*Bridge),
		services: make(map[string]*Service),
	}

	if role.IsAuthority() {
		// Properties track the live connection set; registering here, before
		// anything else hooks presence, keeps state purges ahead of whatever
		// downstream callbacks do with the same occurrence.
		host.OnConnect(m.handleConnect)
		host.OnDisconnect(m.handleDisconnect)
	}

	return m
}

func (m *Mux) Role() types.Role {
	return m.role
}

// Host exposes the underlying transport contract, mostly so layered code can
// reach presence and the ready marker without re-plumbing it.
func (m *Mux) Host() ifaces.Host {
	return m.host
}

// Bridge returns the bridge with the given name, creating it on first
// reference. Repeated calls return the identical instance. Creation opens
// the host channel pair and, on the authority, publishes the bridge's
// enumeration endpoints.
func (m *Mux) Bridge(name string) (*Bridge, error) {
	m.mu.RLock()
	b, ok := m.bridges[name]
	m.mu.RUnlock()

	if ok {
		return b, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Raced another creator; first one wins.
	if b, ok = m.bridges[name]; ok {
		return b, nil
	}

	b, err := newBridge(m, name)
	if err != nil {
		return nil, fmt.Errorf("creating bridge %q: %w", name, err)
	}

	m.bridges[name] = b

	return b, nil
}

func (m *Mux) handleConnect(conn types.ConnID) {
	for _, b := range m.snapshot() {
		b.handleConnect(conn)
	}
}

func (m *Mux) handleDisconnect(conn types.ConnID) {
	for _, b := range m.snapshot() {
		b.handleDisconnect(conn)
	}
}

func (m *Mux) snapshot() []*Bridge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}

	return bridges
}

// DiscoverService enumerates the authority's surface for the named bridge
// and builds the local proxy set: one endpoint, signal, or property view per
// advertised member. It blocks until the authority marks itself ready, so a
// peer racing process startup never sees a half-registered surface. The
// built Service is cached; subsequent calls return the identical object
// graph without touching the wire.
func (m *Mux) DiscoverService(ctx context.Context, name string) (*Service, error) {
	if m.role.IsAuthority() {
		return nil, fmt.Errorf("discovering %q: %w", name, ErrRoleRestricted)
	}

	m.svcMu.Lock()
	defer m.svcMu.Unlock()

	if svc, ok := m.services[name]; ok {
		return svc, nil
	}

	if err := m.host.AwaitReady(ctx); err != nil {
		return nil, fmt.Errorf("waiting for authority readiness: %w", err)
	}

	b, err := m.Bridge(name)
	if err != nil {
		return nil, err
	}

	svc, err := discoverService(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("discovering %q: %w", name, err)
	}

	m.services[name] = svc

	m.L().Info("discovered service", "service", name,
		"events", len(svc.endpoints), "signals", len(svc.signals), "properties", len(svc.views))

	return svc, nil
}

func (m *Mux) L() *slog.Logger {
	return slog.With("role", m.role.String())
}
