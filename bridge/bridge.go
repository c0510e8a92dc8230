package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/ifaces"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
)

// Bridge bundles many named members onto one host channel pair. Inbound
// frames are demultiplexed by the member name embedded in the frame; frames
// naming an unknown member are dropped, which keeps mismatched member sets
// between roles from crashing either side.
type Bridge struct {
	mux  *Mux
	name string

	ev  ifaces.EventChannel
	inv ifaces.InvokeChannel

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	signals   map[string]*Signal
	props     map[string]*Property
	views     map[string]*PropertyView

	// events lists the endpoints that belong in the advertised event
	// catalog: those the application created directly, not the ones backing
	// signals, properties, or enumeration.
	events map[string]bool
}

func newBridge(m *Mux, name string) (*Bridge, error) {
	ev, inv, err := m.host.OpenPair(name)
	if err != nil {
		return nil, fmt.Errorf("opening channel pair: %w", err)
	}

	b := &Bridge{
		mux:       m,
		name:      name,
		ev:        ev,
		inv:       inv,
		endpoints: make(map[string]*Endpoint),
		signals:   make(map[string]*Signal),
		props:     make(map[string]*Property),
		views:     make(map[string]*PropertyView),
		events:    make(map[string]bool),
	}

	ev.OnReceive(b.recvFrame)

	if m.role.IsAuthority() {
		if err = inv.OnInvoke(b.handleInvoke); err != nil {
			return nil, fmt.Errorf("installing invoke demux: %w", err)
		}

		b.publishEnumeration()
	}

	b.L().Debug("bridge created")

	return b, nil
}

func (b *Bridge) Name() string {
	return b.name
}

// Endpoint returns the named endpoint, creating it on first reference.
// Repeated calls return the identical instance. Endpoints created here are
// advertised in the bridge's event catalog; reserved names are refused.
func (b *Bridge) Endpoint(name string) (*Endpoint, error) {
	if wire.IsReservedName(name) {
		return nil, fmt.Errorf("endpoint %q: %w", name, ErrReservedName)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ep := b.endpointLocked(name)
	b.events[name] = true

	return ep, nil
}

// endpointLocked creates or returns an endpoint without touching the event
// catalog; the internal path for signal, property, and enumeration backing.
func (b *Bridge) endpointLocked(name string) *Endpoint {
	if ep, ok := b.endpoints[name]; ok {
		return ep
	}

	ep := newEndpoint(b, name)
	b.endpoints[name] = ep

	return ep
}

func (b *Bridge) lookupEndpoint(name string) *Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.endpoints[name]
}

// Signal returns the named broadcast signal, creating it on first reference.
func (b *Bridge) Signal(name string) (*Signal, error) {
	if wire.IsReservedName(name) {
		return nil, fmt.Errorf("signal %q: %w", name, ErrReservedName)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.signals[name]; ok {
		return s, nil
	}

	s := &Signal{ep: b.endpointLocked(name)}
	b.signals[name] = s

	return s, nil
}

// DefineProperty creates the authoritative replicated property with the
// given name and join-time default. Idempotent by name; a repeat call
// returns the existing property and ignores the new default.
func (b *Bridge) DefineProperty(name string, def wire.Value) (*Property, error) {
	if !b.mux.role.IsAuthority() {
		return nil, fmt.Errorf("defining property %q: %w", name, ErrRoleRestricted)
	}

	if wire.IsReservedName(name) {
		return nil, fmt.Errorf("property %q: %w", name, ErrReservedName)
	}

	b.mu.Lock()

	if p, ok := b.props[name]; ok {
		b.mu.Unlock()
		return p, nil
	}

	p, err := newProperty(b, b.endpointLocked(name), name, def)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("defining property %q: %w", name, err)
	}

	b.props[name] = p
	b.mu.Unlock()

	// Connections live before definition get the default too.
	for _, conn := range b.mux.host.Connections() {
		p.handleConnect(conn)
	}

	return p, nil
}

// WatchProperty returns the peer-side view of the named property, seeded
// with def until the first push arrives. Idempotent by name.
func (b *Bridge) WatchProperty(name string, def wire.Value) (*PropertyView, error) {
	if b.mux.role.IsAuthority() {
		return nil, fmt.Errorf("watching property %q: %w", name, ErrRoleRestricted)
	}

	if wire.IsReservedName(name) {
		return nil, fmt.Errorf("property %q: %w", name, ErrReservedName)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if v, ok := b.views[name]; ok {
		return v, nil
	}

	v, err := newPropertyView(b, b.endpointLocked(name), name, def)
	if err != nil {
		return nil, fmt.Errorf("watching property %q: %w", name, err)
	}

	b.views[name] = v

	return v, nil
}

func (b *Bridge) removeProperty(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.props, name)
}

func (b *Bridge) removeView(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.views, name)
}

// === inbound plumbing

func (b *Bridge) recvFrame(from types.ConnID, payload []byte) {
	f, err := wire.DecodeFrame(payload)
	if err != nil {
		b.L().Debug("dropping undecodable frame", "from", from.Debug(), "err", err)
		return
	}

	ep := b.lookupEndpoint(f.Event)
	if ep == nil {
		// Tolerates member sets drifting between roles.
		b.L().Debug("dropping frame for unknown endpoint", "event", f.Event, "from", from.Debug())
		return
	}

	ep.dispatch(from, f.Args)
}

func (b *Bridge) handleInvoke(ctx context.Context, from types.ConnID, payload []byte) ([]byte, error) {
	f, err := wire.DecodeFrame(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding invoke frame: %w", err)
	}

	ep := b.lookupEndpoint(f.Event)
	if ep == nil {
		// Empty reply; same skew tolerance as the event path.
		b.L().Debug("empty-replying invoke for unknown endpoint", "event", f.Event, "from", from.Debug())
		return nil, nil
	}

	return ep.handleInvoke(ctx, from, f.Args)
}

func (b *Bridge) send(target wire.Target, event string, args []wire.Value) error {
	payload, err := wire.EncodeFrame(wire.Frame{Bridge: b.name, Event: event, Args: args})
	if err != nil {
		return err
	}

	return b.ev.Send(target, payload)
}

func (b *Bridge) invoke(ctx context.Context, event string, args []wire.Value) ([]wire.Value, error) {
	payload, err := wire.EncodeFrame(wire.Frame{Bridge: b.name, Event: event, Args: args})
	if err != nil {
		return nil, err
	}

	reply, err := b.inv.Invoke(ctx, payload)
	if err != nil {
		return nil, err
	}

	return wire.DecodeArgs(reply)
}

// === capability enumeration (authority)

// publishEnumeration installs the three catalog endpoints a joining peer
// invokes to learn this bridge's surface. Catalogs are read live at call
// time, so members registered any time before the process-wide ready mark
// are visible.
func (b *Bridge) publishEnumeration() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.enumerate(wire.EventsEndpoint, func() ([]byte, error) {
		return wire.EncodeNames(b.eventNames())
	})
	b.enumerate(wire.SignalsEndpoint, func() ([]byte, error) {
		return wire.EncodeNames(b.signalNames())
	})
	b.enumerate(wire.PropertiesEndpoint, func() ([]byte, error) {
		return wire.EncodePropertySpecs(b.propertySpecs())
	})
}

func (b *Bridge) enumerate(name string, catalog func() ([]byte, error)) {
	ep := b.endpointLocked(name)

	// Cannot collide: reserved names are refused to application handlers.
	_ = ep.setRequestHandler(func(context.Context, types.ConnID, []wire.Value) ([]wire.Value, error) {
		raw, err := catalog()
		if err != nil {
			return nil, err
		}

		return []wire.Value{raw}, nil
	})
}

func (b *Bridge) eventNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.events))
	for name := range b.events {
		names = append(names, name)
	}

	return names
}

func (b *Bridge) signalNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.signals))
	for name := range b.signals {
		names = append(names, name)
	}

	return names
}

func (b *Bridge) propertySpecs() []wire.PropertySpec {
	b.mu.RLock()
	defer b.mu.RUnlock()

	specs := make([]wire.PropertySpec, 0, len(b.props))
	for _, p := range b.props {
		specs = append(specs, wire.NewPropertySpec(p.name, p.Default()))
	}

	return specs
}

// === presence fan-out (authority)

func (b *Bridge) handleConnect(conn types.ConnID) {
	for _, p := range b.propsSnapshot() {
		p.handleConnect(conn)
	}
}

func (b *Bridge) handleDisconnect(conn types.ConnID) {
	for _, p := range b.propsSnapshot() {
		p.handleDisconnect(conn)
	}
}

func (b *Bridge) propsSnapshot() []*Property {
	b.mu.RLock()
	defer b.mu.RUnlock()

	props := make([]*Property, 0, len(b.props))
	for _, p := range b.props {
		props = append(props, p)
	}

	return props
}

func (b *Bridge) L() *slog.Logger {
	return slog.With("bridge", b.name, "role", b.mux.role.String())
}
