package bridge

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
)

// Property is the authoritative side of one replicated per-connection value.
//
// Consistency protocol, per connection:
//   - the peer announces readiness with a zero-argument frame on the
//     property's endpoint, sent on its first local observe;
//   - nothing is pushed to a connection before its ready frame is observed;
//     values assigned earlier coalesce to the latest, so the peer never sees
//     an interim value that was overridden before it listened;
//   - after readiness, pushes are per-connection FIFO;
//   - values are deep-copied at assignment, so no two connections (or the
//     default) ever alias one composite value.
//
// Set and SetFor are eventually consistent across connections; only
// per-connection ordering is guaranteed, and only on an ordered transport.
type Property struct {
	bridge *Bridge
	ep     *Endpoint
	name   string

	mu    sync.Mutex
	def   wire.Value
	conns map[types.ConnID]*propConn

	readySub  *Subscription
	destroyed OnceCheck
}

func newProperty(b *Bridge, ep *Endpoint, name string, def wire.Value) (*Property, error) {
	defCopy, err := wire.DeepCopy(def)
	if err != nil {
		return nil, err
	}

	p := &Property{
		bridge:    b,
		ep:        ep,
		name:      name,
		def:       defCopy,
		conns:     make(map[types.ConnID]*propConn),
		destroyed: MakeOnceCheck(),
	}

	p.readySub = ep.subscribeSync(p.recvReady)

	return p, nil
}

func (p *Property) Name() string {
	return p.name
}

// recvReady watches the property's endpoint for zero-argument peer frames,
// the readiness half of the handshake.
func (p *Property) recvReady(from types.ConnID, args []wire.Value) {
	if len(args) != 0 {
		return
	}

	p.mu.Lock()
	pc := p.conns[from]
	p.mu.Unlock()

	if pc == nil {
		p.L().Debug("ready frame from untracked connection", "conn", from.Debug())
		return
	}

	pc.markReady()
}

// GetFor returns the value currently assigned to conn, as a copy the caller
// may freely mutate. Errs for connections this property does not track.
func (p *Property) GetFor(conn types.ConnID) (wire.Value, error) {
	p.mu.Lock()
	pc := p.conns[conn]
	p.mu.Unlock()

	if pc == nil {
		return nil, fmt.Errorf("property %q, conn %s: %w", p.name, conn.Debug(), ErrUnknownConn)
	}

	return pc.get()
}

// SetFor assigns v to each listed connection. Connections that are no longer
// live are skipped; assignment and disconnect race by nature.
func (p *Property) SetFor(v wire.Value, conns ...types.ConnID) error {
	if p.destroyed.Load() {
		return fmt.Errorf("property %q: %w", p.name, ErrDestroyed)
	}

	var errs error

	for _, conn := range conns {
		p.mu.Lock()
		pc := p.conns[conn]
		p.mu.Unlock()

		if pc == nil {
			continue
		}

		if err := pc.assign(v); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("assigning to %s: %w", conn.Debug(), err))
		}
	}

	return errs
}

// Set assigns v to every live connection and makes it the default that
// future connections receive on join.
func (p *Property) Set(v wire.Value) error {
	if p.destroyed.Load() {
		return fmt.Errorf("property %q: %w", p.name, ErrDestroyed)
	}

	defCopy, err := wire.DeepCopy(v)
	if err != nil {
		return fmt.Errorf("property %q: %w", p.name, err)
	}

	p.mu.Lock()
	p.def = defCopy
	pcs := maps.Values(p.conns)
	p.mu.Unlock()

	var errs error

	for _, pc := range pcs {
		if err := pc.assign(v); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("assigning to %s: %w", pc.conn.Debug(), err))
		}
	}

	return errs
}

// ClearFor reverts each listed connection to the current default.
func (p *Property) ClearFor(conns ...types.ConnID) error {
	p.mu.Lock()
	def := p.def
	p.mu.Unlock()

	return p.SetFor(def, conns...)
}

// Default returns the value future connections will receive on join, as a
// copy the caller may freely mutate.
func (p *Property) Default() wire.Value {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp, err := wire.DeepCopy(p.def)
	if err != nil {
		p.L().Error("copying default", "err", err)
		return nil
	}

	return cp
}

// Destroy stops every pusher, releases the readiness subscription, and
// withdraws the property from its bridge's catalog. Repeat calls no-op.
func (p *Property) Destroy() {
	if !p.destroyed.CheckOrMark() {
		return
	}

	p.readySub.Cancel()

	p.mu.Lock()
	pcs := maps.Values(p.conns)
	maps.Clear(p.conns)
	p.mu.Unlock()

	for _, pc := range pcs {
		pc.stop()
	}

	p.bridge.removeProperty(p.name)
}

func (p *Property) handleConnect(conn types.ConnID) {
	p.mu.Lock()

	// Checked under the lock so a racing Destroy either sees this slot or
	// this call sees the destruction.
	if p.destroyed.Load() {
		p.mu.Unlock()
		return
	}

	if _, ok := p.conns[conn]; ok {
		p.mu.Unlock()
		return
	}

	pc := newPropConn(p, conn)
	p.conns[conn] = pc
	def := p.def

	p.mu.Unlock()

	go pc.run()

	if def == nil {
		return
	}

	if err := pc.assign(def); err != nil {
		p.L().Error("assigning join default", "conn", conn.Debug(), "err", err)
	}
}

func (p *Property) handleDisconnect(conn types.ConnID) {
	p.mu.Lock()
	pc := p.conns[conn]
	delete(p.conns, conn)
	p.mu.Unlock()

	if pc != nil {
		pc.stop()
	}
}

func (p *Property) L() *slog.Logger {
	return slog.With("bridge", p.bridge.name, "property", p.name)
}

// propConn is one connection's slot in a property: its current value, its
// pending pushes, and the pusher goroutine that waits out the readiness
// handshake.
type propConn struct {
	prop *Property
	conn types.ConnID

	mu      sync.Mutex
	value   wire.Value
	pending []wire.Value
	ready   bool

	readyCh chan struct{}
	wake    chan struct{}
	done    chan struct{}
	stopped OnceCheck
}

func newPropConn(p *Property, conn types.ConnID) *propConn {
	return &propConn{
		prop:    p,
		conn:    conn,
		pending: make([]wire.Value, 0, PropPendingHint),
		readyCh: make(chan struct{}),
		wake:    make(chan struct{}, PropWakeChanBuffer),
		done:    make(chan struct{}),
		stopped: MakeOnceCheck(),
	}
}

// run is the pusher: it parks until the connection's ready frame (or
// teardown), then forwards queued values in order, sleeping between bursts.
// A connection that never becomes ready parks here until it disconnects or
// the property is destroyed.
func (pc *propConn) run() {
	select {
	case <-pc.readyCh:
	case <-pc.done:
		return
	}

	for {
		for {
			v, ok := pc.next()
			if !ok {
				break
			}

			pc.push(v)
		}

		select {
		case <-pc.wake:
		case <-pc.done:
			return
		}
	}
}

func (pc *propConn) next() (wire.Value, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if len(pc.pending) == 0 {
		return nil, false
	}

	v := pc.pending[0]
	pc.pending = pc.pending[1:]

	return v, true
}

func (pc *propConn) push(v wire.Value) {
	if err := pc.prop.ep.Send(wire.To(pc.conn), v); err != nil {
		pc.prop.L().Warn("push failed", "conn", pc.conn.Debug(), "err", err)
	}
}

// assign stores a fresh copy of v as the connection's value and queues the
// push. Before readiness the queue holds only the latest value; after, it is
// FIFO.
func (pc *propConn) assign(v wire.Value) error {
	cp, err := wire.DeepCopy(v)
	if err != nil {
		return err
	}

	pc.mu.Lock()

	pc.value = cp

	if !pc.ready && len(pc.pending) > 0 {
		pc.pending = append(pc.pending[:0], cp)
	} else {
		pc.pending = append(pc.pending, cp)
	}

	pc.mu.Unlock()

	select {
	case pc.wake <- struct{}{}:
	default:
	}

	return nil
}

func (pc *propConn) get() (wire.Value, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	return wire.DeepCopy(pc.value)
}

func (pc *propConn) markReady() {
	pc.mu.Lock()

	already := pc.ready
	pc.ready = true

	pc.mu.Unlock()

	if !already {
		close(pc.readyCh)
	}
}

func (pc *propConn) stop() {
	if pc.stopped.CheckOrMark() {
		close(pc.done)
	}
}
