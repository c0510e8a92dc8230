// Package loopback hosts the runtime entirely in-process: one authority and
// any number of peers share a Network fabric that delivers frames by direct
// call. It exists for tests, demos, and single-process embedding; delivery
// is synchronous and per-connection ordered.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/ifaces"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
)

// Network is the shared fabric. Connect/Disconnect drive presence; EmitSpawn
// drives spawn occurrences; SetReady on the authority unblocks peer-side
// AwaitReady.
type Network struct {
	mu sync.Mutex

	auth     *Authority
	peers    map[types.ConnID]*Peer
	nextPeer int

	// authority-side per-bridge plumbing
	authRecv     map[string]func(from types.ConnID, payload []byte)
	authHandlers map[string]invokeHandler

	onConnect    []func(types.ConnID)
	onDisconnect []func(types.ConnID)
	onSpawn      []func(types.ConnID, []wire.Value)

	ready     chan struct{}
	readyOnce sync.Once
}

type invokeHandler func(ctx context.Context, from types.ConnID, payload []byte) ([]byte, error)

func NewNetwork() *Network {
	n := &Network{
		peers:        make(map[types.ConnID]*Peer),
		authRecv:     make(map[string]func(types.ConnID, []byte)),
		authHandlers: make(map[string]invokeHandler),
		ready:        make(chan struct{}),
	}

	n.auth = &Authority{net: n}

	return n
}

// Authority returns the single authority-side host view.
func (n *Network) Authority() *Authority {
	return n.auth
}

// Connect adds a peer to the fabric and fires the authority's connect
// callbacks, in registration order, before returning. The peer cannot send
// until this returns, so presence always precedes its first frame.
func (n *Network) Connect() *Peer {
	n.mu.Lock()

	n.nextPeer++
	id := types.ConnID(fmt.Sprintf("loop-%d", n.nextPeer))

	p := &Peer{
		net:  n,
		id:   id,
		recv: make(map[string]func(types.ConnID, []byte)),
	}
	n.peers[id] = p

	cbs := append([]func(types.ConnID){}, n.onConnect...)

	n.mu.Unlock()

	for _, cb := range cbs {
		cb(id)
	}

	return p
}

// Disconnect removes the peer and fires the authority's disconnect
// callbacks. Repeat calls no-op.
func (n *Network) Disconnect(p *Peer) {
	n.mu.Lock()

	if _, ok := n.peers[p.id]; !ok {
		n.mu.Unlock()
		return
	}

	delete(n.peers, p.id)
	cbs := append([]func(types.ConnID){}, n.onDisconnect...)

	n.mu.Unlock()

	for _, cb := range cbs {
		cb(p.id)
	}
}

// EmitSpawn reports a spawn occurrence attributed to conn.
func (n *Network) EmitSpawn(conn types.ConnID, args ...wire.Value) {
	n.mu.Lock()
	cbs := append([]func(types.ConnID, []wire.Value){}, n.onSpawn...)
	n.mu.Unlock()

	for _, cb := range cbs {
		cb(conn, args)
	}
}

func (n *Network) connections() []types.ConnID {
	n.mu.Lock()
	defer n.mu.Unlock()

	conns := make([]types.ConnID, 0, len(n.peers))
	for id := range n.peers {
		conns = append(conns, id)
	}

	return conns
}

func (n *Network) peerSnapshot() []*Peer {
	n.mu.Lock()
	defer n.mu.Unlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

func (n *Network) peer(id types.ConnID) *Peer {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.peers[id]
}

func (n *Network) setReady() {
	n.readyOnce.Do(func() {
		close(n.ready)
	})
}

func (n *Network) awaitReady(ctx context.Context) error {
	select {
	case <-n.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Authority is the authority-side host view. It satisfies ifaces.Host plus
// ifaces.SpawnSource.
type Authority struct {
	net *Network
}

func (a *Authority) OpenPair(bridge string) (ifaces.EventChannel, ifaces.InvokeChannel, error) {
	return &authEvent{net: a.net, bridge: bridge}, &authInvoke{net: a.net, bridge: bridge}, nil
}

func (a *Authority) OnConnect(fn func(types.ConnID)) {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()

	a.net.onConnect = append(a.net.onConnect, fn)
}

func (a *Authority) OnDisconnect(fn func(types.ConnID)) {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()

	a.net.onDisconnect = append(a.net.onDisconnect, fn)
}

func (a *Authority) OnSpawn(fn func(types.ConnID, []wire.Value)) {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()

	a.net.onSpawn = append(a.net.onSpawn, fn)
}

func (a *Authority) Connections() []types.ConnID {
	return a.net.connections()
}

func (a *Authority) SetReady() {
	a.net.setReady()
}

func (a *Authority) AwaitReady(ctx context.Context) error {
	return a.net.awaitReady(ctx)
}

// Peer is one peer-side host view.
type Peer struct {
	net *Network
	id  types.ConnID

	mu   sync.Mutex
	recv map[string]func(types.ConnID, []byte)
}

func (p *Peer) ID() types.ConnID {
	return p.id
}

// Disconnect removes this peer from the fabric.
func (p *Peer) Disconnect() {
	p.net.Disconnect(p)
}

func (p *Peer) OpenPair(bridge string) (ifaces.EventChannel, ifaces.InvokeChannel, error) {
	return &peerEvent{peer: p, bridge: bridge}, &peerInvoke{peer: p, bridge: bridge}, nil
}

// OnConnect is part of the host contract; peers see no presence.
func (p *Peer) OnConnect(func(types.ConnID)) {}

func (p *Peer) OnDisconnect(func(types.ConnID)) {}

func (p *Peer) Connections() []types.ConnID {
	return nil
}

// SetReady is part of the host contract; only the authority marks readiness.
func (p *Peer) SetReady() {}

func (p *Peer) AwaitReady(ctx context.Context) error {
	return p.net.awaitReady(ctx)
}

func (p *Peer) setRecv(bridge string, fn func(types.ConnID, []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.recv[bridge] = fn
}

func (p *Peer) deliver(bridge string, payload []byte) {
	p.mu.Lock()
	fn := p.recv[bridge]
	p.mu.Unlock()

	if fn != nil {
		// Frames from the authority carry the zero sender.
		fn(types.ConnID(""), payload)
	}
}
