package bridge

import (
	"sync"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/transport/loopback"
	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
)

// Test constants
const assertEventuallyTick time.Duration = 1 * time.Millisecond
const assertEventuallyTimeout time.Duration = 100 * assertEventuallyTick

// settleTime bounds "this must never happen" checks; long enough for stray
// deliveries to surface, short enough to keep the suite quick.
const settleTime = 25 * time.Millisecond

// rig wires an authority mux and one peer mux over a loopback network.
type rig struct {
	net  *loopback.Network
	auth *Mux
	peer *Mux
	conn *loopback.Peer
}

func makeRig() *rig {
	n := loopback.NewNetwork()

	auth := NewMux(types.RoleAuthority, n.Authority())

	conn := n.Connect()
	peer := NewMux(types.RolePeer, conn)

	return &rig{net: n, auth: auth, peer: peer, conn: conn}
}

// addPeer joins another peer mux to the rig's network.
func (r *rig) addPeer() (*Mux, *loopback.Peer) {
	conn := r.net.Connect()
	return NewMux(types.RolePeer, conn), conn
}

// recorder collects delivered values so tests can assert on sequences.
type recorder struct {
	mu   sync.Mutex
	got  []wire.Value
	from []types.ConnID
}

func (rec *recorder) record(from types.ConnID, args []wire.Value) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.from = append(rec.from, from)

	if len(args) > 0 {
		rec.got = append(rec.got, args[0])
	} else {
		rec.got = append(rec.got, nil)
	}
}

func (rec *recorder) recordValue(v wire.Value) {
	rec.record(types.ConnID(""), []wire.Value{v})
}

func (rec *recorder) values() []wire.Value {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return append([]wire.Value{}, rec.got...)
}

func (rec *recorder) senders() []types.ConnID {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return append([]types.ConnID{}, rec.from...)
}

func (rec *recorder) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return len(rec.got)
}

func (rec *recorder) last() (wire.Value, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if len(rec.got) == 0 {
		return nil, false
	}

	return rec.got[len(rec.got)-1], true
}
