package loopback

import (
	"context"
	"fmt"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
)

// authEvent is the authority's send/receive half for one bridge. Sends fan
// out by direct call on the sender's goroutine, which keeps per-connection
// order exactly as sent.
type authEvent struct {
	net    *Network
	bridge string
}

func (c *authEvent) Send(target wire.Target, payload []byte) error {
	switch target.Kind {
	case wire.ToConn:
		// Sends race disconnects by nature; a vanished peer is not an error.
		if p := c.net.peer(target.Conn); p != nil {
			p.deliver(c.bridge, payload)
		}

		return nil

	case wire.ToAll, wire.ToAllExcept:
		for _, p := range c.net.peerSnapshot() {
			if target.Includes(p.id) {
				p.deliver(c.bridge, payload)
			}
		}

		return nil

	default:
		return fmt.Errorf("loopback authority cannot send to %s", target.Debug())
	}
}

func (c *authEvent) OnReceive(fn func(from types.ConnID, payload []byte)) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	c.net.authRecv[c.bridge] = fn
}

// authInvoke is the authority's answer half for one bridge.
type authInvoke struct {
	net    *Network
	bridge string
}

func (c *authInvoke) Invoke(context.Context, []byte) ([]byte, error) {
	return nil, fmt.Errorf("loopback authority cannot invoke bridge %q", c.bridge)
}

func (c *authInvoke) OnInvoke(fn func(ctx context.Context, from types.ConnID, payload []byte) ([]byte, error)) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if _, ok := c.net.authHandlers[c.bridge]; ok {
		return fmt.Errorf("loopback bridge %q already has an invoke handler", c.bridge)
	}

	c.net.authHandlers[c.bridge] = fn

	return nil
}

// peerEvent is one peer's send/receive half for one bridge.
type peerEvent struct {
	peer   *Peer
	bridge string
}

func (c *peerEvent) Send(target wire.Target, payload []byte) error {
	if target.Kind != wire.ToAuthority {
		return fmt.Errorf("loopback peer cannot send to %s", target.Debug())
	}

	c.peer.net.mu.Lock()
	fn := c.peer.net.authRecv[c.bridge]
	c.peer.net.mu.Unlock()

	if fn != nil {
		fn(c.peer.id, payload)
	}

	return nil
}

func (c *peerEvent) OnReceive(fn func(from types.ConnID, payload []byte)) {
	c.peer.setRecv(c.bridge, fn)
}

// peerInvoke is one peer's request half for one bridge.
type peerInvoke struct {
	peer   *Peer
	bridge string
}

// Invoke runs the authority's handler on its own goroutine so ctx keeps
// working even against a handler that never returns; an abandoned handler
// finishes in the background.
func (c *peerInvoke) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	c.peer.net.mu.Lock()
	fn := c.peer.net.authHandlers[c.bridge]
	c.peer.net.mu.Unlock()

	if fn == nil {
		// No pair on the authority yet: empty reply, same version-skew
		// tolerance as the frame path.
		return nil, nil
	}

	type result struct {
		reply []byte
		err   error
	}

	ch := make(chan result, 1)

	go func() {
		reply, err := fn(ctx, c.peer.id, payload)
		ch <- result{reply, err}
	}()

	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *peerInvoke) OnInvoke(func(ctx context.Context, from types.ConnID, payload []byte) ([]byte, error)) error {
	return fmt.Errorf("loopback peer cannot answer invokes on bridge %q", c.bridge)
}
