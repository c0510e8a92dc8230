package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"github.com/google/uuid"
)

// serverEvent is the authority's send/receive half for one bridge.
type serverEvent struct {
	server *Server
	bridge string
}

func (se *serverEvent) Send(target wire.Target, payload []byte) error {
	env := envelope{Kind: kindEvent, Bridge: se.bridge, Payload: payload}

	switch target.Kind {
	case wire.ToConn:
		// Sends race disconnects by nature; a vanished peer is not an error.
		if sc := se.server.getConn(target.Conn); sc != nil {
			sc.send(env)
		}

		return nil

	case wire.ToAll, wire.ToAllExcept:
		for _, sc := range se.server.connSnapshot() {
			if target.Includes(sc.id) {
				sc.send(env)
			}
		}

		return nil

	default:
		return fmt.Errorf("ws server cannot send to %s", target.Debug())
	}
}

func (se *serverEvent) OnReceive(fn func(from types.ConnID, payload []byte)) {
	se.server.setRecv(se.bridge, fn)
}

// serverInvoke is the authority's answer half for one bridge.
type serverInvoke struct {
	server *Server
	bridge string
}

func (si *serverInvoke) Invoke(context.Context, []byte) ([]byte, error) {
	return nil, fmt.Errorf("ws server cannot invoke bridge %q", si.bridge)
}

func (si *serverInvoke) OnInvoke(fn func(ctx context.Context, from types.ConnID, payload []byte) ([]byte, error)) error {
	si.server.mu.Lock()
	defer si.server.mu.Unlock()

	if _, ok := si.server.handlers[si.bridge]; ok {
		return fmt.Errorf("ws bridge %q already has an invoke handler", si.bridge)
	}

	si.server.handlers[si.bridge] = fn

	return nil
}

// clientEvent is the peer's send/receive half for one bridge.
type clientEvent struct {
	c      *Client
	bridge string
}

func (ce *clientEvent) Send(target wire.Target, payload []byte) error {
	if target.Kind != wire.ToAuthority {
		return fmt.Errorf("ws client cannot send to %s", target.Debug())
	}

	return ce.c.send(envelope{Kind: kindEvent, Bridge: ce.bridge, Payload: payload})
}

func (ce *clientEvent) OnReceive(fn func(from types.ConnID, payload []byte)) {
	ce.c.setRecv(ce.bridge, fn)
}

// clientInvoke is the peer's request half for one bridge.
type clientInvoke struct {
	c      *Client
	bridge string
}

// Invoke sends the request and blocks for its correlated reply. The reply
// routes back by uuid, so any number of invokes fly concurrently.
func (ci *clientInvoke) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	corr := uuid.NewString()

	ch := make(chan invokeReply, 1)

	ci.c.addPending(corr, ch)
	defer ci.c.removePending(corr)

	env := envelope{Kind: kindInvoke, Bridge: ci.bridge, Corr: corr, Payload: payload}

	select {
	case <-ci.c.ctx.Done():
		return nil, fmt.Errorf("connection closed: %w", context.Cause(ci.c.ctx))
	case <-ctx.Done():
		return nil, ctx.Err()
	case ci.c.sendCh <- env:
	}

	select {
	case r := <-ch:
		if r.err != "" {
			return nil, errors.New(r.err)
		}

		return r.payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ci.c.ctx.Done():
		return nil, fmt.Errorf("connection closed: %w", context.Cause(ci.c.ctx))
	}
}

func (ci *clientInvoke) OnInvoke(func(ctx context.Context, from types.ConnID, payload []byte) ([]byte, error)) error {
	return fmt.Errorf("ws client cannot answer invokes on bridge %q", ci.bridge)
}
