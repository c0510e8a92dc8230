package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/ifaces"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"github.com/gorilla/websocket"
)

// Client is the peer-side host over one websocket connection. It satisfies
// ifaces.Host; presence and readiness flow from the server.
type Client struct {
	ctx context.Context
	// context cancel cause
	ccc context.CancelCauseFunc

	ws *websocket.Conn

	sendCh chan envelope

	mu      sync.RWMutex
	recv    map[string]func(from types.ConnID, payload []byte)
	pending map[string]chan invokeReply

	ready     chan struct{}
	readyOnce sync.Once
}

type invokeReply struct {
	payload []byte
	err     string
}

// Dial connects to a Server and joins with the given token. rawURL is the
// server's base URL; http/https map onto ws/wss. The returned Client is live
// immediately; readiness still gates discovery as usual.
func Dial(ctx context.Context, rawURL, token string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	wsc, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (%s)", u.Host, err, resp.Status)
		}

		return nil, fmt.Errorf("dialing %s: %w", u.Host, err)
	}

	// The dial context covers the handshake only; the connection runs on
	// its own lifetime after that.
	innerCtx, ccc := context.WithCancelCause(context.Background())

	c := &Client{
		ctx: innerCtx,
		ccc: ccc,

		ws: wsc,

		sendCh:  make(chan envelope, SendQueueDepth),
		recv:    make(map[string]func(types.ConnID, []byte)),
		pending: make(map[string]chan invokeReply),
		ready:   make(chan struct{}),
	}

	wsc.SetReadLimit(MaxEnvelopeBytes)

	go c.RunReceiver()
	go c.RunSender()

	return c, nil
}

// Close tears the connection down; pending invokes fail with the close
// cause. Safe to repeat.
func (c *Client) Close() {
	c.ccc(errors.New("closed locally"))
	_ = c.ws.Close()
}

// Done resolves when the connection dies, locally or remotely.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) send(env envelope) error {
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed: %w", context.Cause(c.ctx))
	case c.sendCh <- env:
		return nil
	}
}

func (c *Client) RunReceiver() {
	defer func() {
		if v := recover(); v != nil {
			c.ccc(fmt.Errorf("receiver panicked: %v", v))
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.ccc(fmt.Errorf("reader: %w", err))
			return
		}

		if types.IsContextDone(c.ctx) {
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			c.L().Debug("dropping undecodable envelope", "err", err)
			continue
		}

		switch env.Kind {
		case kindEvent:
			c.dispatchEvent(env)
		case kindReply:
			c.dispatchReply(env)
		case kindReady:
			c.readyOnce.Do(func() { close(c.ready) })
		default:
			c.L().Debug("dropping envelope of unexpected kind", "kind", env.Kind.String())
		}
	}
}

func (c *Client) dispatchEvent(env envelope) {
	c.mu.RLock()
	fn := c.recv[env.Bridge]
	c.mu.RUnlock()

	if fn == nil {
		c.L().Debug("dropping event for unknown bridge", "bridge", env.Bridge)
		return
	}

	// Everything downstream comes from the authority: the zero sender.
	fn(types.ConnID(""), env.Payload)
}

func (c *Client) dispatchReply(env envelope) {
	c.mu.Lock()
	ch := c.pending[env.Corr]
	delete(c.pending, env.Corr)
	c.mu.Unlock()

	if ch == nil {
		c.L().Debug("dropping reply with no pending invoke", "corr", env.Corr)
		return
	}

	ch <- invokeReply{payload: env.Payload, err: env.Err}
}

func (c *Client) RunSender() {
	jitter := time.Duration(mrand.Intn(5000)) * time.Millisecond
	keepAliveTicker := time.NewTicker(KeepAliveInterval + jitter)
	defer keepAliveTicker.Stop()
	defer func() {
		if v := recover(); v != nil {
			c.ccc(fmt.Errorf("sender panicked: %v", v))
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.sendCh:
			if err := c.write(env); err != nil {
				c.ccc(fmt.Errorf("sender write error: %w", err))
				return
			}
		case <-keepAliveTicker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout)); err != nil {
				c.ccc(fmt.Errorf("sender keepalive error: %w", err))
				return
			}
		}
	}
}

func (c *Client) write(env envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	if err := c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return err
	}

	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Client) setRecv(bridge string, fn func(types.ConnID, []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recv[bridge] = fn
}

func (c *Client) addPending(corr string, ch chan invokeReply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[corr] = ch
}

func (c *Client) removePending(corr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, corr)
}

// ReportSpawn tells the authority this client's actor spawned, with whatever
// arguments describe it; it surfaces there as a spawn occurrence.
func (c *Client) ReportSpawn(args ...wire.Value) error {
	payload, err := wire.EncodeArgs(args)
	if err != nil {
		return err
	}

	return c.send(envelope{Kind: kindSpawn, Payload: payload})
}

// === ifaces.Host ===

func (c *Client) OpenPair(bridge string) (ifaces.EventChannel, ifaces.InvokeChannel, error) {
	return &clientEvent{c: c, bridge: bridge}, &clientInvoke{c: c, bridge: bridge}, nil
}

// OnConnect is part of the host contract; peers see no presence.
func (c *Client) OnConnect(func(types.ConnID)) {}

func (c *Client) OnDisconnect(func(types.ConnID)) {}

func (c *Client) Connections() []types.ConnID {
	return nil
}

// SetReady is part of the host contract; only the authority marks readiness.
func (c *Client) SetReady() {}

// AwaitReady blocks until the server's ready marker arrives.
func (c *Client) AwaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed: %w", context.Cause(c.ctx))
	}
}

func (c *Client) L() *slog.Logger {
	return slog.With("system", "ws-client")
}
