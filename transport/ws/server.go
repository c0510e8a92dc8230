// Package ws carries the runtime's host contract over WebSocket. The
// authority side is an HTTP handler (Server); peers dial it with a join
// token (Client). One websocket connection multiplexes every bridge's
// frames, invokes, and the ready marker as CBOR envelopes.
//
// Admission is token-based: whoever holds the join secret (the server
// itself, or a matchmaker sharing it) seals a connection identity into an
// opaque token, and the client presents it when dialing. Clients never hold
// the secret.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/ifaces"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"github.com/gorilla/websocket"
)

type invokeHandler func(ctx context.Context, from types.ConnID, payload []byte) ([]byte, error)

// Server is the authority-side host. It satisfies ifaces.Host plus
// ifaces.SpawnSource; mount Handler on any mux to take joins.
type Server struct {
	secret Secret

	mu       sync.RWMutex
	conns    map[types.ConnID]*serverConn
	recv     map[string]func(from types.ConnID, payload []byte)
	handlers map[string]invokeHandler

	onConnect    []func(types.ConnID)
	onDisconnect []func(types.ConnID)
	onSpawn      []func(types.ConnID, []wire.Value)

	ready     chan struct{}
	readyOnce sync.Once

	upgrader websocket.Upgrader
}

func NewServer(secret Secret) *Server {
	return &Server{
		secret:   secret,
		conns:    make(map[types.ConnID]*serverConn),
		recv:     make(map[string]func(types.ConnID, []byte)),
		handlers: make(map[string]invokeHandler),
		ready:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// MintJoin allocates a fresh connection identity and seals a join token for
// it, valid for ttl.
func (s *Server) MintJoin(ttl time.Duration) (types.ConnID, string) {
	conn := types.NewConnID()

	return conn, s.secret.MintToken(conn, ttl)
}

// Handler returns the HTTP handler that admits one client per request:
// token check, websocket upgrade, then the connection's run loops until it
// dies.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.secret.OpenToken(r.URL.Query().Get("token"))
		if err != nil {
			s.L().Warn("join refused", "peer", r.RemoteAddr, "reason", err)
			http.Error(w, "join token rejected", http.StatusUnauthorized)

			return
		}

		wsc, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written its own response.
			s.L().Warn("upgrade failed", "peer", r.RemoteAddr, "err", err)

			return
		}

		// The request context dies with the upgrade; the connection owns its
		// own lifetime from here.
		err = s.accept(context.Background(), conn, wsc)

		s.L().Info("client exited", "conn", conn.Debug(), "reason", err)
	})
}

func (s *Server) accept(ctx context.Context, conn types.ConnID, wsc *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	innerCtx, ccc := context.WithCancelCause(ctx)

	sc := &serverConn{
		ctx: innerCtx,
		ccc: ccc,

		server: s,
		id:     conn,
		ws:     wsc,

		sendCh: make(chan envelope, SendQueueDepth),
	}

	wsc.SetReadLimit(MaxEnvelopeBytes)

	replaced := s.register(sc)

	defer func() {
		if s.unregister(sc) {
			s.fireDisconnect(conn)
		}
	}()

	// Presence precedes the connection's first frame: the receiver is not
	// running yet. A reconnect under the same identity is one continuous
	// presence, not a second connect.
	if !replaced {
		s.fireConnect(conn)
	}

	if s.isReady() {
		sc.send(envelope{Kind: kindReady})
	}

	return sc.Run()
}

func (s *Server) getConn(conn types.ConnID) *serverConn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conns[conn]
}

func (s *Server) register(sc *serverConn) (replaced bool) {
	s.mu.Lock()
	old := s.conns[sc.id]
	s.conns[sc.id] = sc
	s.mu.Unlock()

	if old != nil {
		// A reconnect bumps the old session; two live sessions on one
		// identity is either a bug or an attack.
		old.Cancel()
	}

	return old != nil
}

func (s *Server) unregister(sc *serverConn) (wasCurrent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.conns[sc.id]; !ok || cur != sc {
		return false
	}

	delete(s.conns, sc.id)

	return true
}

func (s *Server) connSnapshot() []*serverConn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}

	return conns
}

func (s *Server) fireConnect(conn types.ConnID) {
	s.mu.RLock()
	cbs := append([]func(types.ConnID){}, s.onConnect...)
	s.mu.RUnlock()

	for _, cb := range cbs {
		cb(conn)
	}
}

func (s *Server) fireDisconnect(conn types.ConnID) {
	s.mu.RLock()
	cbs := append([]func(types.ConnID){}, s.onDisconnect...)
	s.mu.RUnlock()

	for _, cb := range cbs {
		cb(conn)
	}
}

func (s *Server) dispatchEvent(from types.ConnID, bridge string, payload []byte) {
	s.mu.RLock()
	fn := s.recv[bridge]
	s.mu.RUnlock()

	if fn == nil {
		s.L().Debug("dropping event for unknown bridge", "bridge", bridge, "from", from.Debug())

		return
	}

	fn(from, payload)
}

func (s *Server) dispatchSpawn(conn types.ConnID, args []wire.Value) {
	s.mu.RLock()
	cbs := append([]func(types.ConnID, []wire.Value){}, s.onSpawn...)
	s.mu.RUnlock()

	for _, cb := range cbs {
		cb(conn, args)
	}
}

func (s *Server) setRecv(bridge string, fn func(types.ConnID, []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recv[bridge] = fn
}

func (s *Server) invokeHandlerFor(bridge string) invokeHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.handlers[bridge]
}

func (s *Server) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// === ifaces.Host + ifaces.SpawnSource ===

func (s *Server) OpenPair(bridge string) (ifaces.EventChannel, ifaces.InvokeChannel, error) {
	return &serverEvent{server: s, bridge: bridge}, &serverInvoke{server: s, bridge: bridge}, nil
}

func (s *Server) OnConnect(fn func(types.ConnID)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onConnect = append(s.onConnect, fn)
}

func (s *Server) OnDisconnect(fn func(types.ConnID)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onDisconnect = append(s.onDisconnect, fn)
}

func (s *Server) OnSpawn(fn func(types.ConnID, []wire.Value)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onSpawn = append(s.onSpawn, fn)
}

func (s *Server) Connections() []types.ConnID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]types.ConnID, 0, len(s.conns))
	for id := range s.conns {
		conns = append(conns, id)
	}

	return conns
}

// SetReady marks the surface complete and pushes the ready marker to every
// connected client; clients joining later get it at admission.
func (s *Server) SetReady() {
	s.readyOnce.Do(func() {
		close(s.ready)

		for _, sc := range s.connSnapshot() {
			sc.send(envelope{Kind: kindReady})
		}
	})
}

func (s *Server) AwaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitSpawn reports a spawn occurrence attributed to conn, for embedding
// applications that learn of spawns out of band.
func (s *Server) EmitSpawn(conn types.ConnID, args ...wire.Value) {
	s.dispatchSpawn(conn, args)
}

func (s *Server) L() *slog.Logger {
	return slog.With("system", "ws-server")
}
