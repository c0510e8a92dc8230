package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"github.com/gorilla/websocket"
)

// serverConn is one admitted client connection on the Server.
type serverConn struct {
	ctx context.Context
	// context cancel cause
	ccc context.CancelCauseFunc

	server *Server

	id types.ConnID
	ws *websocket.Conn

	sendCh chan envelope
}

// send queues env for the sender goroutine; safe from any goroutine. A full
// queue falls back to a bounded background retry rather than blocking the
// caller.
func (sc *serverConn) send(env envelope) {
	select {
	case <-sc.ctx.Done():
		sc.L().Warn("could not send envelope; conn context done", "kind", env.Kind.String())
		return
	case sc.sendCh <- env:
		return
	default:
		// fallthrough
	}

	go func() {
		select {
		case <-sc.ctx.Done():
			sc.L().Warn("could not send envelope after delay; conn context done", "kind", env.Kind.String())
			return
		case sc.sendCh <- env:
			return
		case <-time.NewTimer(SendRetryTimeout).C:
			sc.L().Warn("dropping envelope; send queue stayed full", "kind", env.Kind.String())
			return
		}
	}()
}

// Run blocks until the connection dies, for whichever reason first cancels
// its context.
func (sc *serverConn) Run() error {
	go sc.RunReceiver()
	go sc.RunSender()

	sc.L().Info("client joined")

	<-sc.ctx.Done()

	_ = sc.ws.Close()

	return context.Cause(sc.ctx)
}

func (sc *serverConn) RunReceiver() {
	defer func() {
		if v := recover(); v != nil {
			sc.ccc(fmt.Errorf("receiver panicked: %v", v))
		}
	}()

	for {
		_, data, err := sc.ws.ReadMessage()
		if err != nil {
			sc.ccc(fmt.Errorf("reader: %w", err))
			return
		}

		// First see if the context has been cancelled
		if types.IsContextDone(sc.ctx) {
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			sc.L().Debug("dropping undecodable envelope", "err", err)
			continue
		}

		switch env.Kind {
		case kindEvent:
			sc.server.dispatchEvent(sc.id, env.Bridge, env.Payload)
		case kindInvoke:
			// Answers come back through the send queue; a slow handler must
			// not stall the read loop.
			go sc.answerInvoke(env)
		case kindSpawn:
			sc.handleSpawn(env)
		default:
			sc.L().Debug("dropping envelope of unexpected kind", "kind", env.Kind.String())
		}
	}
}

func (sc *serverConn) answerInvoke(env envelope) {
	defer func() {
		if v := recover(); v != nil {
			sc.ccc(fmt.Errorf("invoke answerer panicked: %v", v))
		}
	}()

	reply := envelope{Kind: kindReply, Corr: env.Corr}

	// No handler on this bridge answers empty, so mixed-version processes
	// stay compatible.
	if h := sc.server.invokeHandlerFor(env.Bridge); h != nil {
		payload, err := h(sc.ctx, sc.id, env.Payload)

		reply.Payload = payload
		if err != nil {
			reply.Err = err.Error()
		}
	}

	sc.send(reply)
}

func (sc *serverConn) handleSpawn(env envelope) {
	args, err := wire.DecodeArgs(env.Payload)
	if err != nil {
		sc.L().Debug("dropping spawn with undecodable args", "err", err)
		return
	}

	sc.server.dispatchSpawn(sc.id, args)
}

func (sc *serverConn) RunSender() {
	jitter := time.Duration(mrand.Intn(5000)) * time.Millisecond
	keepAliveTicker := time.NewTicker(KeepAliveInterval + jitter)
	defer keepAliveTicker.Stop()
	defer func() {
		if v := recover(); v != nil {
			sc.ccc(fmt.Errorf("sender panicked: %v", v))
		}
	}()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case env := <-sc.sendCh:
			if err := sc.write(env); err != nil {
				sc.ccc(fmt.Errorf("sender write error: %w", err))
				return
			}
		case <-keepAliveTicker.C:
			if err := sc.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout)); err != nil {
				sc.ccc(fmt.Errorf("sender keepalive error: %w", err))
				return
			}
		}
	}
}

func (sc *serverConn) write(env envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	if err := sc.ws.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return err
	}

	return sc.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (sc *serverConn) Cancel() {
	sc.ccc(errors.New("cancelled"))
}

func (sc *serverConn) L() *slog.Logger {
	return sc.server.L().With("conn", sc.id.Debug())
}
