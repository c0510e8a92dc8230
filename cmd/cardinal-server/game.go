package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/bridge"
	"github.com/RemnantsOfSiren/Cardinal/cardinal"
	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
)

const roundInterval = 15 * time.Second

// gameModule is the demo surface this server hosts: a chat endpoint that
// relays between peers, a roster endpoint peers invoke for who's online, a
// periodic round signal, and a motd property every joiner receives.
type gameModule struct {
	rt *cardinal.Runtime

	chat  *bridge.Endpoint
	round *bridge.Signal
	motd  *bridge.Property
}

func newGameModule() *gameModule {
	return &gameModule{}
}

func (m *gameModule) Name() string {
	return "game"
}

func (m *gameModule) Init(rt *cardinal.Runtime) error {
	m.rt = rt

	b, err := rt.Bridge("game")
	if err != nil {
		return err
	}

	if m.chat, err = b.Endpoint("chat"); err != nil {
		return err
	}

	// Relay chat lines to everyone but the speaker.
	m.chat.Subscribe(func(from types.ConnID, args []wire.Value) {
		slog.Debug("chat", "from", from.Debug(), "args", args)

		line := append([]wire.Value{string(from)}, args...)
		if err := m.chat.Send(wire.AllExcept(from), line...); err != nil {
			slog.Warn("relaying chat", "from", from.Debug(), "err", err)
		}
	})

	roster, err := b.Endpoint("roster")
	if err != nil {
		return err
	}

	if err := roster.SetRequestHandler(m.answerRoster); err != nil {
		return err
	}

	if m.round, err = b.Signal("round"); err != nil {
		return err
	}

	if m.motd, err = b.DefineProperty("motd", "welcome to cardinal"); err != nil {
		return err
	}

	rt.OnConnect(func(conn types.ConnID) {
		slog.Info("player joined", "conn", conn.Debug())
	})

	rt.OnDisconnect(func(conn types.ConnID) {
		slog.Info("player left", "conn", conn.Debug())
	})

	rt.OnSpawn(func(conn types.ConnID, args []wire.Value) {
		slog.Info("player spawned", "conn", conn.Debug(), "args", args)
	})

	return nil
}

func (m *gameModule) Start(ctx context.Context) error {
	go m.runRounds(ctx)

	return nil
}

func (m *gameModule) answerRoster(_ context.Context, from types.ConnID, _ []wire.Value) ([]wire.Value, error) {
	conns := m.rt.Host().Connections()

	names := types.Map(conns, func(conn types.ConnID) wire.Value { return string(conn) })

	slog.Debug("answered roster", "for", from.Debug(), "online", len(names))

	return names, nil
}

func (m *gameModule) runRounds(ctx context.Context) {
	ticker := time.NewTicker(roundInterval)
	defer ticker.Stop()

	var round int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		round++

		if err := m.round.FireAll(round); err != nil {
			slog.Warn("firing round signal", "round", round, "err", err)
			continue
		}

		if err := m.motd.Set(fmt.Sprintf("round %d is live", round)); err != nil {
			slog.Warn("updating motd", "round", round, "err", err)
		}
	}
}
