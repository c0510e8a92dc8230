package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/bridge"
	"github.com/RemnantsOfSiren/Cardinal/cardinal"
	"github.com/RemnantsOfSiren/Cardinal/transport/ws"
	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"github.com/abiosoft/ishell/v2"
)

var (
	programLevel = new(slog.LevelVar) // Info by default

	client *ws.Client
	rt     *cardinal.Runtime

	discovered map[string]*bridge.Service

	subs map[string]*bridge.Subscription
	obs  map[string]*bridge.Observation
)

const (
	discoverTimeout = 15 * time.Second
	invokeTimeout   = 10 * time.Second
)

func init() {
	discovered = make(map[string]*bridge.Service)
	subs = make(map[string]*bridge.Subscription)
	obs = make(map[string]*bridge.Observation)
}

func main() {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(h))

	shell := ishell.New()

	shell.SetHomeHistoryPath(".cardinal_history")

	shell.Println("Cardinal Interactive Shell")

	traceCmd := &ishell.Cmd{
		Name: "trace",
		Help: "set log level to trace",
		Func: func(c *ishell.Context) {
			programLevel.Set(types.LevelTrace)
		},
	}

	debugCmd := &ishell.Cmd{
		Name: "debug",
		Help: "set log level to debug",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelDebug)
		},
	}

	infoCmd := &ishell.Cmd{
		Name: "info",
		Help: "set log level to info",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelInfo)
		},
	}

	shell.AddCmd(traceCmd)
	shell.AddCmd(debugCmd)
	shell.AddCmd(infoCmd)

	shell.AddCmd(connectCmd())
	shell.AddCmd(disconnectCmd())
	shell.AddCmd(spawnCmd())
	shell.AddCmd(svcCmd())

	shell.Run()

	teardown()
}

func connectCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "connect",
		Help: "connect to an authority: <ws-url> <token>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(errors.New("usage: connect <ws-url> <token>"))
				return
			}

			if client != nil {
				slog.Info("previous connection exists, closing...")
				teardown()
			}

			cl, err := ws.Dial(context.Background(), c.Args[0], c.Args[1])
			if err != nil {
				c.Err(err)
				return
			}

			r := cardinal.New(cardinal.Config{
				Role: types.RolePeer,
				Host: cl,
			})

			if err := r.Start(context.Background()); err != nil {
				cl.Close()
				c.Err(err)
				return
			}

			client = cl
			rt = r

			go func() {
				<-cl.Done()
				slog.Warn("connection closed")
			}()

			c.Println("connected")
		},
	}
}

func disconnectCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "disconnect",
		Help: "close the current connection",
		Func: func(c *ishell.Context) {
			if !requireClient(c) {
				return
			}

			teardown()

			c.Println("disconnected")
		},
	}
}

func spawnCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "spawn",
		Help: "report a spawn occurrence to the authority: [args...]",
		Func: func(c *ishell.Context) {
			if !requireClient(c) {
				return
			}

			if err := client.ReportSpawn(parseArgs(c.Args)...); err != nil {
				c.Err(err)
			}
		},
	}
}

// Service commands
func svcCmd() *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "svc",
		Help: "discovered services and their members",
		Func: func(c *ishell.Context) {
			if len(discovered) == 0 {
				c.Println("no services discovered")
				return
			}

			for name := range discovered {
				c.Println("svc:", name)
			}
		},
	}

	c.AddCmd(&ishell.Cmd{
		Name: "discover",
		Help: "discover a service and print its members: <service>",
		Func: func(c *ishell.Context) {
			if !requireClient(c) {
				return
			}

			if len(c.Args) == 0 {
				c.Err(errors.New("usage: svc discover <service>"))
				return
			}

			name := c.Args[0]

			ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
			defer cancel()

			svc, err := rt.DiscoverService(ctx, name)
			if err != nil {
				c.Err(err)
				return
			}

			discovered[name] = svc

			c.Println("events:    ", strings.Join(svc.EventNames(), ", "))
			c.Println("signals:   ", strings.Join(svc.SignalNames(), ", "))
			c.Println("properties:", strings.Join(svc.PropertyNames(), ", "))
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "send",
		Help: "fire an event at the authority: <service> <event> [args...]",
		Func: func(c *ishell.Context) {
			svc, member, args, ok := svcMember(c, "svc send <service> <event> [args...]")
			if !ok {
				return
			}

			ep, ok := svc.Event(member)
			if !ok {
				c.Err(fmt.Errorf("service has no event %q", member))
				return
			}

			if err := ep.Send(wire.Authority(), args...); err != nil {
				c.Err(err)
			}
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "invoke",
		Help: "invoke an endpoint and print the reply: <service> <endpoint> [args...]",
		Func: func(c *ishell.Context) {
			svc, member, args, ok := svcMember(c, "svc invoke <service> <endpoint> [args...]")
			if !ok {
				return
			}

			ep, ok := svc.Event(member)
			if !ok {
				c.Err(fmt.Errorf("service has no endpoint %q", member))
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), invokeTimeout)
			defer cancel()

			vals, err := ep.Invoke(ctx, args...)
			if err != nil {
				c.Err(err)
				return
			}

			if len(vals) == 0 {
				c.Println("(empty reply)")
				return
			}

			for i, v := range vals {
				c.Println(fmt.Sprintf("[%d] %v", i, v))
			}
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "fire",
		Help: "fire a signal at the authority: <service> <signal> [args...]",
		Func: func(c *ishell.Context) {
			svc, member, args, ok := svcMember(c, "svc fire <service> <signal> [args...]")
			if !ok {
				return
			}

			sig, ok := svc.Signal(member)
			if !ok {
				c.Err(fmt.Errorf("service has no signal %q", member))
				return
			}

			if err := sig.Fire(args...); err != nil {
				c.Err(err)
			}
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "listen",
		Help: "log every frame on an event: <service> <event>",
		Func: func(c *ishell.Context) {
			svc, member, _, ok := svcMember(c, "svc listen <service> <event>")
			if !ok {
				return
			}

			ep, ok := svc.Event(member)
			if !ok {
				c.Err(fmt.Errorf("service has no event %q", member))
				return
			}

			key := svc.Name() + "/" + member

			if old, ok := subs[key]; ok {
				old.Cancel()
			}

			svcName := svc.Name()
			subs[key] = ep.Subscribe(func(_ types.ConnID, args []wire.Value) {
				slog.Info("event", "service", svcName, "event", member, "args", args)
			})

			c.Println("listening on", key)
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "watch",
		Help: "log every fire of a signal: <service> <signal>",
		Func: func(c *ishell.Context) {
			svc, member, _, ok := svcMember(c, "svc watch <service> <signal>")
			if !ok {
				return
			}

			sig, ok := svc.Signal(member)
			if !ok {
				c.Err(fmt.Errorf("service has no signal %q", member))
				return
			}

			key := svc.Name() + "/" + member

			if old, ok := subs[key]; ok {
				old.Cancel()
			}

			svcName := svc.Name()
			subs[key] = sig.Connect(func(_ types.ConnID, args []wire.Value) {
				slog.Info("signal", "service", svcName, "signal", member, "args", args)
			})

			c.Println("watching", key)
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "mute",
		Help: "stop a listen or watch: <service> <member>",
		Func: func(c *ishell.Context) {
			svc, member, _, ok := svcMember(c, "svc mute <service> <member>")
			if !ok {
				return
			}

			key := svc.Name() + "/" + member

			sub, ok := subs[key]
			if !ok {
				c.Err(fmt.Errorf("nothing listening on %s", key))
				return
			}

			sub.Cancel()
			delete(subs, key)
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "get",
		Help: "print the last-known value of a property: <service> <property>",
		Func: func(c *ishell.Context) {
			svc, member, _, ok := svcMember(c, "svc get <service> <property>")
			if !ok {
				return
			}

			view, ok := svc.Property(member)
			if !ok {
				c.Err(fmt.Errorf("service has no property %q", member))
				return
			}

			c.Println(fmt.Sprintf("%s = %v", member, view.Get()))
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "observe",
		Help: "log the current and every future value of a property: <service> <property>",
		Func: func(c *ishell.Context) {
			svc, member, _, ok := svcMember(c, "svc observe <service> <property>")
			if !ok {
				return
			}

			view, ok := svc.Property(member)
			if !ok {
				c.Err(fmt.Errorf("service has no property %q", member))
				return
			}

			key := svc.Name() + "/" + member

			if old, ok := obs[key]; ok {
				old.Cancel()
			}

			svcName := svc.Name()
			obs[key] = view.Observe(func(v wire.Value) {
				slog.Info("property", "service", svcName, "property", member, "value", v)
			})

			c.Println("observing", key)
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "unobserve",
		Help: "stop observing a property: <service> <property>",
		Func: func(c *ishell.Context) {
			svc, member, _, ok := svcMember(c, "svc unobserve <service> <property>")
			if !ok {
				return
			}

			key := svc.Name() + "/" + member

			o, ok := obs[key]
			if !ok {
				c.Err(fmt.Errorf("not observing %s", key))
				return
			}

			o.Cancel()
			delete(obs, key)
		},
	})

	return c
}

func requireClient(c *ishell.Context) bool {
	if client == nil {
		c.Err(errors.New("not connected (connect <ws-url> <token>)"))
		return false
	}

	return true
}

func svcMember(c *ishell.Context, usage string) (*bridge.Service, string, []wire.Value, bool) {
	if !requireClient(c) {
		return nil, "", nil, false
	}

	if len(c.Args) < 2 {
		c.Err(fmt.Errorf("usage: %s", usage))
		return nil, "", nil, false
	}

	svc, ok := discovered[c.Args[0]]
	if !ok {
		c.Err(fmt.Errorf("service %q not discovered (svc discover %s)", c.Args[0], c.Args[0]))
		return nil, "", nil, false
	}

	return svc, c.Args[1], parseArgs(c.Args[2:]), true
}

// parseArgs maps shell words onto wire values: bools and integers where they
// parse, strings otherwise.
func parseArgs(raw []string) []wire.Value {
	vals := make([]wire.Value, 0, len(raw))

	for _, s := range raw {
		switch {
		case s == "true":
			vals = append(vals, true)
		case s == "false":
			vals = append(vals, false)
		default:
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				vals = append(vals, i)
				continue
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				vals = append(vals, f)
				continue
			}

			vals = append(vals, s)
		}
	}

	return vals
}

func teardown() {
	for _, s := range subs {
		s.Cancel()
	}
	for _, o := range obs {
		o.Cancel()
	}

	subs = make(map[string]*bridge.Subscription)
	obs = make(map[string]*bridge.Observation)
	discovered = make(map[string]*bridge.Service)

	if rt != nil {
		rt.Close()
		rt = nil
	}

	if client != nil {
		client.Close()
		client = nil
	}
}
