package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/bridge"
	"github.com/RemnantsOfSiren/Cardinal/cardinal"
	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"github.com/stretchr/testify/assert"
)

const (
	assertEventuallyTick = 5 * time.Millisecond
	// Real sockets; keep the window generous.
	assertEventuallyTimeout = 2 * time.Second

	// settleTime bounds the "this must never happen" checks below.
	settleTime = 50 * time.Millisecond

	testJoinTTL = time.Minute
)

type wsRig struct {
	server *Server
	ts     *httptest.Server
}

func makeWsRig(t *testing.T) *wsRig {
	t.Helper()

	s := NewServer(NewSecret())

	ts := newTestServerOrSkip(t, s)

	return &wsRig{server: s, ts: ts}
}

// newTestServerOrSkip skips instead of failing where the environment refuses
// local listeners.
func newTestServerOrSkip(t *testing.T, s *Server) *httptest.Server {
	t.Helper()

	var ts *httptest.Server

	func() {
		defer func() {
			if r := recover(); r != nil {
				ts = nil
			}
		}()

		ts = httptest.NewServer(s.Handler())
	}()

	if ts == nil {
		t.Skip("skipping websocket test in restricted environment")
	}

	t.Cleanup(ts.Close)

	return ts
}

func (r *wsRig) dial(t *testing.T) (types.ConnID, *Client) {
	t.Helper()

	conn, tok := r.server.MintJoin(testJoinTTL)

	c, err := Dial(context.Background(), r.ts.URL, tok)
	if err != nil {
		t.Fatalf("dialing test server: %v", err)
	}

	t.Cleanup(c.Close)

	return conn, c
}

// recorder collects payloads with their senders.
type recorder struct {
	mu      sync.Mutex
	from    []types.ConnID
	payload [][]byte
}

func (r *recorder) record(from types.ConnID, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.from = append(r.from, from)
	r.payload = append(r.payload, payload)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.from)
}

func (r *recorder) last() (types.ConnID, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.from) == 0 {
		return "", nil
	}

	return r.from[len(r.from)-1], r.payload[len(r.payload)-1]
}

func TestJoinRequiresValidToken(t *testing.T) {
	r := makeWsRig(t)

	_, err := Dial(context.Background(), r.ts.URL, "garbage")
	assert.Error(t, err, "a garbage token must be refused at the door")

	expired := r.server.secret.MintToken(types.NewConnID(), -time.Second)
	_, err = Dial(context.Background(), r.ts.URL, expired)
	assert.Error(t, err, "an expired token must be refused at the door")

	_, c := r.dial(t)
	assert.NotNil(t, c)
}

func TestEventsFlowBothWaysWithIdentities(t *testing.T) {
	r := makeWsRig(t)

	sEv, _, err := r.server.OpenPair("alpha")
	assert.NoError(t, err)

	srvGot := &recorder{}
	sEv.OnReceive(srvGot.record)

	conn, c := r.dial(t)

	cEv, _, err := c.OpenPair("alpha")
	assert.NoError(t, err)

	cliGot := &recorder{}
	cEv.OnReceive(cliGot.record)

	assert.NoError(t, cEv.Send(wire.Authority(), []byte("up")))

	assert.Eventually(t, func() bool { return srvGot.count() == 1 }, assertEventuallyTimeout, assertEventuallyTick)

	from, payload := srvGot.last()
	assert.Equal(t, conn, from, "the authority must see the sending peer's identity")
	assert.Equal(t, []byte("up"), payload)

	assert.NoError(t, sEv.Send(wire.To(conn), []byte("down")))

	assert.Eventually(t, func() bool { return cliGot.count() == 1 }, assertEventuallyTimeout, assertEventuallyTick)

	from, payload = cliGot.last()
	assert.True(t, from.IsZero(), "peers must see the zero sender for authority frames")
	assert.Equal(t, []byte("down"), payload)

	assert.Error(t, cEv.Send(wire.To(conn), []byte("no")), "peers may only address the authority")
}

func TestBroadcastHonorsExclusion(t *testing.T) {
	r := makeWsRig(t)

	sEv, _, err := r.server.OpenPair("alpha")
	assert.NoError(t, err)

	conn1, c1 := r.dial(t)
	_, c2 := r.dial(t)

	got1, got2 := &recorder{}, &recorder{}

	ev1, _, _ := c1.OpenPair("alpha")
	ev1.OnReceive(got1.record)
	ev2, _, _ := c2.OpenPair("alpha")
	ev2.OnReceive(got2.record)

	assert.NoError(t, sEv.Send(wire.All(), []byte("all")))
	assert.NoError(t, sEv.Send(wire.AllExcept(conn1), []byte("not-one")))

	assert.Eventually(t, func() bool { return got2.count() == 2 }, assertEventuallyTimeout, assertEventuallyTick,
		"the unexcluded peer should see both broadcasts")

	time.Sleep(settleTime)
	assert.Equal(t, 1, got1.count(), "the excluded peer must only see the plain broadcast")
}

func TestInvokeCorrelatesAndSurfacesErrors(t *testing.T) {
	r := makeWsRig(t)

	_, sInv, err := r.server.OpenPair("alpha")
	assert.NoError(t, err)

	_, c := r.dial(t)

	_, cInv, err := c.OpenPair("alpha")
	assert.NoError(t, err)

	// Before any handler exists, invokes come back empty rather than
	// failing.
	reply, err := cInv.Invoke(context.Background(), []byte("early"))
	assert.NoError(t, err)
	assert.Nil(t, reply)

	assert.NoError(t, sInv.OnInvoke(func(_ context.Context, _ types.ConnID, payload []byte) ([]byte, error) {
		if string(payload) == "fail" {
			return nil, assert.AnError
		}

		return []byte(strings.ToUpper(string(payload))), nil
	}))

	// Concurrent invokes must each get their own answer back.
	var wg sync.WaitGroup

	for _, word := range []string{"alpha", "bravo", "charlie", "delta"} {
		word := word

		wg.Add(1)

		go func() {
			defer wg.Done()

			reply, err := cInv.Invoke(context.Background(), []byte(word))
			assert.NoError(t, err)
			assert.Equal(t, strings.ToUpper(word), string(reply))
		}()
	}

	wg.Wait()

	_, err = cInv.Invoke(context.Background(), []byte("fail"))
	assert.ErrorContains(t, err, assert.AnError.Error(),
		"a handler error must surface at the invoker, by message")
}

func TestReadyMarkerReachesEveryJoinOrder(t *testing.T) {
	r := makeWsRig(t)

	_, before := r.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, before.AwaitReady(ctx), context.DeadlineExceeded,
		"readiness must not resolve before the server marks it")

	r.server.SetReady()

	assert.NoError(t, before.AwaitReady(context.Background()),
		"a client joined before the mark must see it pushed")

	_, after := r.dial(t)

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), assertEventuallyTimeout)
	defer awaitCancel()

	assert.NoError(t, after.AwaitReady(awaitCtx),
		"a client joined after the mark must get it at admission")
}

func TestPresenceAndSpawnOccurrences(t *testing.T) {
	r := makeWsRig(t)

	connects := &recorder{}
	disconnects := &recorder{}

	r.server.OnConnect(func(conn types.ConnID) { connects.record(conn, nil) })
	r.server.OnDisconnect(func(conn types.ConnID) { disconnects.record(conn, nil) })

	var spawnMu sync.Mutex
	var spawnArgs []wire.Value

	r.server.OnSpawn(func(_ types.ConnID, args []wire.Value) {
		spawnMu.Lock()
		defer spawnMu.Unlock()

		spawnArgs = args
	})

	conn, c := r.dial(t)

	assert.Eventually(t, func() bool { return connects.count() == 1 }, assertEventuallyTimeout, assertEventuallyTick)

	from, _ := connects.last()
	assert.Equal(t, conn, from)

	assert.NoError(t, c.ReportSpawn("avatar", int64(7)))

	assert.Eventually(t, func() bool {
		spawnMu.Lock()
		defer spawnMu.Unlock()

		return len(spawnArgs) == 2
	}, assertEventuallyTimeout, assertEventuallyTick)

	spawnMu.Lock()
	assert.Equal(t, []wire.Value{"avatar", int64(7)}, spawnArgs)
	spawnMu.Unlock()

	c.Close()

	assert.Eventually(t, func() bool { return disconnects.count() == 1 }, assertEventuallyTimeout, assertEventuallyTick,
		"closing the client must fire a disconnect on the server")
}

func TestReconnectReplacesSession(t *testing.T) {
	r := makeWsRig(t)

	connects := &recorder{}
	disconnects := &recorder{}

	r.server.OnConnect(func(conn types.ConnID) { connects.record(conn, nil) })
	r.server.OnDisconnect(func(conn types.ConnID) { disconnects.record(conn, nil) })

	conn, tok := r.server.MintJoin(testJoinTTL)

	c1, err := Dial(context.Background(), r.ts.URL, tok)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer c1.Close()

	c2, err := Dial(context.Background(), r.ts.URL, tok)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer c2.Close()

	select {
	case <-c1.Done():
	case <-time.After(assertEventuallyTimeout):
		t.Fatal("the first session should be bumped by the reconnect")
	}

	assert.Equal(t, []types.ConnID{conn}, r.server.Connections(),
		"one identity stays one connection")

	time.Sleep(settleTime)
	assert.Equal(t, 1, connects.count(), "a reconnect is one continuous presence, not a second connect")
	assert.Zero(t, disconnects.count(), "bumping the old session must not read as the peer leaving")

	c2.Close()

	assert.Eventually(t, func() bool { return disconnects.count() == 1 }, assertEventuallyTimeout, assertEventuallyTick,
		"closing the live session must fire the disconnect")
}

func TestFullStackOverWebSocket(t *testing.T) {
	r := makeWsRig(t)

	art := cardinal.New(cardinal.Config{
		Role:          types.RoleAuthority,
		Host:          r.server,
		SweepInterval: 20 * time.Millisecond,
	})
	defer art.Close()

	var motd *bridge.Property

	spawns := &recorder{}

	assert.NoError(t, art.Register(&cardinal.ModuleFuncs{
		ModuleName: "game",
		InitFunc: func(rt *cardinal.Runtime) error {
			b, err := rt.Bridge("game")
			if err != nil {
				return err
			}

			chat, err := b.Endpoint("chat")
			if err != nil {
				return err
			}

			if err := chat.SetRequestHandler(func(_ context.Context, _ types.ConnID, args []wire.Value) ([]wire.Value, error) {
				return []wire.Value{strings.ToUpper(args[0].(string))}, nil
			}); err != nil {
				return err
			}

			if motd, err = b.DefineProperty("motd", "welcome"); err != nil {
				return err
			}

			rt.OnSpawn(func(conn types.ConnID, args []wire.Value) {
				payload, _ := wire.EncodeArgs(args)
				spawns.record(conn, payload)
			})

			return nil
		},
	}))

	assert.NoError(t, art.Start(context.Background()))

	conn, c := r.dial(t)

	prt := cardinal.New(cardinal.Config{Role: types.RolePeer, Host: c})
	defer prt.Close()
	assert.NoError(t, prt.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), assertEventuallyTimeout)
	defer cancel()

	svc, err := prt.DiscoverService(ctx, "game")
	if err != nil {
		t.Fatalf("discovering over websocket: %v", err)
	}

	ep, ok := svc.Event("chat")
	assert.True(t, ok)

	reply, err := ep.Invoke(ctx, "ping")
	assert.NoError(t, err)
	assert.Equal(t, []wire.Value{"PING"}, reply, "an invoke must cross the socket and back")

	view, ok := svc.Property("motd")
	assert.True(t, ok)
	assert.Equal(t, "welcome", view.Get(), "the discovered view seeds with the advertised default")

	view.Observe(func(wire.Value) {})

	motd.Set("round two")

	assert.Eventually(t, func() bool { return view.Get() == "round two" }, assertEventuallyTimeout, assertEventuallyTick,
		"an authority assignment must push through to the observing view")

	assert.NoError(t, c.ReportSpawn("avatar"))

	assert.Eventually(t, func() bool { return spawns.count() == 1 }, assertEventuallyTimeout, assertEventuallyTick,
		"a reported spawn must replay to the module's callback")

	from, _ := spawns.last()
	assert.Equal(t, conn, from)
}
