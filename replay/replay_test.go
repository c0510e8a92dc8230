package replay

import (
	"sync"
	"testing"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

const (
	assertEventuallyTick    = time.Millisecond
	assertEventuallyTimeout = 100 * assertEventuallyTick

	// settleTime bounds the "this must never happen" checks below.
	settleTime = 25 * time.Millisecond

	// sweepInterval only matters to the mock clock.
	sweepInterval = 50 * time.Millisecond

	// The sweeper arms its ticker on its own goroutine; give it a beat
	// before advancing the mock clock, or the first tick gets lost.
	sweeperArmDelay = 5 * time.Millisecond
)

type tally struct {
	mu    sync.Mutex
	conns []types.ConnID
	args  [][]wire.Value
}

func (ta *tally) cb(conn types.ConnID, args []wire.Value) {
	ta.mu.Lock()
	defer ta.mu.Unlock()

	ta.conns = append(ta.conns, conn)
	ta.args = append(ta.args, args)
}

func (ta *tally) count() int {
	ta.mu.Lock()
	defer ta.mu.Unlock()

	return len(ta.conns)
}

func TestSweepDeliversBufferedRecords(t *testing.T) {
	b := New(clock.NewMock(), sweepInterval)

	b.Append(Connect, "aaa")
	b.Append(Connect, "bbb")
	b.Append(Spawn, "aaa", "knight", int64(3))

	connects := &tally{}
	spawns := &tally{}
	b.On(Connect, connects.cb)
	b.On(Spawn, spawns.cb)

	b.Sweep()

	assert.Eventually(t, func() bool { return connects.count() == 2 && spawns.count() == 1 },
		assertEventuallyTimeout, assertEventuallyTick,
		"records appended before registration must still reach the callbacks")

	assert.ElementsMatch(t, []types.ConnID{"aaa", "bbb"}, connects.conns)
	assert.Equal(t, [][]wire.Value{{"knight", int64(3)}}, spawns.args,
		"spawn arguments must ride along with the record")
}

func TestRecordsDeliverExactlyOnce(t *testing.T) {
	b := New(clock.NewMock(), sweepInterval)

	ta := &tally{}
	b.On(Disconnect, ta.cb)

	b.Append(Disconnect, "aaa")

	b.Sweep()
	b.Sweep()
	b.Sweep()

	assert.Eventually(t, func() bool { return ta.count() == 1 },
		assertEventuallyTimeout, assertEventuallyTick)

	time.Sleep(settleTime)
	assert.Equal(t, 1, ta.count(), "repeat sweeps must never redeliver a record")
}

func TestRecordsOutliveTheirDeliveryPass(t *testing.T) {
	b := New(clock.NewMock(), sweepInterval)

	b.Append(Connect, "aaa")

	// Pass one delivers (to nobody) and stamps; the record survives it.
	b.Sweep()
	assert.Equal(t, 1, b.Pending(Connect), "a record must survive its own delivery pass")

	// A callback arriving between passes is too late for that record.
	ta := &tally{}
	b.On(Connect, ta.cb)

	// Pass two is strictly after the delivery generation: the record goes.
	b.Sweep()
	assert.Zero(t, b.Pending(Connect), "the pass after delivery must remove the record")

	time.Sleep(settleTime)
	assert.Zero(t, ta.count(), "a callback registered after a record's delivery pass must not receive it")
}

func TestPanickingCallbackIsIsolated(t *testing.T) {
	b := New(clock.NewMock(), sweepInterval)

	ta := &tally{}
	b.On(Connect, func(types.ConnID, []wire.Value) { panic("boom") })
	b.On(Connect, ta.cb)

	b.Append(Connect, "aaa")
	b.Sweep()

	assert.Eventually(t, func() bool { return ta.count() == 1 },
		assertEventuallyTimeout, assertEventuallyTick,
		"a panicking sibling must not cost other callbacks their dispatch")
}

func TestTickerDrivesSweeps(t *testing.T) {
	mock := clock.NewMock()
	b := New(mock, sweepInterval)

	ta := &tally{}
	b.On(Connect, ta.cb)

	b.Append(Connect, "aaa")

	b.Start()
	time.Sleep(sweeperArmDelay)

	mock.Add(sweepInterval)

	assert.Eventually(t, func() bool { return ta.count() == 1 },
		assertEventuallyTimeout, assertEventuallyTick,
		"advancing the clock by one interval must trigger a sweep")

	b.Close()
	b.Close() // repeat close is a no-op

	b.Append(Connect, "bbb")
	mock.Add(2 * sweepInterval)

	time.Sleep(settleTime)
	assert.Equal(t, 1, ta.count(), "a closed buffer must not sweep again")
}
