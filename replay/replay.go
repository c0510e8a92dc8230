// Package replay buffers connection-lifecycle occurrences (connects,
// disconnects, spawns) until the callbacks interested in them exist.
//
// Modules register their lifecycle callbacks during startup, but occurrences
// begin the moment the host accepts its first connection. The Buffer absorbs
// that gap: every occurrence is appended as a record, and a periodic sweeper
// dispatches each record exactly once to the callbacks registered at sweep
// time. A callback registered before the first sweep therefore observes the
// full history; one registered later observes only what the sweeper has not
// yet delivered.
package replay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"github.com/benbjohnson/clock"
)

// Kind discriminates the lifecycle occurrence a record describes.
type Kind byte

const (
	Connect Kind = iota
	Disconnect
	Spawn
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case Spawn:
		return "spawn"
	default:
		return "unknown"
	}
}

// Callback receives one replayed record. Dispatches run on their own
// goroutines; panics are recovered and logged.
type Callback func(conn types.ConnID, args []wire.Value)

type record struct {
	conn types.ConnID
	args []wire.Value

	// Delivery bookkeeping: a record is dispatched on the first sweep that
	// sees it and stamped with that pass's generation. It is removed only by
	// a pass with a strictly greater generation, so every record's delivery
	// and removal are separate, ordered passes.
	delivered  bool
	generation uint64
}

// Buffer is the per-process lifecycle log plus its sweeper.
type Buffer struct {
	clock    clock.Clock
	interval time.Duration

	mu         sync.Mutex
	records    map[Kind][]*record
	callbacks  map[Kind][]Callback
	generation uint64

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Buffer sweeping on the given clock every interval. The
// sweeper does not run until Start; records appended before then simply
// accumulate.
func New(clk clock.Clock, interval time.Duration) *Buffer {
	return &Buffer{
		clock:     clk,
		interval:  interval,
		records:   make(map[Kind][]*record),
		callbacks: make(map[Kind][]Callback),
		done:      make(chan struct{}),
	}
}

// Append records one occurrence.
func (b *Buffer) Append(kind Kind, conn types.ConnID, args ...wire.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records[kind] = append(b.records[kind], &record{conn: conn, args: args})
}

// On registers a callback for one kind. Registration order is dispatch order
// within a pass, though dispatches run concurrently.
func (b *Buffer) On(kind Kind, fn Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.callbacks[kind] = append(b.callbacks[kind], fn)
}

// Start launches the sweeper goroutine. Call it once, after every interested
// callback is registered; the runtime does this at the end of its start
// phase.
func (b *Buffer) Start() {
	go b.run()
}

func (b *Buffer) run() {
	t := b.clock.Ticker(b.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			b.Sweep()
		case <-b.done:
			return
		}
	}
}

// Sweep runs one pass: it delivers every undelivered record to the callbacks
// currently registered for its kind, and drops records whose delivery pass
// lies strictly behind this one. Safe to call directly; the runtime does so
// during shutdown to flush synthesized disconnects.
func (b *Buffer) Sweep() {
	type dispatch struct {
		kind Kind
		fn   Callback
		conn types.ConnID
		args []wire.Value
	}

	var out []dispatch

	b.mu.Lock()

	b.generation++
	gen := b.generation

	for kind, recs := range b.records {
		cbs := b.callbacks[kind]

		kept := recs[:0]

		for _, r := range recs {
			if !r.delivered {
				r.delivered = true
				r.generation = gen

				for _, fn := range cbs {
					out = append(out, dispatch{kind, fn, r.conn, r.args})
				}
			}

			if r.generation < gen {
				continue
			}

			kept = append(kept, r)
		}

		b.records[kind] = kept
	}

	b.mu.Unlock()

	for _, d := range out {
		go b.dispatch(d.kind, d.fn, d.conn, d.args)
	}
}

func (b *Buffer) dispatch(kind Kind, fn Callback, conn types.ConnID, args []wire.Value) {
	defer func() {
		if r := recover(); r != nil {
			b.L().Error("lifecycle callback panicked",
				"kind", kind.String(), "conn", conn.Debug(), "panic", r)
		}
	}()

	fn(conn, args)
}

// Pending reports how many records of the kind still sit in the buffer,
// delivered or not. Mostly useful for shutdown accounting.
func (b *Buffer) Pending(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.records[kind])
}

// Close stops the sweeper. Exactly-once; records still buffered are dropped.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *Buffer) L() *slog.Logger {
	return slog.With("system", "replay")
}
