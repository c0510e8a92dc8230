package bridge

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
)

// PropertyView is the peer side of one replicated property: a local cache of
// the authority's last push, seeded with the declared default until the
// first push arrives.
//
// The view sends its readiness frame on the first Observe; the authority
// withholds pushes until then.
type PropertyView struct {
	bridge *Bridge
	ep     *Endpoint
	name   string

	mu        sync.Mutex
	value     wire.Value
	observers []*Observation

	sub       *Subscription
	readySent OnceCheck
	destroyed OnceCheck
}

func newPropertyView(b *Bridge, ep *Endpoint, name string, def wire.Value) (*PropertyView, error) {
	defCopy, err := wire.DeepCopy(def)
	if err != nil {
		return nil, err
	}

	v := &PropertyView{
		bridge:    b,
		ep:        ep,
		name:      name,
		value:     defCopy,
		readySent: MakeOnceCheck(),
		destroyed: MakeOnceCheck(),
	}

	// Cache updates ride the synchronous path: pushes must land in wire
	// order or the cache could finish stale.
	v.sub = ep.subscribeSync(v.recvPush)

	return v, nil
}

func (v *PropertyView) Name() string {
	return v.name
}

// recvPush applies one authority push: cache the value, then fan it out to
// observers. Pushes carry exactly one argument.
func (v *PropertyView) recvPush(_ types.ConnID, args []wire.Value) {
	if len(args) != 1 {
		return
	}

	cached, err := wire.DeepCopy(args[0])
	if err != nil {
		v.L().Error("copying pushed value", "err", err)
		return
	}

	v.mu.Lock()

	if v.destroyed.Load() {
		v.mu.Unlock()
		return
	}

	v.value = cached
	obs := slices.Clone(v.observers)

	v.mu.Unlock()

	for _, o := range obs {
		cp, err := wire.DeepCopy(args[0])
		if err != nil {
			v.L().Error("copying pushed value for observer", "err", err)
			continue
		}

		o.offer(cp)
	}
}

// Get returns the last-known value, as a copy the caller may freely mutate.
func (v *PropertyView) Get() wire.Value {
	v.mu.Lock()
	defer v.mu.Unlock()

	cp, err := wire.DeepCopy(v.value)
	if err != nil {
		v.L().Error("copying cached value", "err", err)
		return nil
	}

	return cp
}

// Observe delivers the last-known value to fn, then every subsequent push.
// The first Observe on a view sends the readiness frame that unblocks the
// authority's pushes. Deliveries to one observer are serial and coalesce to
// the latest value under backlog; a late observer never misses current
// state.
func (v *PropertyView) Observe(fn func(value wire.Value)) *Observation {
	o := newObservation(v, fn)

	v.mu.Lock()

	if v.destroyed.Load() {
		v.mu.Unlock()
		// Inert handle: never fires, Cancel no-ops.
		return o
	}

	cp, err := wire.DeepCopy(v.value)
	if err == nil {
		o.offer(cp)
	}

	v.observers = append(v.observers, o)

	v.mu.Unlock()

	if err != nil {
		v.L().Error("copying cached value for observer", "err", err)
	}

	v.sendReadyOnce()

	go o.run()

	return o
}

func (v *PropertyView) sendReadyOnce() {
	if !v.readySent.CheckOrMark() {
		return
	}

	if err := v.ep.Send(wire.Authority()); err != nil {
		v.L().Warn("sending ready frame", "err", err)
	}
}

func (v *PropertyView) removeObserver(o *Observation) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, cur := range v.observers {
		if cur == o {
			v.observers = append(v.observers[:i], v.observers[i+1:]...)
			return
		}
	}
}

// Destroy stops every observer, releases the cache subscription, and
// withdraws the view from its bridge. Repeat calls no-op.
func (v *PropertyView) Destroy() {
	if !v.destroyed.CheckOrMark() {
		return
	}

	v.sub.Cancel()

	v.mu.Lock()
	obs := v.observers
	v.observers = nil
	v.mu.Unlock()

	for _, o := range obs {
		o.stop()
	}

	v.bridge.removeView(v.name)
}

func (v *PropertyView) L() *slog.Logger {
	return slog.With("bridge", v.bridge.name, "property", v.name)
}

// Observation is one live Observe registration. Its callback runs on a
// dedicated goroutine, one value at a time; when values arrive faster than
// the callback consumes them, intermediate values coalesce to the latest.
type Observation struct {
	view *PropertyView
	fn   func(value wire.Value)

	mu     sync.Mutex
	latest wire.Value
	queued bool

	wake    chan struct{}
	done    chan struct{}
	stopped OnceCheck
}

func newObservation(v *PropertyView, fn func(value wire.Value)) *Observation {
	return &Observation{
		view:    v,
		fn:      fn,
		wake:    make(chan struct{}, PropWakeChanBuffer),
		done:    make(chan struct{}),
		stopped: MakeOnceCheck(),
	}
}

func (o *Observation) run() {
	for {
		for {
			v, ok := o.next()
			if !ok {
				break
			}

			invokeSafely(o.view.L(), "observer", func() {
				o.fn(v)
			})
		}

		select {
		case <-o.wake:
		case <-o.done:
			return
		}
	}
}

func (o *Observation) next() (wire.Value, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.queued {
		return nil, false
	}

	v := o.latest
	o.latest = nil
	o.queued = false

	return v, true
}

func (o *Observation) offer(v wire.Value) {
	o.mu.Lock()
	o.latest = v
	o.queued = true
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Cancel stops deliveries and removes this registration. Repeat calls no-op.
func (o *Observation) Cancel() {
	o.stop()
	o.view.removeObserver(o)
}

func (o *Observation) stop() {
	if o.stopped.CheckOrMark() {
		close(o.done)
	}
}
