package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
)

// EventHandler receives one addressed frame. On the authority, from is the
// sending connection; on the peer it is the zero ConnID (the authority).
type EventHandler func(from types.ConnID, args []wire.Value)

// RequestHandler answers one invoke. Returned values travel back to the
// invoker; a returned error surfaces there instead.
type RequestHandler func(ctx context.Context, from types.ConnID, args []wire.Value) ([]wire.Value, error)

// Endpoint is one addressable named primitive within a bridge: fire-and-forget
// sends plus an optional single request handler.
type Endpoint struct {
	bridge *Bridge
	name   string

	mu      sync.RWMutex
	subs    []*Subscription
	handler RequestHandler
}

func newEndpoint(b *Bridge, name string) *Endpoint {
	return &Endpoint{
		bridge: b,
		name:   name,
	}
}

func (e *Endpoint) Name() string {
	return e.name
}

// Send fires args at target without waiting for delivery. The authority may
// address single connections, everyone, or everyone-except; the peer may
// only address the authority. A wrong-role target errors synchronously.
func (e *Endpoint) Send(target wire.Target, args ...wire.Value) error {
	if err := e.checkTarget(target); err != nil {
		return err
	}

	return e.bridge.send(target, e.name, args)
}

func (e *Endpoint) checkTarget(target wire.Target) error {
	authority := e.bridge.mux.role.IsAuthority()

	if authority == (target.Kind == wire.ToAuthority) {
		return fmt.Errorf("%s cannot send to %s: %w", e.bridge.mux.role, target.Debug(), ErrRoleRestricted)
	}

	return nil
}

// Subscribe registers fn for every frame addressed to this endpoint. Each
// invocation runs on its own goroutine, so a slow or panicking subscriber
// never blocks others or the receive path. The returned subscription cancels
// exactly this registration; the same closure subscribed twice yields two
// independent registrations.
func (e *Endpoint) Subscribe(fn EventHandler) *Subscription {
	return e.addSub(fn, false, false)
}

// SubscribeOnce is Subscribe that cancels itself after the first delivery.
func (e *Endpoint) SubscribeOnce(fn EventHandler) *Subscription {
	return e.addSub(fn, true, false)
}

// subscribeSync registers a runtime-internal subscriber that runs inline on
// the receive goroutine, in frame order. Property caches need that ordering;
// application callbacks never get it.
func (e *Endpoint) subscribeSync(fn EventHandler) *Subscription {
	return e.addSub(fn, false, true)
}

func (e *Endpoint) addSub(fn EventHandler, once, sync bool) *Subscription {
	s := &Subscription{
		ep:        e,
		fn:        fn,
		once:      once,
		sync:      sync,
		fired:     MakeOnceCheck(),
		cancelled: MakeOnceCheck(),
	}

	e.mu.Lock()
	e.subs = append(e.subs, s)
	e.mu.Unlock()

	return s
}

func (e *Endpoint) removeSub(s *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, cur := range e.subs {
		if cur == s {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

func (e *Endpoint) dispatch(from types.ConnID, args []wire.Value) {
	e.mu.RLock()
	subs := slices.Clone(e.subs)
	e.mu.RUnlock()

	for _, s := range subs {
		s.deliver(from, args)
	}
}

// SetRequestHandler installs the endpoint's single invoke answerer.
// Authority only. A second registration fails with ErrHandlerExists and
// leaves the existing handler untouched.
func (e *Endpoint) SetRequestHandler(fn RequestHandler) error {
	if !e.bridge.mux.role.IsAuthority() {
		return fmt.Errorf("endpoint %q: %w", e.name, ErrRoleRestricted)
	}

	return e.setRequestHandler(fn)
}

func (e *Endpoint) setRequestHandler(fn RequestHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handler != nil {
		return fmt.Errorf("endpoint %q: %w", e.name, ErrHandlerExists)
	}

	e.handler = fn

	return nil
}

func (e *Endpoint) requestHandler() RequestHandler {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.handler
}

// Invoke sends args to the authority's request handler and blocks the
// calling goroutine until the correlated response arrives or ctx is done.
// There is no built-in timeout; ctx carries the caller's deadline policy.
// An endpoint without a handler on the authority replies empty.
func (e *Endpoint) Invoke(ctx context.Context, args ...wire.Value) ([]wire.Value, error) {
	if e.bridge.mux.role.IsAuthority() {
		return nil, fmt.Errorf("invoking %q: %w", e.name, ErrRoleRestricted)
	}

	return e.bridge.invoke(ctx, e.name, args)
}

func (e *Endpoint) handleInvoke(ctx context.Context, from types.ConnID, args []wire.Value) (reply []byte, err error) {
	h := e.requestHandler()
	if h == nil {
		return nil, nil
	}

	// The handler is application code running on the transport's invoke
	// goroutine; a panic becomes the invoker's error, not a process crash.
	defer func() {
		if r := recover(); r != nil {
			e.L().Error("recovered panic in request handler", "panic", r)
			err = fmt.Errorf("request handler panicked: %v", r)
		}
	}()

	vals, err := h(ctx, from, args)
	if err != nil {
		return nil, err
	}

	return wire.EncodeArgs(vals)
}

func (e *Endpoint) L() *slog.Logger {
	return slog.With("bridge", e.bridge.name, "endpoint", e.name)
}

// Subscription is one live Subscribe registration.
type Subscription struct {
	ep   *Endpoint
	fn   EventHandler
	once bool
	sync bool

	fired     OnceCheck
	cancelled OnceCheck
}

func (s *Subscription) deliver(from types.ConnID, args []wire.Value) {
	if s.cancelled.Load() {
		return
	}

	if s.once {
		if !s.fired.CheckOrMark() {
			return
		}

		defer s.Cancel()
	}

	if s.sync {
		invokeSafely(s.ep.L(), "subscriber", func() {
			s.fn(from, args)
		})
		return
	}

	go invokeSafely(s.ep.L(), "subscriber", func() {
		s.fn(from, args)
	})
}

// Cancel removes exactly this registration. Repeat calls no-op.
func (s *Subscription) Cancel() {
	if s.cancelled.CheckOrMark() {
		s.ep.removeSub(s)
	}
}
