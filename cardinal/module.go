package cardinal

import "context"

// Module is one unit of application behavior hosted by the Runtime.
//
// Init runs before any module starts: it is where bridges, endpoints,
// signals, properties, and lifecycle callbacks get registered, so that every
// module sees the complete surface once the start phase begins. Start runs
// after all inits succeed for the modules that made it; the passed context
// is cancelled when the runtime closes.
type Module interface {
	Name() string
	Init(rt *Runtime) error
	Start(ctx context.Context) error
}

// ModuleFuncs adapts plain functions to the Module interface; nil fields
// no-op. Handy for small modules and tests.
type ModuleFuncs struct {
	ModuleName string
	InitFunc   func(rt *Runtime) error
	StartFunc  func(ctx context.Context) error
}

func (m *ModuleFuncs) Name() string {
	return m.ModuleName
}

func (m *ModuleFuncs) Init(rt *Runtime) error {
	if m.InitFunc == nil {
		return nil
	}

	return m.InitFunc(rt)
}

func (m *ModuleFuncs) Start(ctx context.Context) error {
	if m.StartFunc == nil {
		return nil
	}

	return m.StartFunc(ctx)
}
