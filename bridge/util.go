package bridge

import (
	"log/slog"
	"sync/atomic"
)

// OnceCheck guards operations that must run exactly once; repeat calls
// observe false and no-op.
type OnceCheck struct {
	*atomic.Bool
}

func MakeOnceCheck() OnceCheck {
	return OnceCheck{
		&atomic.Bool{},
	}
}

// CheckOrMark atomically checks whether the operation already ran, else
// marks it as run; returns false if it already ran.
func (oc *OnceCheck) CheckOrMark() bool {
	return oc.CompareAndSwap(false, true)
}

// invokeSafely runs fn on the calling goroutine, turning a panic into an
// error log instead of a process crash. Subscriber callbacks are application
// code; one misbehaving callback must not take down the receive path.
func invokeSafely(l *slog.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("recovered panic in callback", "in", what, "panic", r)
		}
	}()

	fn()
}
