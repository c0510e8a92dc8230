package bridge

import "errors"

// Configuration errors: raised synchronously at the call site, never
// retried. Hitting one means the calling code is wired wrong, not that the
// network misbehaved.
var (
	ErrRoleRestricted = errors.New("operation not available to this role")
	ErrHandlerExists  = errors.New("request handler already registered")
	ErrReservedName   = errors.New("member name is reserved for runtime use")
	ErrUnknownConn    = errors.New("no such live connection")
	ErrDestroyed      = errors.New("property has been destroyed")
)
