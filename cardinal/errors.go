package cardinal

import "errors"

var (
	// ErrAlreadyStarted is returned when registration or a second Start races the
	// runtime's start; both are strictly pre-start operations.
	ErrAlreadyStarted = errors.New("runtime already started")
)
