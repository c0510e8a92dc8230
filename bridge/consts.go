package bridge

const (
	// Pusher
	PropWakeChanBuffer = 1

	// PropPendingHint sizes a connection's pending push queue; it grows past
	// this only when values pile up faster than the pusher drains them.
	PropPendingHint = 4
)
