package ws

import "time"

const (
	// MaxEnvelopeBytes bounds a single websocket message; anything larger
	// kills the connection.
	MaxEnvelopeBytes = 1 << 20

	KeepAliveInterval = 30 * time.Second
	WriteTimeout      = 10 * time.Second
	SendQueueDepth    = 64 // envelopes buffered for sending

	// SendRetryTimeout is how long a blocked cross-goroutine send keeps
	// trying before giving the envelope up.
	SendRetryTimeout = 5 * time.Second
)
