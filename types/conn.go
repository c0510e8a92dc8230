package types

import (
	"fmt"

	"github.com/google/uuid"
)

// ConnID is the opaque per-peer session identity handed out by the host.
//
// It is stable for the lifetime of one connection and never reused for
// another live connection. The zero value stands for "the authority" in
// sender positions: a peer receiving a frame sees the zero ConnID, since
// only the authority may address peers.
type ConnID string

// NewConnID mints a fresh random connection identity.
//
// Hosts are free to mint their own scheme instead; Cardinal only ever
// compares ConnIDs for equality.
func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

// IsZero reports whether c is the zero ("authority") identity.
func (c ConnID) IsZero() bool {
	return c == ""
}

// Debug returns a short form for logging.
func (c ConnID) Debug() string {
	if c.IsZero() {
		return "<authority>"
	}

	if len(c) > 8 {
		return string(c[:8])
	}

	return string(c)
}

func (c ConnID) String() string {
	return string(c)
}

// MarshalText implements encoding.TextMarshaler.
func (c ConnID) MarshalText() ([]byte, error) {
	return []byte(c), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ConnID) UnmarshalText(b []byte) error {
	*c = ConnID(b)
	return nil
}

// ParseConnID validates s as a connection identity.
//
// The only hard requirement is non-emptiness; the empty string is reserved
// for the authority.
func ParseConnID(s string) (ConnID, error) {
	if s == "" {
		return "", fmt.Errorf("empty connection id is reserved for the authority")
	}

	return ConnID(s), nil
}
