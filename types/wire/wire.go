// Package wire defines the logical frame model shared by every transport:
// frames, delivery targets, and the member catalogs exchanged during
// capability discovery.
//
// Frames are transient; they exist on the wire and in dispatch, never in
// storage.
package wire

import (
	"fmt"
	"slices"

	"github.com/RemnantsOfSiren/Cardinal/types"
)

// Value is one positional frame argument. It may hold any CBOR-codable value;
// after a wire round-trip integers arrive as int64 and maps as
// map[string]Value (see codec.go).
type Value = any

// Frame is one logical message on a bridge: an event name plus positional
// arguments. The same shape carries endpoint events, signal fires, property
// pushes, and property readiness notices (zero args).
type Frame struct {
	Bridge string
	Event  string
	Args   []Value `json:",omitempty"`
}

func (f Frame) Debug() string {
	return fmt.Sprintf("%s/%s(%d args)", f.Bridge, f.Event, len(f.Args))
}

type TargetKind byte

const (
	// ToAuthority addresses the coordinating process; the only target the
	// peer side may use.
	ToAuthority TargetKind = iota
	// ToConn addresses a single connection by ID.
	ToConn
	// ToAll addresses every live connection.
	ToAll
	// ToAllExcept addresses every live connection minus the listed ones.
	ToAllExcept
)

func (k TargetKind) String() string {
	switch k {
	case ToAuthority:
		return "authority"
	case ToConn:
		return "conn"
	case ToAll:
		return "all"
	case ToAllExcept:
		return "all-except"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Target names the remote end(s) of a send.
type Target struct {
	Kind TargetKind

	// Conn is set for ToConn.
	Conn types.ConnID `json:",omitempty"`

	// Except is set for ToAllExcept.
	Except []types.ConnID `json:",omitempty"`
}

// Authority targets the coordinating process.
func Authority() Target {
	return Target{Kind: ToAuthority}
}

// To targets a single connection.
func To(conn types.ConnID) Target {
	return Target{Kind: ToConn, Conn: conn}
}

// All targets every live connection.
func All() Target {
	return Target{Kind: ToAll}
}

// AllExcept targets every live connection except the given ones.
func AllExcept(conns ...types.ConnID) Target {
	return Target{Kind: ToAllExcept, Except: conns}
}

// Includes reports whether a fan-out over conn should deliver to it. Always
// true for ToAll; for ToAllExcept, true unless conn is excluded. ToAuthority
// and ToConn targets do not fan out.
func (t Target) Includes(conn types.ConnID) bool {
	switch t.Kind {
	case ToAll:
		return true
	case ToAllExcept:
		return !slices.Contains(t.Except, conn)
	case ToConn:
		return t.Conn == conn
	default:
		return false
	}
}

func (t Target) Debug() string {
	switch t.Kind {
	case ToConn:
		return fmt.Sprintf("conn(%s)", t.Conn.Debug())
	case ToAllExcept:
		return fmt.Sprintf("all-except(%d)", len(t.Except))
	default:
		return t.Kind.String()
	}
}
