package types

import "fmt"

// Role selects which variant of the replicated machinery a process runs.
// Exactly one authority coordinates any number of peers.
type Role byte

const (
	// RoleAuthority is the coordinating process: it fans out to
	// connections, owns property state, and answers invokes.
	RoleAuthority Role = iota

	// RolePeer is a connected process: it talks to the authority only.
	RolePeer
)

func (r Role) String() string {
	switch r {
	case RoleAuthority:
		return "authority"
	case RolePeer:
		return "peer"
	default:
		return fmt.Sprintf("unknown(%d)", byte(r))
	}
}

// IsAuthority is shorthand for role comparison in dispatch paths.
func (r Role) IsAuthority() bool {
	return r == RoleAuthority
}
