package ws

import (
	"fmt"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
)

type envelopeKind byte

const (
	kindEvent envelopeKind = iota + 1
	kindInvoke
	kindReply
	kindReady
	kindSpawn
)

func (k envelopeKind) String() string {
	switch k {
	case kindEvent:
		return "event"
	case kindInvoke:
		return "invoke"
	case kindReply:
		return "reply"
	case kindReady:
		return "ready"
	case kindSpawn:
		return "spawn"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// envelope is the single message shape both directions use. Which fields are
// set depends on Kind: events and invokes carry Bridge+Payload, invokes and
// replies pair up over Corr, ready carries nothing at all.
type envelope struct {
	Kind    envelopeKind `cbor:"k"`
	Bridge  string       `cbor:"b,omitempty"`
	Corr    string       `cbor:"c,omitempty"`
	From    types.ConnID `cbor:"f,omitempty"`
	Payload []byte       `cbor:"p,omitempty"`

	// Err carries a failed invoke handler's message back on a reply.
	Err string `cbor:"e,omitempty"`
}

func encodeEnvelope(env envelope) ([]byte, error) {
	b, err := wire.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", env.Kind, err)
	}

	return b, nil
}

func decodeEnvelope(b []byte) (envelope, error) {
	var env envelope

	if err := wire.Unmarshal(b, &env); err != nil {
		return envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}

	return env, nil
}
