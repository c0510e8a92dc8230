package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Frames travel as canonical CBOR (RFC 8949 core deterministic profile), so
// the same frame encodes to the same bytes on every sender.
//
// Decoding into Value normalises: CBOR integers arrive as int64, CBOR maps as
// map[string]Value. DeepCopy applies the same normalisation.

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building cbor encode mode: %v", err))
	}

	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		IntDec:         cbor.IntDecConvertSigned,
		DefaultMapType: reflect.TypeOf(map[string]Value(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building cbor decode mode: %v", err))
	}

	return dm
}

// Marshal renders v in the canonical encoding. Transports reuse it for
// their own envelope types so everything on the wire shares one profile.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal is the inverse of Marshal, with the package's normalisation
// rules applied to any untyped positions in v.
func Unmarshal(b []byte, v any) error {
	return decMode.Unmarshal(b, v)
}

// EncodeFrame renders f as canonical CBOR.
func EncodeFrame(f Frame) ([]byte, error) {
	b, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame %s: %w", f.Debug(), err)
	}

	return b, nil
}

// DecodeFrame parses bytes previously produced by EncodeFrame.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame

	if err := decMode.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}

	return f, nil
}

// EncodeArgs renders a bare argument list, the payload shape of invoke
// requests and replies.
func EncodeArgs(args []Value) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}

	b, err := encMode.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding %d args: %w", len(args), err)
	}

	return b, nil
}

// DecodeArgs parses an argument list; empty input means no arguments, which
// is what an invoke against a handler-less endpoint replies with.
func DecodeArgs(b []byte) ([]Value, error) {
	if len(b) == 0 {
		return nil, nil
	}

	var args []Value

	if err := decMode.Unmarshal(b, &args); err != nil {
		return nil, fmt.Errorf("decoding args: %w", err)
	}

	return args, nil
}

// DeepCopy clones v by CBOR round-trip. Composite values handed to different
// holders never alias each other: mutating the copy cannot be observed
// through the original, and vice versa.
func DeepCopy(v Value) (Value, error) {
	if v == nil {
		return nil, nil
	}

	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("deep copy encode: %w", err)
	}

	var out Value

	if err = decMode.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("deep copy decode: %w", err)
	}

	return out, nil
}
