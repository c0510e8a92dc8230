package wire

import (
	"fmt"
	"strings"

	"github.com/LukaGiorgadze/gonull"
)

// Every bridge on the authority answers these three endpoints with its member
// catalogs, so peers can discover capabilities without out-of-band knowledge.
const (
	EventsEndpoint     = "__events"
	SignalsEndpoint    = "__signals"
	PropertiesEndpoint = "__properties"
)

const reservedPrefix = "__"

// IsReservedName reports whether name is claimed by the runtime and thus
// unavailable to application members.
func IsReservedName(name string) bool {
	return strings.HasPrefix(name, reservedPrefix)
}

// PropertySpec describes one replicated property in a catalog reply. Default
// is absent when the property was defined without one.
type PropertySpec struct {
	Name    string
	Default gonull.Nullable[Value]
}

func NewPropertySpec(name string, def Value) PropertySpec {
	spec := PropertySpec{Name: name}

	if def != nil {
		spec.Default = gonull.NewNullable[Value](def)
	}

	return spec
}

// DefaultValue returns the declared default, nil when absent.
func (s PropertySpec) DefaultValue() Value {
	if !s.Default.Valid {
		return nil
	}

	return s.Default.Val
}

// Catalog replies are themselves CBOR, carried as a single []byte frame
// argument; the indirection keeps discovery payloads typed on both ends while
// frame args stay schemaless.

func EncodeNames(names []string) ([]byte, error) {
	b, err := encMode.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("encoding name catalog: %w", err)
	}

	return b, nil
}

func DecodeNames(b []byte) ([]string, error) {
	var names []string

	if err := decMode.Unmarshal(b, &names); err != nil {
		return nil, fmt.Errorf("decoding name catalog: %w", err)
	}

	return names, nil
}

func EncodePropertySpecs(specs []PropertySpec) ([]byte, error) {
	b, err := encMode.Marshal(specs)
	if err != nil {
		return nil, fmt.Errorf("encoding property catalog: %w", err)
	}

	return b, nil
}

func DecodePropertySpecs(b []byte) ([]PropertySpec, error) {
	var specs []PropertySpec

	if err := decMode.Unmarshal(b, &specs); err != nil {
		return nil, fmt.Errorf("decoding property catalog: %w", err)
	}

	return specs, nil
}
