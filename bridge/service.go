package bridge

import (
	"context"
	"fmt"
	"slices"

	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"golang.org/x/exp/maps"
)

// Service is a peer's proxy of one authority bridge: one local endpoint,
// signal, or property view per member the authority advertised. Built once
// by discovery, then cached by the mux.
type Service struct {
	name   string
	bridge *Bridge

	endpoints map[string]*Endpoint
	signals   map[string]*Signal
	views     map[string]*PropertyView
}

func discoverService(ctx context.Context, b *Bridge) (*Service, error) {
	svc := &Service{
		name:      b.name,
		bridge:    b,
		endpoints: make(map[string]*Endpoint),
		signals:   make(map[string]*Signal),
		views:     make(map[string]*PropertyView),
	}

	rawEvents, err := fetchCatalog(ctx, b, wire.EventsEndpoint)
	if err != nil {
		return nil, err
	}

	eventNames, err := wire.DecodeNames(rawEvents)
	if err != nil {
		return nil, fmt.Errorf("event catalog: %w", err)
	}

	rawSignals, err := fetchCatalog(ctx, b, wire.SignalsEndpoint)
	if err != nil {
		return nil, err
	}

	signalNames, err := wire.DecodeNames(rawSignals)
	if err != nil {
		return nil, fmt.Errorf("signal catalog: %w", err)
	}

	rawProps, err := fetchCatalog(ctx, b, wire.PropertiesEndpoint)
	if err != nil {
		return nil, err
	}

	specs, err := wire.DecodePropertySpecs(rawProps)
	if err != nil {
		return nil, fmt.Errorf("property catalog: %w", err)
	}

	for _, name := range eventNames {
		ep, err := b.Endpoint(name)
		if err != nil {
			return nil, fmt.Errorf("building endpoint proxy %q: %w", name, err)
		}

		svc.endpoints[name] = ep
	}

	for _, name := range signalNames {
		s, err := b.Signal(name)
		if err != nil {
			return nil, fmt.Errorf("building signal proxy %q: %w", name, err)
		}

		svc.signals[name] = s
	}

	for _, spec := range specs {
		v, err := b.WatchProperty(spec.Name, spec.DefaultValue())
		if err != nil {
			return nil, fmt.Errorf("building property proxy %q: %w", spec.Name, err)
		}

		svc.views[spec.Name] = v
	}

	return svc, nil
}

// fetchCatalog invokes one enumeration endpoint; replies carry the encoded
// catalog as a single byte-string argument.
func fetchCatalog(ctx context.Context, b *Bridge, endpoint string) ([]byte, error) {
	vals, err := b.invoke(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("enumerating %s: %w", endpoint, err)
	}

	if len(vals) != 1 {
		return nil, fmt.Errorf("enumerating %s: reply has %d values, want 1", endpoint, len(vals))
	}

	raw, ok := vals[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("enumerating %s: reply value is %T, want bytes", endpoint, vals[0])
	}

	return raw, nil
}

func (s *Service) Name() string {
	return s.name
}

// Event returns the proxy endpoint for an advertised event member.
func (s *Service) Event(name string) (*Endpoint, bool) {
	ep, ok := s.endpoints[name]
	return ep, ok
}

// Signal returns the proxy for an advertised signal member.
func (s *Service) Signal(name string) (*Signal, bool) {
	sig, ok := s.signals[name]
	return sig, ok
}

// Property returns the view for an advertised property member.
func (s *Service) Property(name string) (*PropertyView, bool) {
	v, ok := s.views[name]
	return v, ok
}

func (s *Service) EventNames() []string {
	return sortedKeys(s.endpoints)
}

func (s *Service) SignalNames() []string {
	return sortedKeys(s.signals)
}

func (s *Service) PropertyNames() []string {
	return sortedKeys(s.views)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)

	return keys
}
