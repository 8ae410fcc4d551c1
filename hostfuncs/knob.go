package hostfuncs

import (
	"context"
	"maps"
	"sort"

	"github.com/hostreflect/hostreflect/wireformat"
)

// KnobService answers named configuration lookups from compute images.
// The knob set is fixed at construction.
type KnobService struct {
	knobs map[string]string
}

// NewKnobService creates a service over a copy of knobs.
func NewKnobService(knobs map[string]string) *KnobService {
	return &KnobService{knobs: maps.Clone(knobs)}
}

// Names returns the knob names in sorted order.
func (s *KnobService) Names() []string {
	names := make([]string, 0, len(s.knobs))
	for name := range s.knobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the value of the named knob.
func (s *KnobService) Lookup(_ context.Context, req *wireformat.KnobRequest) *wireformat.KnobReply {
	value, ok := s.knobs[req.Name]
	if !ok {
		return &wireformat.KnobReply{Status: wireformat.StatusNotFound}
	}
	if len(value) > wireformat.MaxKnobValue {
		return &wireformat.KnobReply{Status: wireformat.StatusOutOfBounds}
	}
	return &wireformat.KnobReply{Status: wireformat.StatusOK, Value: value}
}
