package model

import (
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a component model.
//
// The engine dispatches on a closed set of kinds instead of an open type
// hierarchy: services and devices are abstract tags that must be allocated
// to a component, compositions own children, buses carry a shared message
// type.
type Kind int

const (
	KindDataService Kind = iota
	KindComponent
	KindComposition
	KindBus
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindDataService:
		return "data_service"
	case KindComponent:
		return "component"
	case KindComposition:
		return "composition"
	case KindBus:
		return "bus"
	case KindDevice:
		return "device"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PortDirection is the dataflow direction of a port, seen from its task.
type PortDirection int

const (
	PortIn PortDirection = iota
	PortOut
)

// Port describes one typed port of a component model, including the
// middleware-declared timing metadata the dynamics propagator seeds from.
type Port struct {
	Name      string
	Direction PortDirection
	TypeName  string

	// Period is the intrinsic update period of the port in seconds.
	// Zero means the period is not declared and must be derived.
	Period float64
	// SampleCount is the number of elements written per trigger.
	SampleCount int
	// BurstSize and BurstPeriod describe bursty producers: BurstSize
	// extra elements every BurstPeriod cycles of the main period.
	BurstSize   int
	BurstPeriod float64
	// TriggerLatency is the worst-case delay in seconds between data
	// arrival on this port and the task processing it.
	TriggerLatency float64
	// Triggered marks ports whose data arrival triggers the owning task.
	Triggered bool
}

// Specialization refines a composition: when every constrained child role
// is bound to a model fulfilling the constraint, the composition may be
// narrowed to the Specialized model.
type Specialization struct {
	Constraints map[string]*Type
	Specialized *Type
}

// Type is a component model: a named tag in the provides hierarchy.
//
// Parents list the models this type provides (fulfils); the relation is
// reflexive and transitive. Only the fields matching the Kind are set:
// Children/Specializations for compositions, Bus for devices, MessageType
// for buses.
type Type struct {
	Name    string
	Kind    Kind
	Parents []*Type
	Ports   []Port

	// Arguments are the argument names instances of this model require
	// before they count as fully instantiated.
	Arguments []string

	// Children maps composition role names to the child model required
	// in that role.
	Children map[string]*Type
	// Specializations are the declared refinements of a composition.
	Specializations []Specialization

	// Bus names the communication bus a device is attached to.
	Bus string
	// MessageType is the data type a bus fans in/out.
	MessageType string
}

// Fulfils reports whether t provides other, walking the parent links.
func (t *Type) Fulfils(other *Type) bool {
	if t == nil || other == nil {
		return false
	}
	if t == other || t.Name == other.Name {
		return true
	}
	for _, p := range t.Parents {
		if p.Fulfils(other) {
			return true
		}
	}
	return false
}

// ProvidedModels returns t and every model it transitively provides.
func (t *Type) ProvidedModels() []*Type {
	seen := map[string]*Type{}
	var walk func(*Type)
	walk = func(m *Type) {
		if m == nil {
			return
		}
		if _, ok := seen[m.Name]; ok {
			return
		}
		seen[m.Name] = m
		for _, p := range m.Parents {
			walk(p)
		}
	}
	walk(t)
	out := make([]*Type, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Port looks up a port by name.
func (t *Type) Port(name string) (Port, bool) {
	for _, p := range t.Ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// InPorts returns the input ports, OutPorts the output ports.
func (t *Type) InPorts() []Port { return t.portsByDirection(PortIn) }

func (t *Type) OutPorts() []Port { return t.portsByDirection(PortOut) }

func (t *Type) portsByDirection(dir PortDirection) []Port {
	var out []Port
	for _, p := range t.Ports {
		if p.Direction == dir {
			out = append(out, p)
		}
	}
	return out
}

// Composable reports whether instances of t may receive child selections.
func (t *Type) Composable() bool { return t != nil && t.Kind == KindComposition }

// Concrete reports whether t is directly instantiable as an executable task.
func (t *Type) Concrete() bool {
	return t != nil && (t.Kind == KindComponent || t.Kind == KindComposition)
}

// NarrowWith picks the most specific specialization of a composition that
// is consistent with the given role bindings. When several specializations
// match and none fulfils all others, the composition itself is returned:
// narrowing never guesses between incomparable refinements.
func (t *Type) NarrowWith(bound map[string]*Type) *Type {
	if !t.Composable() || len(t.Specializations) == 0 {
		return t
	}
	var matches []*Type
	for _, s := range t.Specializations {
		ok := true
		for role, constraint := range s.Constraints {
			m, selected := bound[role]
			if !selected || !m.Fulfils(constraint) {
				ok = false
				break
			}
		}
		if ok {
			matches = append(matches, s.Specialized)
		}
	}
	switch len(matches) {
	case 0:
		return t
	case 1:
		return matches[0]
	}
	for _, cand := range matches {
		dominates := true
		for _, other := range matches {
			if !cand.Fulfils(other) {
				dominates = false
				break
			}
		}
		if dominates {
			return cand
		}
	}
	return t
}

func (t *Type) String() string {
	if t == nil {
		return "<nil model>"
	}
	return fmt.Sprintf("%s[%s]", t.Name, t.Kind)
}

// Names formats a model list for error messages.
func Names(models []*Type) string {
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
