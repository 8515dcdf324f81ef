package model

import (
	"fmt"
	"sort"
)

// Catalog holds the registered component models and deployments for one
// resolution session. It replaces any global model registry: the engine
// receives a catalog at construction and never consults ambient state.
//
// A catalog is built up front and then read-only during resolution; it is
// not safe for concurrent mutation.
type Catalog struct {
	types       map[string]*Type
	deployments map[string][]*Deployment
}

func NewCatalog() *Catalog {
	return &Catalog{
		types:       map[string]*Type{},
		deployments: map[string][]*Deployment{},
	}
}

// Register adds component models to the catalog. Re-registering a name is
// an error: model identity is by name.
func (c *Catalog) Register(types ...*Type) error {
	for _, t := range types {
		if t == nil || t.Name == "" {
			return fmt.Errorf("catalog: cannot register unnamed model")
		}
		if _, ok := c.types[t.Name]; ok {
			return fmt.Errorf("catalog: model %q already registered", t.Name)
		}
		c.types[t.Name] = t
	}
	return nil
}

// TypeByName looks a model up by name.
func (c *Catalog) TypeByName(name string) (*Type, bool) {
	t, ok := c.types[name]
	return t, ok
}

// Types returns all registered models sorted by name.
func (c *Catalog) Types() []*Type {
	out := make([]*Type, 0, len(c.types))
	for _, t := range c.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ImplementationsOf returns the component-kind models that fulfil every
// model in want, sorted by name.
func (c *Catalog) ImplementationsOf(want ...*Type) []*Type {
	var out []*Type
	for _, t := range c.Types() {
		if t.Kind != KindComponent {
			continue
		}
		ok := true
		for _, w := range want {
			if !t.Fulfils(w) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, t)
		}
	}
	return out
}
