// Package selection implements the dependency-injection layer of the
// network resolution engine: a two-tier mapping of explicit selections
// and untyped default candidates, and a stack of such mappings with
// save/restore discipline.
package selection

import (
	"fmt"

	"github.com/nereid-robotics/sysweave/model"
)

// Provider is anything that can announce which models it fulfils. Models
// themselves are providers; instance requirements and bound tasks
// implement this too.
type Provider interface {
	ProvidedModels() []*model.Type
}

// Injection is a resolvable selection: explicit key to value pairs plus an
// ordered list of default candidates that are assigned to the roles they
// fulfil once no explicit selection covers the role.
//
// Keys are selection names (string) or models (*model.Type). Values may
// additionally be any Provider. Resolve is idempotent.
type Injection struct {
	explicit map[any]any
	defaults []any
	// ambiguous remembers role names dropped because two default
	// candidates claimed them; later candidates for those roles are
	// rejected as well.
	ambiguous map[string]bool
}

func NewInjection() *Injection {
	return &Injection{
		explicit:  map[any]any{},
		ambiguous: map[string]bool{},
	}
}

// Empty reports whether the injection selects nothing.
func (in *Injection) Empty() bool {
	return in == nil || (len(in.explicit) == 0 && len(in.defaults) == 0)
}

// Add merges explicit pairs (last write wins, but two incomparable models
// for the same key raise an AmbiguityError) and appends deduplicated
// defaults.
func (in *Injection) Add(explicit map[any]any, defaults ...any) error {
	for k, v := range explicit {
		if old, ok := in.explicit[k]; ok {
			oldType, oldIsType := old.(*model.Type)
			newType, newIsType := v.(*model.Type)
			if oldIsType && newIsType && !oldType.Fulfils(newType) && !newType.Fulfils(oldType) {
				return Ambiguous(keyLabel(k), oldType.Name, newType.Name)
			}
		}
		in.explicit[k] = v
	}
next:
	for _, d := range defaults {
		for _, existing := range in.defaults {
			if existing == d {
				continue next
			}
		}
		in.defaults = append(in.defaults, d)
	}
	return nil
}

// Resolve assigns default candidates to the roles they fulfil and then
// flattens alias chains in the explicit map so lookups never need more
// than one hop. Resolving twice yields the same explicit map.
func (in *Injection) Resolve() error {
	// 1) default-selection assignment
	claimed := map[string]any{}
	claimedRole := map[string]*model.Type{}
	for _, d := range in.defaults {
		for _, role := range providedModels(d) {
			if in.ambiguous[role.Name] {
				continue
			}
			if _, ok := in.lookup(role); ok {
				// an explicit selection already covers the role
				continue
			}
			if prev, ok := claimed[role.Name]; ok {
				if prev == d {
					continue
				}
				// two candidates claim the role: drop both and
				// remember the conflict
				in.ambiguous[role.Name] = true
				delete(claimed, role.Name)
				delete(claimedRole, role.Name)
				continue
			}
			claimed[role.Name] = d
			claimedRole[role.Name] = role
		}
	}
	for name, v := range claimed {
		in.explicit[claimedRole[name]] = v
	}

	// 2) alias flattening
	for k := range in.explicit {
		in.explicit[k] = in.chase(k, in.explicit[k])
	}
	return nil
}

// chase follows value-as-key alias chains (A selects B, B selects C)
// until a terminal value, guarding against cycles.
func (in *Injection) chase(origin any, v any) any {
	visited := map[any]bool{origin: true}
	for {
		next, ok := in.aliasTarget(v)
		if !ok || visited[next] {
			return v
		}
		visited[v] = true
		v = next
	}
}

func (in *Injection) aliasTarget(v any) (any, bool) {
	switch key := v.(type) {
	case string, *model.Type:
		return in.lookup(key)
	}
	return nil, false
}

// lookup finds the explicit value for a key: directly, and for model keys
// also by model object then by model name.
func (in *Injection) lookup(key any) (any, bool) {
	if v, ok := in.explicit[key]; ok {
		return v, true
	}
	if t, isType := key.(*model.Type); isType {
		if v, ok := in.explicit[t.Name]; ok {
			return v, true
		}
		for k, v := range in.explicit {
			if kt, ok := k.(*model.Type); ok && kt.Name == t.Name {
				return v, true
			}
		}
	}
	return nil, false
}

// CandidatesFor returns the resolved selection for a key. The second
// result is false when nothing is selected or the role was dropped as
// ambiguous.
func (in *Injection) CandidatesFor(key any) (any, bool) {
	if in == nil {
		return nil, false
	}
	if v, ok := in.lookup(key); ok {
		return v, true
	}
	return nil, false
}

// AmbiguousRole reports whether a role was dropped during default
// assignment because several candidates claimed it.
func (in *Injection) AmbiguousRole(name string) bool {
	return in != nil && in.ambiguous[name]
}

// Merge folds other into in, keeping in's entries on comparable conflicts.
func (in *Injection) Merge(other *Injection) error {
	if other == nil {
		return nil
	}
	if err := in.Add(other.explicit, other.defaults...); err != nil {
		return err
	}
	for name := range other.ambiguous {
		in.ambiguous[name] = true
	}
	return nil
}

// Dup returns an independent copy.
func (in *Injection) Dup() *Injection {
	out := NewInjection()
	if in == nil {
		return out
	}
	for k, v := range in.explicit {
		out.explicit[k] = v
	}
	out.defaults = append(out.defaults, in.defaults...)
	for name := range in.ambiguous {
		out.ambiguous[name] = true
	}
	return out
}

// Explicit returns a copy of the explicit map.
func (in *Injection) Explicit() map[any]any {
	out := make(map[any]any, len(in.explicit))
	for k, v := range in.explicit {
		out[k] = v
	}
	return out
}

// Defaults returns the default candidates in insertion order.
func (in *Injection) Defaults() []any {
	return append([]any(nil), in.defaults...)
}

// UnresolvedNames returns the string selections that the given lookup
// cannot resolve, in explicit-map and defaults order.
func (in *Injection) UnresolvedNames(lookup func(string) (any, bool)) []string {
	seen := map[string]bool{}
	var out []string
	record := func(v any) {
		s, ok := v.(string)
		if !ok || seen[s] {
			return
		}
		if _, resolved := lookup(s); !resolved {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, v := range in.explicit {
		record(v)
	}
	for _, d := range in.defaults {
		record(d)
	}
	return out
}

func providedModels(v any) []*model.Type {
	switch p := v.(type) {
	case *model.Type:
		return p.ProvidedModels()
	case Provider:
		return p.ProvidedModels()
	}
	return nil
}

func keyName(key any) (string, bool) {
	switch k := key.(type) {
	case string:
		return k, true
	case *model.Type:
		return k.Name, true
	}
	return "", false
}

func keyLabel(key any) string {
	if name, ok := keyName(key); ok {
		return name
	}
	return fmt.Sprintf("%v", key)
}
