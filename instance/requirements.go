// Package instance represents component requirements: "something that
// is-a set of models, with these arguments, narrowed by this selection
// stack". Requirements produce placeholder tasks in the working graph;
// the network generation engine then allocates, merges and wires them.
package instance

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nereid-robotics/sysweave/model"
	"github.com/nereid-robotics/sysweave/plan"
	"github.com/nereid-robotics/sysweave/selection"
)

var (
	// ErrNotComposable is returned by Use on requirements whose base
	// models accept no child selections.
	ErrNotComposable = errors.New("requirements accept no child selections")
	// ErrInvalidSelection marks selection values of unrecognized kind.
	ErrInvalidSelection = errors.New("invalid selection")
)

// Requirements is a mutable, single-owner description of one needed
// instance. It is created by the requester, refined through Use,
// WithArguments and SelectService, and consumed by Instantiate.
type Requirements struct {
	base     []*model.Type
	narrowed *model.Type

	arguments   map[string]any
	service     *model.Type
	deployHints []string
	buses       []string
	selections  *selection.Injection
}

func NewRequirements(models ...*model.Type) *Requirements {
	r := &Requirements{
		arguments:  map[string]any{},
		selections: selection.NewInjection(),
	}
	for _, m := range models {
		r.addBase(m)
	}
	return r
}

func (r *Requirements) addBase(m *model.Type) {
	if m == nil {
		return
	}
	for _, have := range r.base {
		if have.Name == m.Name {
			return
		}
	}
	r.base = append(r.base, m)
	sort.Slice(r.base, func(i, j int) bool { return r.base[i].Name < r.base[j].Name })
}

// BaseModels returns the required model tags.
func (r *Requirements) BaseModels() []*model.Type {
	return append([]*model.Type(nil), r.base...)
}

// TargetModel is the narrowed model when one was computed, else the
// single base model, else nil (a multi-tag requirement with no single
// instantiation target).
func (r *Requirements) TargetModel() *model.Type {
	if r.narrowed != nil {
		return r.narrowed
	}
	if len(r.base) == 1 {
		return r.base[0]
	}
	return nil
}

// ProvidedModels implements selection.Provider: everything instances of
// this requirement will fulfil.
func (r *Requirements) ProvidedModels() []*model.Type {
	seen := map[string]*model.Type{}
	add := func(models []*model.Type) {
		for _, m := range models {
			seen[m.Name] = m
		}
	}
	for _, m := range r.base {
		add(m.ProvidedModels())
	}
	if r.narrowed != nil {
		add(r.narrowed.ProvidedModels())
	}
	out := make([]*model.Type, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fulfils reports whether instances of this requirement provide m.
func (r *Requirements) Fulfils(m *model.Type) bool {
	if r.narrowed != nil && r.narrowed.Fulfils(m) {
		return true
	}
	for _, b := range r.base {
		if b.Fulfils(m) {
			return true
		}
	}
	return false
}

// Use adds child selections. Positional values become default candidates,
// map values (map[string]any or map[any]any) become explicit selections.
// Only legal when a base model is a composition.
func (r *Requirements) Use(selections ...any) error {
	composable := false
	for _, m := range r.base {
		if m.Composable() {
			composable = true
			break
		}
	}
	if !composable {
		return fmt.Errorf("use on %s: %w", r, ErrNotComposable)
	}

	explicit := map[any]any{}
	var defaults []any
	for _, sel := range selections {
		switch m := sel.(type) {
		case map[any]any:
			for k, v := range m {
				explicit[k] = v
			}
		case map[string]any:
			for k, v := range m {
				explicit[k] = v
			}
		default:
			defaults = append(defaults, sel)
		}
	}
	if err := r.selections.Add(explicit, defaults...); err != nil {
		return err
	}
	r.Narrow()
	return nil
}

// WithArguments sets required arguments, last write wins.
func (r *Requirements) WithArguments(args map[string]any) *Requirements {
	for k, v := range args {
		r.arguments[k] = v
	}
	return r
}

// Arguments returns a copy of the argument map.
func (r *Requirements) Arguments() map[string]any {
	out := make(map[string]any, len(r.arguments))
	for k, v := range r.arguments {
		out[k] = v
	}
	return out
}

// SelectService picks which service of the eventual component this
// requirement is about.
func (r *Requirements) SelectService(srv *model.Type) error {
	if srv == nil {
		r.service = nil
		return nil
	}
	for _, m := range r.base {
		if m.Fulfils(srv) || srv.Fulfils(m) {
			r.service = srv
			return nil
		}
	}
	return fmt.Errorf("service %s is unrelated to %s", srv.Name, r)
}

// Service returns the selected service, nil when none.
func (r *Requirements) Service() *model.Type { return r.service }

// OnBus requires instances to be wired to the named communication buses.
func (r *Requirements) OnBus(names ...string) *Requirements {
	r.buses = append(r.buses, names...)
	return r
}

// DeployHint restricts deployment selection to deployments whose name
// matches one of the glob patterns. A "pattern@range" form additionally
// constrains the deployment version.
func (r *Requirements) DeployHint(patterns ...string) *Requirements {
	r.deployHints = append(r.deployHints, patterns...)
	return r
}

// DeployHints returns the registered hint patterns.
func (r *Requirements) DeployHints() []string {
	return append([]string(nil), r.deployHints...)
}

// Narrow recomputes the narrowed model from the current selections. It is
// idempotent and called again whenever selections accumulate. The
// narrowed model always fulfils every base model.
func (r *Requirements) Narrow() *model.Type {
	r.narrowed = nil
	if len(r.base) != 1 {
		return r.TargetModel()
	}
	base := r.base[0]
	if !base.Composable() || len(base.Specializations) == 0 {
		return r.TargetModel()
	}
	resolved := r.selections.Dup()
	// string entries cannot participate in narrowing and are stripped
	// by modelOf below
	_ = resolved.Resolve()
	bound := map[string]*model.Type{}
	for role, childModel := range base.Children {
		v, ok := resolved.CandidatesFor(role)
		if !ok {
			v, ok = resolved.CandidatesFor(childModel)
		}
		if !ok {
			continue
		}
		if m := modelOf(v); m != nil {
			bound[role] = m
		}
	}
	if narrowed := base.NarrowWith(bound); narrowed != base {
		r.narrowed = narrowed
	}
	return r.TargetModel()
}

// Merge unifies other into r: base models are merged keeping the most
// specific tags (at most one concrete implementation class may survive),
// arguments must agree key-wise, selection fragments are merged, and the
// service selection is kept only when both sides agree.
func (r *Requirements) Merge(other *Requirements) error {
	if other == nil {
		return nil
	}
	merged, err := mergeModelSets(r.base, other.base)
	if err != nil {
		return err
	}
	for k, v := range other.arguments {
		if have, ok := r.arguments[k]; ok && have != v {
			return selection.Ambiguous(
				fmt.Sprintf("argument %q", k),
				fmt.Sprintf("%v", have), fmt.Sprintf("%v", v))
		}
	}
	if err := r.selections.Merge(other.selections); err != nil {
		return err
	}
	r.base = merged
	for k, v := range other.arguments {
		r.arguments[k] = v
	}
	switch {
	case r.service == nil:
		r.service = other.service
	case other.service != nil && other.service != r.service:
		// both sides selected a service and they disagree
		r.service = nil
	}
	r.deployHints = appendMissing(r.deployHints, other.deployHints)
	r.buses = appendMissing(r.buses, other.buses)
	r.Narrow()
	return nil
}

// Dup returns an independent copy.
func (r *Requirements) Dup() *Requirements {
	out := NewRequirements(r.base...)
	out.narrowed = r.narrowed
	for k, v := range r.arguments {
		out.arguments[k] = v
	}
	out.service = r.service
	out.deployHints = append(out.deployHints, r.deployHints...)
	out.buses = append(out.buses, r.buses...)
	out.selections = r.selections.Dup()
	return out
}

// Selections exposes the embedded selection fragment.
func (r *Requirements) Selections() *selection.Injection { return r.selections }

func (r *Requirements) String() string {
	names := make([]string, 0, len(r.base))
	for _, m := range r.base {
		names = append(names, m.Name)
	}
	return fmt.Sprintf("requirements{%s}", strings.Join(names, ", "))
}

// Instantiate creates the placeholder or concrete task this requirement
// stands for, together with composition children. The requirement's own
// selections are pushed onto the stack for the duration; lookup resolves
// string selections to catalog entries.
func (r *Requirements) Instantiate(
	tx *plan.Transaction,
	stack *selection.Context,
	lookup func(string) (any, bool),
) (plan.TaskID, error) {
	var id plan.TaskID
	err := stack.SaveDuring(func() error {
		if err := stack.Push(r.selections); err != nil {
			return err
		}
		if unresolved := stack.Current().UnresolvedNames(lookup); len(unresolved) > 0 {
			return &selection.NameResolutionError{Names: unresolved}
		}
		var err error
		id, err = r.instantiate(tx, stack, lookup)
		return err
	})
	return id, err
}

func (r *Requirements) instantiate(
	tx *plan.Transaction,
	stack *selection.Context,
	lookup func(string) (any, bool),
) (plan.TaskID, error) {
	eff := r.Dup()

	// an explicit selection for one of the base models overrides the
	// instantiation target
	for _, m := range r.base {
		v, ok := stack.CandidatesFor(m)
		if !ok {
			continue
		}
		sel, err := FromObject(resolveString(v, lookup))
		if err != nil {
			return 0, err
		}
		if sel.BoundTask() {
			return sel.Task, nil
		}
		if err := eff.Merge(sel.Requirements); err != nil {
			return 0, err
		}
		break
	}
	eff.Narrow()

	target := eff.TargetModel()
	if target == nil {
		// several incomparable tags: a synthetic placeholder providing
		// all of them
		target = &model.Type{
			Name:    "placeholder(" + model.Names(eff.base) + ")",
			Kind:    model.KindDataService,
			Parents: eff.BaseModels(),
		}
	}

	task := tx.NewTask(target)
	id := task.ID
	abstract := !target.Concrete()
	buses := append([]string(nil), eff.buses...)
	if target.Kind == model.KindDevice && target.Bus != "" {
		buses = appendMissing(buses, []string{target.Bus})
	}
	err := tx.UpdateTask(id, func(t *plan.Task) {
		for k, v := range eff.arguments {
			t.Arguments[k] = v
		}
		t.Abstract = abstract
		t.Buses = buses
		t.Source = r
	})
	if err != nil {
		return 0, err
	}

	if target.Composable() {
		roles := make([]string, 0, len(target.Children))
		for role := range target.Children {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			childID, err := r.instantiateChild(tx, stack, lookup, role, target.Children[role])
			if err != nil {
				return 0, err
			}
			if err := tx.AddChild(id, childID, role); err != nil {
				return 0, err
			}
		}
	}
	return id, nil
}

func (r *Requirements) instantiateChild(
	tx *plan.Transaction,
	stack *selection.Context,
	lookup func(string) (any, bool),
	role string,
	childModel *model.Type,
) (plan.TaskID, error) {
	childReq := NewRequirements(childModel)
	v, ok := stack.CandidatesFor(role)
	if !ok {
		v, ok = stack.CandidatesFor(childModel)
	}
	if ok {
		sel, err := FromObject(resolveString(v, lookup))
		if err != nil {
			return 0, fmt.Errorf("selection for role %q: %w", role, err)
		}
		if sel.BoundTask() {
			return sel.Task, nil
		}
		if err := childReq.Merge(sel.Requirements); err != nil {
			return 0, fmt.Errorf("selection for role %q: %w", role, err)
		}
	}
	return childReq.Instantiate(tx, stack, lookup)
}

func mergeModelSets(a, b []*model.Type) ([]*model.Type, error) {
	byName := map[string]*model.Type{}
	for _, m := range a {
		byName[m.Name] = m
	}
	for _, m := range b {
		byName[m.Name] = m
	}
	combined := make([]*model.Type, 0, len(byName))
	for _, m := range byName {
		combined = append(combined, m)
	}
	// drop redundant supertype tags
	var kept []*model.Type
	for _, m := range combined {
		redundant := false
		for _, o := range combined {
			if o != m && o.Fulfils(m) {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, m)
		}
	}
	var concrete []string
	for _, m := range kept {
		if m.Kind == model.KindComponent {
			concrete = append(concrete, m.Name)
		}
	}
	if len(concrete) > 1 {
		return nil, selection.Ambiguous("merged base models", concrete...)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Name < kept[j].Name })
	return kept, nil
}

func appendMissing(have, add []string) []string {
next:
	for _, s := range add {
		for _, existing := range have {
			if existing == s {
				continue next
			}
		}
		have = append(have, s)
	}
	return have
}

func modelOf(v any) *model.Type {
	switch m := v.(type) {
	case *model.Type:
		return m
	case *Requirements:
		return m.TargetModel()
	case selection.Provider:
		models := m.ProvidedModels()
		if len(models) == 1 {
			return models[0]
		}
	}
	return nil
}

func resolveString(v any, lookup func(string) (any, bool)) any {
	if s, ok := v.(string); ok && lookup != nil {
		if resolved, found := lookup(s); found {
			return resolved
		}
	}
	return v
}
