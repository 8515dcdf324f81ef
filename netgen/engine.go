// Package netgen is the network generation engine: it turns registered
// instance requirements into a deployed, merged and connected task graph
// on a transactional overlay of the plan, committing atomically on
// success and discarding the overlay on any error.
package netgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/nereid-robotics/sysweave/dynamics"
	"github.com/nereid-robotics/sysweave/instance"
	"github.com/nereid-robotics/sysweave/model"
	"github.com/nereid-robotics/sysweave/plan"
	"github.com/nereid-robotics/sysweave/selection"
)

// Options configures an engine at construction.
type Options struct {
	// Logger receives structured pass logs; defaults to slog.Default.
	Logger *slog.Logger
	// DiagnosticsDir is where diagnostic graph dumps are written;
	// defaults to the OS temp directory.
	DiagnosticsDir string
}

// ResolveOptions configures one resolution pass.
type ResolveOptions struct {
	// ComputeDeployments binds every concrete component task to a
	// deployment activity and fails on unbindable tasks.
	ComputeDeployments bool
	// ComputePolicies derives connection policies from propagated port
	// dynamics.
	ComputePolicies bool
	// GarbageCollect removes tasks unreachable from any registered
	// requirement before committing.
	GarbageCollect bool
	// ExportDiagnosticsOnError writes a DOT dump of the working overlay
	// when the pass aborts.
	ExportDiagnosticsOnError bool
}

// Engine owns the per-session state of network resolution. It is
// single-owner: callers must not run overlapping passes.
type Engine struct {
	catalog *model.Catalog
	plan    *plan.Plan
	log     *slog.Logger
	diagDir string

	requirements map[string]*instance.Requirements
	base         *selection.Injection

	// roots tracks, within one pass, which task currently stands for
	// each registered requirement; absorb keeps it in sync with merges.
	roots map[plan.TaskID][]string
}

func New(catalog *model.Catalog, p *plan.Plan, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		catalog:      catalog,
		plan:         p,
		log:          log,
		diagDir:      opts.DiagnosticsDir,
		requirements: map[string]*instance.Requirements{},
		base:         selection.NewInjection(),
	}
}

// Plan returns the committed graph the engine resolves into.
func (e *Engine) Plan() *plan.Plan { return e.plan }

// Add registers a named top-level requirement.
func (e *Engine) Add(name string, r *instance.Requirements) error {
	if _, ok := e.requirements[name]; ok {
		return fmt.Errorf("netgen: requirement %q already registered", name)
	}
	e.requirements[name] = r
	return nil
}

// Remove unregisters a requirement; the next pass no longer instantiates
// it. Returns whether the name was registered.
func (e *Engine) Remove(name string) bool {
	if _, ok := e.requirements[name]; !ok {
		return false
	}
	delete(e.requirements, name)
	return true
}

// Replace swaps the requirement registered under name.
func (e *Engine) Replace(name string, r *instance.Requirements) error {
	if _, ok := e.requirements[name]; !ok {
		return fmt.Errorf("netgen: requirement %q is not registered", name)
	}
	e.requirements[name] = r
	return nil
}

// Use records system-level default selections: map values become explicit
// selections, everything else default candidates.
func (e *Engine) Use(selections ...any) error {
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
	return e.base.Add(explicit, defaults...)
}

// Resolve runs one full resolution pass. The working state is a
// disposable overlay: any error discards it entirely (optionally after
// writing a diagnostic dump) and leaves the committed graph untouched; a
// successful pass commits exactly once.
func (e *Engine) Resolve(ctx context.Context, opts ResolveOptions) (err error) {
	passID := uuid.NewString()
	log := e.log.With(slog.String("pass", passID))
	ctx = slogcontext.NewCtx(ctx, log)

	resolutionTotal.Inc()
	timer := prometheus.NewTimer(resolutionDuration)
	defer timer.ObserveDuration()

	tx := e.plan.Begin()
	e.roots = map[plan.TaskID][]string{}
	defer func() {
		if err == nil {
			return
		}
		resolutionErrorTotal.WithLabelValues(errorKind(err)).Inc()
		if opts.ExportDiagnosticsOnError {
			if path, dumpErr := e.dump(tx, passID); dumpErr != nil {
				log.WarnContext(ctx, "could not write diagnostic dump", slog.Any("error", dumpErr))
			} else {
				log.InfoContext(ctx, "wrote diagnostic dump", slog.String("path", path))
			}
		}
		tx.Discard()
	}()

	// 1) instantiate registered requirements
	if err = e.instantiateRequirements(ctx, tx); err != nil {
		return err
	}
	// 2) allocate abstract tasks
	if err = e.allocateAbstractTasks(ctx, tx); err != nil {
		return err
	}
	// 3) link communication buses
	if err = e.linkBuses(ctx, tx); err != nil {
		return err
	}
	// 4) merge identical tasks
	if err = e.mergeIdenticalTasks(ctx, tx); err != nil {
		return err
	}
	// 5) deployment binding
	if opts.ComputeDeployments {
		if err = e.computeDeployments(ctx, tx); err != nil {
			return err
		}
	}
	// 6) port dynamics
	prop := dynamics.NewPropagator(log)
	prop.Propagate(ctx, tx)
	// 7) connection policies
	if opts.ComputePolicies {
		if err = e.computePolicies(ctx, tx, prop); err != nil {
			return err
		}
	}
	// 8) validate and commit
	if err = e.validate(ctx, tx, opts); err != nil {
		return err
	}
	if opts.GarbageCollect {
		if err = e.garbageCollect(ctx, tx); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return internalf("commit failed: %s", err)
	}
	log.InfoContext(ctx, "resolution pass committed",
		slog.Int("tasks", len(e.plan.Tasks(nil))))
	return nil
}

func (e *Engine) instantiateRequirements(ctx context.Context, tx *plan.Transaction) error {
	names := make([]string, 0, len(e.requirements))
	for name := range e.requirements {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r := e.requirements[name]
		stack, err := selection.NewContext(e.base.Dup())
		if err != nil {
			return fmt.Errorf("requirement %q: %w", name, err)
		}
		id, err := r.Instantiate(tx, stack, e.lookupValue)
		if err != nil {
			return fmt.Errorf("requirement %q: %w", name, err)
		}
		task, ok := tx.Task(id)
		if !ok {
			return internalf("requirement %q instantiated into a missing task %d", name, id)
		}
		for _, m := range r.BaseModels() {
			if !task.Fulfils(m) {
				return internalf("requirement %q produced %s which does not fulfil %s",
					name, task, m.Name)
			}
		}
		e.roots[id] = append(e.roots[id], name)
	}
	return nil
}

// absorb merges task from into task into, keeping the requirement root
// bookkeeping consistent.
func (e *Engine) absorb(tx *plan.Transaction, into, from plan.TaskID) error {
	if err := tx.ReplaceTask(into, from); err != nil {
		return err
	}
	if names, ok := e.roots[from]; ok {
		e.roots[into] = append(e.roots[into], names...)
		delete(e.roots, from)
	}
	return nil
}

func (e *Engine) lookupValue(name string) (any, bool) {
	if t, ok := e.catalog.TypeByName(name); ok {
		return t, true
	}
	if r, ok := e.requirements[name]; ok {
		return r, true
	}
	return nil, false
}

func (e *Engine) validate(ctx context.Context, tx *plan.Transaction, opts ResolveOptions) error {
	for _, t := range tx.Tasks(nil) {
		if t.Abstract {
			if parents := tx.Parents(t.ID); len(parents) > 0 {
				labels := make([]string, 0, len(parents))
				for _, p := range parents {
					if parent, ok := tx.Task(p); ok {
						labels = append(labels, parent.Model.Name)
					}
				}
				return selection.Ambiguous(
					fmt.Sprintf("task %d (%s) is still abstract", t.ID, t.Model.Name),
					labels...)
			}
			if names := e.roots[t.ID]; len(names) > 0 {
				return specf("required task %d (%s, requirement %s) is still abstract",
					t.ID, t.Model.Name, names[0])
			}
			continue
		}
		if opts.ComputeDeployments && t.Model.Kind == model.KindComponent && !t.Deployed() {
			return specf("no deployment bound for task %d (%s)", t.ID, t.Model.Name)
		}
	}
	return nil
}

// garbageCollect drops tasks unreachable from registered requirements.
// Committed, already-executing tasks are never collected.
func (e *Engine) garbageCollect(ctx context.Context, tx *plan.Transaction) error {
	log := slogcontext.FromCtx(ctx)

	live := map[plan.TaskID]bool{}
	var queue []plan.TaskID
	for _, t := range tx.Tasks(nil) {
		if len(e.roots[t.ID]) > 0 || t.Executing {
			live[t.ID] = true
			queue = append(queue, t.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		neighbors := tx.Children(id)
		for _, c := range tx.ConnectionsFrom(id) {
			neighbors = append(neighbors, c.Sink)
		}
		for _, c := range tx.ConnectionsTo(id) {
			neighbors = append(neighbors, c.Source)
		}
		for _, n := range neighbors {
			if !live[n] {
				live[n] = true
				queue = append(queue, n)
			}
		}
	}

	for _, t := range tx.Tasks(nil) {
		if live[t.ID] {
			continue
		}
		log.DebugContext(ctx, "garbage collecting task",
			slog.Int("task", int(t.ID)), slog.String("model", t.Model.Name))
		if err := tx.RemoveTask(t.ID); err != nil {
			return err
		}
	}
	return nil
}

func errorKind(err error) string {
	var spec *SpecError
	var internal *InternalError
	var ambiguous *selection.AmbiguityError
	var names *selection.NameResolutionError
	switch {
	case errors.As(err, &spec):
		return "spec"
	case errors.As(err, &internal):
		return "internal"
	case errors.As(err, &ambiguous):
		return "ambiguous"
	case errors.As(err, &names):
		return "name_resolution"
	default:
		return "other"
	}
}
