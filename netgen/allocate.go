package netgen

import (
	"context"
	"log/slog"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/nereid-robotics/sysweave/instance"
	"github.com/nereid-robotics/sysweave/model"
	"github.com/nereid-robotics/sysweave/plan"
)

// allocateAbstractTasks absorbs every abstract placeholder into a
// concrete task: an existing one from the graph when a single
// non-dominated candidate exists, or a fresh instance of the single
// registered implementation.
func (e *Engine) allocateAbstractTasks(ctx context.Context, tx *plan.Transaction) error {
	for _, t := range tx.Tasks(func(t *plan.Task) bool { return t.Abstract }) {
		if _, ok := tx.Task(t.ID); !ok {
			// absorbed earlier in this sweep
			continue
		}
		if err := e.allocate(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) allocate(ctx context.Context, tx *plan.Transaction, t *plan.Task) error {
	log := slogcontext.FromCtx(ctx)
	required := requiredModels(t)

	// existing concrete tasks of the fulfilled type that are not already
	// executing
	var candidates []*plan.Task
	for _, c := range tx.Tasks(func(c *plan.Task) bool { return !c.Abstract }) {
		if c.Executing {
			continue
		}
		if !fulfilsAll(c, required) {
			continue
		}
		if !argumentsCompatible(t, c) {
			continue
		}
		candidates = append(candidates, c)
	}
	candidates = dropDominated(candidates)
	if len(candidates) > 1 {
		names := make([]string, 0, len(candidates))
		for _, c := range candidates {
			names = append(names, c.String())
		}
		return ambiguousAllocation(t, names)
	}
	if len(candidates) == 1 {
		log.DebugContext(ctx, "allocating abstract task to existing candidate",
			slog.Int("task", int(t.ID)), slog.Int("into", int(candidates[0].ID)))
		allocatedTasksTotal.Inc()
		return e.absorb(tx, candidates[0].ID, t.ID)
	}

	// no usable task in the graph: fall back to the registered
	// implementations
	impls := e.catalog.ImplementationsOf(required...)
	if len(impls) == 0 {
		return specf("no concrete implementation for %s", model.Names(required))
	}
	if len(impls) > 1 {
		names := make([]string, 0, len(impls))
		for _, impl := range impls {
			names = append(names, impl.Name)
		}
		return ambiguousAllocation(t, names)
	}

	fresh := tx.NewTask(impls[0])
	log.DebugContext(ctx, "instantiated implementation for abstract task",
		slog.Int("task", int(t.ID)),
		slog.String("implementation", impls[0].Name),
		slog.Int("into", int(fresh.ID)))
	allocatedTasksTotal.Inc()
	return e.absorb(tx, fresh.ID, t.ID)
}

// requiredModels recovers the model tags a placeholder stands for: the
// base models of the originating requirement when known, else the task's
// own model.
func requiredModels(t *plan.Task) []*model.Type {
	if src, ok := t.Source.(*instance.Requirements); ok {
		if base := src.BaseModels(); len(base) > 0 {
			return base
		}
	}
	return []*model.Type{t.Model}
}

func fulfilsAll(t *plan.Task, models []*model.Type) bool {
	for _, m := range models {
		if !t.Fulfils(m) {
			return false
		}
	}
	return true
}

// argumentsCompatible reports whether both tasks agree on every argument
// key they share.
func argumentsCompatible(a, b *plan.Task) bool {
	for k, va := range a.Arguments {
		if vb, ok := b.Arguments[k]; ok && va != vb {
			return false
		}
	}
	return true
}

// dropDominated keeps only candidates not strictly dominated by another
// per mergeSortOrder.
func dropDominated(candidates []*plan.Task) []*plan.Task {
	var out []*plan.Task
	for _, c := range candidates {
		dominated := false
		for _, other := range candidates {
			if other != c && mergeSortOrder(other, c) > 0 {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, c)
		}
	}
	return out
}
