package netgen

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/nereid-robotics/sysweave/model"
	"github.com/nereid-robotics/sysweave/plan"
)

// mergeIdenticalTasks runs the merge fixpoint: breadth-first sweeps over
// frontier sets until a full sweep absorbs nothing. Ambiguities left
// after the disambiguation passes are reported, not fatal: they only
// matter if validation later finds the graph incomplete.
func (e *Engine) mergeIdenticalTasks(ctx context.Context, tx *plan.Transaction) error {
	log := slogcontext.FromCtx(ctx)

	total := 0
	unresolved := 0
	for {
		merged, leftover, err := e.mergeSweep(ctx, tx)
		if err != nil {
			return err
		}
		total += merged
		unresolved = leftover
		if merged == 0 {
			break
		}
	}

	mergedTasksTotal.Add(float64(total))
	unresolvedMergeAmbiguities.Set(float64(unresolved))
	log.DebugContext(ctx, "merge pass finished",
		slog.Int("merged", total), slog.Int("unresolved", unresolved))
	return nil
}

// mergeSweep is one BFS fixpoint: starting from all tasks, each round
// builds the "can absorb" candidate graph for the frontier, orients or
// drops cycles, performs unambiguous merges, disambiguates the rest, and
// propagates to the tasks affected by this round's merges.
func (e *Engine) mergeSweep(ctx context.Context, tx *plan.Transaction) (int, int, error) {
	frontier := map[plan.TaskID]bool{}
	for _, t := range tx.Tasks(nil) {
		frontier[t.ID] = true
	}

	mergedNodes := map[plan.TaskID]bool{}
	merged := 0
	unresolved := 0

	for len(frontier) > 0 {
		absorbers := e.candidateEdges(tx, frontier)
		if err := orientCycles(tx, absorbers); err != nil {
			return merged, unresolved, err
		}

		next := map[plan.TaskID]bool{}
		unresolved = 0
		for _, absorbed := range sortedTaskIDs(absorbers) {
			if _, ok := tx.Task(absorbed); !ok {
				continue
			}
			var keepers []plan.TaskID
			for _, k := range absorbers[absorbed] {
				if _, ok := tx.Task(k); ok && k != absorbed {
					keepers = append(keepers, k)
				}
			}
			if len(keepers) == 0 {
				continue
			}

			keeper, found := keepers[0], len(keepers) == 1
			if !found {
				keeper, found = e.disambiguate(tx, absorbed, keepers, mergedNodes)
			}
			if !found {
				unresolved++
				continue
			}

			// the next frontier: everything whose sink or child set
			// changes because of this merge
			for _, p := range tx.Parents(keeper) {
				next[p] = true
			}
			for _, p := range tx.Parents(absorbed) {
				next[p] = true
			}
			for _, c := range tx.ConnectionsTo(absorbed) {
				next[c.Source] = true
			}
			if err := e.absorb(tx, keeper, absorbed); err != nil {
				return merged, unresolved, err
			}
			mergedNodes[keeper] = true
			next[keeper] = true
			merged++
		}
		frontier = next
	}
	return merged, unresolved, nil
}

// candidateEdges builds the merge candidate graph for the frontier:
// absorbed task -> tasks that could absorb it, sorted for determinism.
func (e *Engine) candidateEdges(tx *plan.Transaction, frontier map[plan.TaskID]bool) map[plan.TaskID][]plan.TaskID {
	absorbers := map[plan.TaskID][]plan.TaskID{}
	for _, keeper := range tx.Tasks(nil) {
		if !frontier[keeper.ID] {
			continue
		}
		for _, candidate := range tx.Tasks(nil) {
			if canAbsorb(tx, keeper, candidate) {
				absorbers[candidate.ID] = append(absorbers[candidate.ID], keeper.ID)
			}
		}
	}
	for _, keepers := range absorbers {
		sort.Slice(keepers, func(i, j int) bool { return keepers[i] < keepers[j] })
	}
	return absorbers
}

// canAbsorb is the structural merge predicate: keeper can replace
// candidate without changing the network's meaning.
func canAbsorb(tx *plan.Transaction, keeper, candidate *plan.Task) bool {
	if keeper.ID == candidate.ID {
		return false
	}
	if keeper.Abstract != candidate.Abstract {
		return false
	}
	// a deployed or running candidate is pinned to its hardware
	if candidate.Deployed() || candidate.Executing {
		return false
	}
	if !keeper.Fulfils(candidate.Model) {
		return false
	}
	if !argumentsCompatible(keeper, candidate) {
		return false
	}
	if keeper.Model.Kind == model.KindComposition || candidate.Model.Kind == model.KindComposition {
		if !childSetEqual(tx, keeper.ID, candidate.ID) {
			return false
		}
	}
	return connectionsCompatible(tx, keeper.ID, candidate.ID)
}

func childSetEqual(tx *plan.Transaction, a, b plan.TaskID) bool {
	childrenByRole := func(id plan.TaskID) map[string]plan.TaskID {
		out := map[string]plan.TaskID{}
		for _, child := range tx.Children(id) {
			for _, role := range tx.Roles(id, child) {
				out[role] = child
			}
		}
		return out
	}
	ca, cb := childrenByRole(a), childrenByRole(b)
	if len(ca) != len(cb) {
		return false
	}
	for role, child := range ca {
		if cb[role] != child {
			return false
		}
	}
	return true
}

// connectionsCompatible rejects merges that would leave one input port
// fed by two different sources.
func connectionsCompatible(tx *plan.Transaction, a, b plan.TaskID) bool {
	sources := func(id plan.TaskID) map[string]map[plan.ConnKey]bool {
		out := map[string]map[plan.ConnKey]bool{}
		for _, c := range tx.ConnectionsTo(id) {
			key := c.ConnKey
			key.Sink = 0 // normalize: only the source side matters
			if out[c.SinkPort] == nil {
				out[c.SinkPort] = map[plan.ConnKey]bool{}
			}
			out[c.SinkPort][key] = true
		}
		return out
	}
	sa, sb := sources(a), sources(b)
	for port, fromA := range sa {
		fromB, ok := sb[port]
		if !ok {
			continue
		}
		if len(fromA) != len(fromB) {
			return false
		}
		for key := range fromA {
			if !fromB[key] {
				return false
			}
		}
	}
	return true
}

// mergeSortOrder orders two merge candidates: positive when a should be
// the kept task, negative when b should, zero when incomparable. The
// criteria are lexicographic: a finished task never absorbs, concrete
// beats abstract, deployed beats undeployed, fully instantiated beats
// partially instantiated.
func mergeSortOrder(a, b *plan.Task) int {
	if c := boolOrder(!a.Finished, !b.Finished); c != 0 {
		return c
	}
	if c := boolOrder(!a.Abstract, !b.Abstract); c != 0 {
		return c
	}
	if c := boolOrder(a.Deployed(), b.Deployed()); c != 0 {
		return c
	}
	if c := boolOrder(a.FullyInstantiated(), b.FullyInstantiated()); c != 0 {
		return c
	}
	return 0
}

func boolOrder(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}

// orientCycles resolves reciprocal "can absorb" pairs with
// mergeSortOrder, falling back to task age when neither side dominates.
// Any cycle left afterwards spans more than two nodes; those are
// explicitly unsupported and fail the pass.
func orientCycles(tx *plan.Transaction, absorbers map[plan.TaskID][]plan.TaskID) error {
	hasEdge := func(keeper, absorbed plan.TaskID) bool {
		for _, k := range absorbers[absorbed] {
			if k == keeper {
				return true
			}
		}
		return false
	}
	removeEdge := func(keeper, absorbed plan.TaskID) {
		keepers := absorbers[absorbed]
		for i, k := range keepers {
			if k == keeper {
				absorbers[absorbed] = append(keepers[:i], keepers[i+1:]...)
				break
			}
		}
	}

	for _, absorbed := range sortedTaskIDs(absorbers) {
		for _, keeper := range append([]plan.TaskID(nil), absorbers[absorbed]...) {
			if keeper <= absorbed || !hasEdge(absorbed, keeper) {
				continue
			}
			ta, okA := tx.Task(keeper)
			tb, okB := tx.Task(absorbed)
			if !okA || !okB {
				continue
			}
			switch order := mergeSortOrder(ta, tb); {
			case order > 0:
				removeEdge(tb.ID, ta.ID)
			case order < 0:
				removeEdge(ta.ID, tb.ID)
			default:
				// equal on every criterion: either direction is
				// sound, keep the older task
				if ta.ID < tb.ID {
					removeEdge(tb.ID, ta.ID)
				} else {
					removeEdge(ta.ID, tb.ID)
				}
			}
		}
	}

	// detect residual cycles (depth > 1) in the keeper -> absorbed graph
	adjacency := map[plan.TaskID][]plan.TaskID{}
	for absorbed, keepers := range absorbers {
		for _, keeper := range keepers {
			adjacency[keeper] = append(adjacency[keeper], absorbed)
		}
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[plan.TaskID]int{}
	var visit func(plan.TaskID) bool
	visit = func(id plan.TaskID) bool {
		color[id] = gray
		for _, next := range adjacency[id] {
			switch color[next] {
			case gray:
				return false
			case white:
				if !visit(next) {
					return false
				}
			}
		}
		color[id] = black
		return true
	}
	for _, id := range sortedTaskIDs(adjacency) {
		if color[id] == white && !visit(id) {
			return internalf("cannot orient a merge cycle of depth > 1 involving task %d", id)
		}
	}
	return nil
}

// disambiguate resolves a candidate with several possible absorbers in
// two ordered passes: by declared device name against the absorber's
// deployment name, then by graph distance to tasks already merged this
// sweep. Residual ambiguity is left unmerged for this round.
func (e *Engine) disambiguate(
	tx *plan.Transaction,
	absorbed plan.TaskID,
	keepers []plan.TaskID,
	mergedNodes map[plan.TaskID]bool,
) (plan.TaskID, bool) {
	task, ok := tx.Task(absorbed)
	if !ok {
		return 0, false
	}

	// (a) device / model name against deployment names
	for _, name := range candidateNames(task) {
		var matches []plan.TaskID
		for _, k := range keepers {
			keeper, ok := tx.Task(k)
			if !ok || !keeper.Deployed() {
				continue
			}
			if strings.Contains(keeper.Agent, name) {
				matches = append(matches, k)
			}
		}
		if len(matches) == 1 {
			return matches[0], true
		}
	}

	// (b) graph distance to already-merged neighbours
	if len(mergedNodes) > 0 {
		best := plan.TaskID(-1)
		bestDist := -1
		unique := false
		for _, k := range keepers {
			d, reachable := graphDistance(tx, k, mergedNodes)
			if !reachable {
				continue
			}
			switch {
			case bestDist < 0 || d < bestDist:
				best, bestDist, unique = k, d, true
			case d == bestDist:
				unique = false
			}
		}
		if unique {
			return best, true
		}
	}
	return 0, false
}

func candidateNames(t *plan.Task) []string {
	var names []string
	if v, ok := t.Arguments["device_name"]; ok {
		if s, ok := v.(string); ok && s != "" {
			names = append(names, s)
		}
	}
	if t.Model != nil {
		names = append(names, t.Model.Name)
	}
	return names
}

// graphDistance is the BFS distance from start to the nearest goal over
// dependency and connection edges, treated as undirected.
func graphDistance(tx *plan.Transaction, start plan.TaskID, goals map[plan.TaskID]bool) (int, bool) {
	if goals[start] {
		return 0, true
	}
	visited := map[plan.TaskID]bool{start: true}
	type entry struct {
		id   plan.TaskID
		dist int
	}
	queue := []entry{{id: start}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		var neighbors []plan.TaskID
		neighbors = append(neighbors, tx.Children(cur.id)...)
		neighbors = append(neighbors, tx.Parents(cur.id)...)
		for _, c := range tx.ConnectionsFrom(cur.id) {
			neighbors = append(neighbors, c.Sink)
		}
		for _, c := range tx.ConnectionsTo(cur.id) {
			neighbors = append(neighbors, c.Source)
		}
		for _, n := range neighbors {
			if visited[n] {
				continue
			}
			if goals[n] {
				return cur.dist + 1, true
			}
			visited[n] = true
			queue = append(queue, entry{id: n, dist: cur.dist + 1})
		}
	}
	return 0, false
}

func sortedTaskIDs[V any](m map[plan.TaskID]V) []plan.TaskID {
	out := make([]plan.TaskID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
