package netgen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gobwas/glob"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/nereid-robotics/sysweave/instance"
	"github.com/nereid-robotics/sysweave/internal/semver"
	"github.com/nereid-robotics/sysweave/model"
	"github.com/nereid-robotics/sysweave/plan"
	"github.com/nereid-robotics/sysweave/selection"
)

// computeDeployments binds every concrete component task to a deployment
// activity from the catalog. Already-deployed tasks keep their binding;
// an activity is never handed to two tasks in the same network.
func (e *Engine) computeDeployments(ctx context.Context, tx *plan.Transaction) error {
	log := slogcontext.FromCtx(ctx)

	used := map[string]bool{}
	for _, t := range tx.Tasks(nil) {
		if t.Deployed() {
			used[t.Agent] = true
		}
	}

	for _, t := range tx.Tasks(nil) {
		if t.Abstract || t.Deployed() || t.Model == nil || t.Model.Kind != model.KindComponent {
			continue
		}

		d, err := e.pickDeployment(t, used)
		if err != nil {
			return err
		}
		activity, ok := d.TaskOf(t.Model)
		if !ok {
			return internalf("deployment %q lost its activity for %s", d.Name, t.Model.Name)
		}
		agent := d.Name + "/" + activity.Name

		if err := tx.UpdateTask(t.ID, func(task *plan.Task) {
			task.Agent = agent
			task.ActivityPeriod = activity.Period
		}); err != nil {
			return internalf("deployment binding: %v", err)
		}
		used[agent] = true
		log.DebugContext(ctx, "bound deployment",
			slog.String("task", t.Model.Name),
			slog.String("agent", agent),
			slog.String("version", d.Version.String()))
	}
	return nil
}

// pickDeployment selects the deployment for one task: catalog candidates
// hosting the task's model, filtered by the requirement's hints, with
// already-used activities skipped. Among versions of a name the highest
// satisfying one wins; between names there is no tie-break.
func (e *Engine) pickDeployment(t *plan.Task, used map[string]bool) (*model.Deployment, error) {
	candidates := e.catalog.DeploymentsOf(t.Model)
	if hints := deployHintsOf(t); len(hints) > 0 {
		filtered, err := filterByHints(e.catalog, candidates, hints)
		if err != nil {
			return nil, specf("%s: %v", t, err)
		}
		candidates = filtered
	}

	var free []*model.Deployment
	for _, d := range candidates {
		activity, ok := d.TaskOf(t.Model)
		if !ok {
			continue
		}
		if used[d.Name+"/"+activity.Name] {
			continue
		}
		free = append(free, d)
	}

	switch len(free) {
	case 0:
		return nil, specf("no available deployment hosts %s", t.Model.Name)
	case 1:
		return free[0], nil
	}
	names := make([]string, 0, len(free))
	for _, d := range free {
		names = append(names, d.Name)
	}
	return nil, selection.Ambiguous("deployment for "+t.Model.Name, names...)
}

// filterByHints narrows deployments with "pattern" or "pattern@range"
// hints: the glob pattern matches the deployment name, the optional
// semver range constrains which version of that name is taken.
func filterByHints(catalog *model.Catalog, candidates []*model.Deployment, hints []string) ([]*model.Deployment, error) {
	var out []*model.Deployment
	for _, d := range candidates {
		for _, hint := range hints {
			pattern, rangeExpr := hint, ""
			if at := strings.LastIndex(hint, "@"); at >= 0 {
				pattern, rangeExpr = hint[:at], hint[at+1:]
			}
			g, err := glob.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("bad deployment hint %q: %v", hint, err)
			}
			if !g.Match(d.Name) {
				continue
			}
			if rangeExpr == "" {
				out = append(out, d)
				break
			}
			r, err := semver.ParseRange(rangeExpr)
			if err != nil {
				return nil, fmt.Errorf("bad deployment hint %q: %v", hint, err)
			}
			constrained, ok := catalog.DeploymentByName(d.Name, r)
			if !ok {
				continue
			}
			out = append(out, constrained)
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no deployment matches hints %s", strings.Join(hints, ", "))
	}
	return out, nil
}

func deployHintsOf(t *plan.Task) []string {
	r, ok := t.Source.(*instance.Requirements)
	if !ok || r == nil {
		return nil
	}
	return r.DeployHints()
}
