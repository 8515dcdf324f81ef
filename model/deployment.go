package model

import (
	"fmt"
	"sort"

	"github.com/nereid-robotics/sysweave/internal/semver"
)

// Deployment describes a named, versioned middleware process and the task
// activities it hosts. The same deployment name may be registered at
// several versions; selection picks the highest one satisfying the
// caller's constraint.
type Deployment struct {
	Name    string
	Version semver.Version
	Tasks   []DeployedTask
}

// DeployedTask is one activity inside a deployment: a task name, the
// component model it runs and its activity period in seconds (zero for
// purely data-triggered activities).
type DeployedTask struct {
	Name   string
	Type   *Type
	Period float64
}

// TaskOf returns the activity running a model that fulfils want.
func (d *Deployment) TaskOf(want *Type) (DeployedTask, bool) {
	for _, t := range d.Tasks {
		if t.Type.Fulfils(want) {
			return t, true
		}
	}
	return DeployedTask{}, false
}

// RegisterDeployment adds a deployment. The (name, version) pair must be
// unique.
func (c *Catalog) RegisterDeployment(d *Deployment) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("catalog: cannot register unnamed deployment")
	}
	for _, existing := range c.deployments[d.Name] {
		if semver.Compare(existing.Version, d.Version) == 0 {
			return fmt.Errorf("catalog: deployment %q version %q already registered", d.Name, d.Version)
		}
	}
	c.deployments[d.Name] = append(c.deployments[d.Name], d)
	return nil
}

// DeploymentByName returns the highest registered version of a deployment,
// or the one matching r when a non-zero range is given.
func (c *Catalog) DeploymentByName(name string, r semver.Range) (*Deployment, bool) {
	versions := c.deployments[name]
	if len(versions) == 0 {
		return nil, false
	}
	var best *Deployment
	for _, d := range versions {
		if !r.Zero() && !semver.Matches(d.Version, r) {
			continue
		}
		if best == nil || semver.Compare(d.Version, best.Version) > 0 {
			best = d
		}
	}
	return best, best != nil
}

// DeploymentsOf returns, per deployment name, the highest-versioned
// deployment hosting an activity whose model fulfils want. Sorted by name.
func (c *Catalog) DeploymentsOf(want *Type) []*Deployment {
	best := map[string]*Deployment{}
	for name, versions := range c.deployments {
		for _, d := range versions {
			if _, ok := d.TaskOf(want); !ok {
				continue
			}
			if cur, seen := best[name]; !seen || semver.Compare(d.Version, cur.Version) > 0 {
				best[name] = d
			}
		}
	}
	out := make([]*Deployment, 0, len(best))
	for _, d := range best {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
