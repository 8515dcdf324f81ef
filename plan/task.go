// Package plan is the task graph store the resolution engine works on: an
// arena of task nodes with typed relations (dependency edges and port
// connections) and a transactional copy-on-write overlay, so a failed
// resolution pass never corrupts the committed graph.
package plan

import (
	"fmt"

	"github.com/nereid-robotics/sysweave/model"
)

// TaskID is a stable arena index. Edges reference IDs, never live task
// pointers, so edge rewrites stay cheap and safe under mutation.
type TaskID int

// Task is one node of the graph. Abstract tasks stand in for unresolved
// requirements and are not executable; concrete tasks are bound to a real
// implementation and may additionally hold an execution agent
// ("deployment/activity") once deployed.
type Task struct {
	ID    TaskID
	Model *model.Type

	Arguments map[string]any
	Abstract  bool
	Finished  bool
	Executing bool

	// Agent binds the task to a deployment activity. Empty means not
	// deployed.
	Agent string
	// ActivityPeriod is the period in seconds of the bound activity,
	// zero for data-triggered activities.
	ActivityPeriod float64

	// Buses names the communication buses this task must be wired to.
	Buses []string

	// Source carries provenance: the instance requirements that created
	// the task, stored opaquely.
	Source any
}

// Fulfils reports whether the task's model provides m.
func (t *Task) Fulfils(m *model.Type) bool {
	return t.Model.Fulfils(m)
}

// Deployed reports whether the task is bound to an execution agent.
func (t *Task) Deployed() bool { return t.Agent != "" }

// FullyInstantiated reports whether every argument the model declares has
// a value.
func (t *Task) FullyInstantiated() bool {
	if t.Model == nil {
		return false
	}
	for _, name := range t.Model.Arguments {
		if _, ok := t.Arguments[name]; !ok {
			return false
		}
	}
	return true
}

func (t *Task) String() string {
	state := "concrete"
	if t.Abstract {
		state = "abstract"
	}
	return fmt.Sprintf("task %d (%s, %s)", t.ID, t.Model.Name, state)
}

func (t *Task) clone() *Task {
	c := *t
	c.Arguments = make(map[string]any, len(t.Arguments))
	for k, v := range t.Arguments {
		c.Arguments[k] = v
	}
	c.Buses = append([]string(nil), t.Buses...)
	return &c
}
