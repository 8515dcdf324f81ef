package dynamics

import (
	"context"
	"log/slog"
	"sort"

	"github.com/nereid-robotics/sysweave/model"
	"github.com/nereid-robotics/sysweave/plan"
)

// PortRef addresses one port of one task in the working graph.
type PortRef struct {
	Task plan.TaskID
	Port string
}

// Propagator derives port dynamics for every concrete task in a working
// graph. It is pass-scoped: build one, run Propagate once, then query.
type Propagator struct {
	log   *slog.Logger
	ports map[PortRef]*PortDynamics
	tasks map[plan.TaskID]*PortDynamics
}

func NewPropagator(log *slog.Logger) *Propagator {
	if log == nil {
		log = slog.Default()
	}
	return &Propagator{
		log:   log,
		ports: map[PortRef]*PortDynamics{},
		tasks: map[plan.TaskID]*PortDynamics{},
	}
}

// PortDynamics returns the derived dynamics of a port, if any.
func (p *Propagator) PortDynamics(task plan.TaskID, port string) (*PortDynamics, bool) {
	d, ok := p.ports[PortRef{Task: task, Port: port}]
	if !ok || d.Empty() {
		return nil, false
	}
	return d, true
}

// TaskDynamics returns the derived activation dynamics of a task.
func (p *Propagator) TaskDynamics(task plan.TaskID) (*PortDynamics, bool) {
	d, ok := p.tasks[task]
	if !ok || d.Empty() {
		return nil, false
	}
	return d, true
}

// Propagate seeds each deployed task's ports with intrinsic trigger
// information and forward-propagates through the dataflow graph. Tasks
// are processed in increasing order of unresolved inputs; a sweep that
// makes no progress terminates the propagation without error, logging the
// ports left without derivable dynamics.
func (p *Propagator) Propagate(ctx context.Context, tx *plan.Transaction) {
	log := p.log

	concrete := tx.Tasks(func(t *plan.Task) bool { return !t.Abstract && t.Model != nil })

	// 1) seed intrinsic information
	for _, t := range concrete {
		td := New()
		if t.ActivityPeriod > 0 {
			td.AddTrigger("activity", t.ActivityPeriod, 1)
		}
		p.tasks[t.ID] = td
		for _, port := range t.Model.OutPorts() {
			opd := New()
			if port.Period > 0 {
				opd.AddTrigger(t.Model.Name+"."+port.Name, port.Period, port.SampleCount)
			}
			if port.BurstSize > 0 {
				opd.AddBurst(port.BurstSize, port.BurstPeriod)
			}
			p.ports[PortRef{Task: t.ID, Port: port.Name}] = opd
		}
	}

	// 2) fixpoint sweeps
	resolved := map[plan.TaskID]bool{}
	for len(resolved) < len(concrete) {
		pending := make([]*plan.Task, 0, len(concrete))
		for _, t := range concrete {
			if !resolved[t.ID] {
				pending = append(pending, t)
			}
		}
		sort.Slice(pending, func(i, j int) bool {
			ui, uj := p.unresolvedInputs(tx, pending[i], resolved), p.unresolvedInputs(tx, pending[j], resolved)
			if ui != uj {
				return ui < uj
			}
			return pending[i].ID < pending[j].ID
		})

		progress := false
		for _, t := range pending {
			if p.unresolvedInputs(tx, t, resolved) > 0 {
				continue
			}
			p.computeTask(tx, t)
			resolved[t.ID] = true
			progress = true
		}
		if !progress {
			for _, t := range pending {
				log.InfoContext(ctx, "no derivable port dynamics",
					slog.Int("task", int(t.ID)),
					slog.String("model", t.Model.Name))
			}
			return
		}
	}
}

// unresolvedInputs counts the connections into triggered ports whose
// source dynamics are still unknown. Only triggered inputs feed the
// task's own activation, so only they block processing.
func (p *Propagator) unresolvedInputs(tx *plan.Transaction, t *plan.Task, resolved map[plan.TaskID]bool) int {
	count := 0
	for _, c := range tx.ConnectionsTo(t.ID) {
		if port, ok := t.Model.Port(c.SinkPort); !ok || !port.Triggered {
			continue
		}
		if resolved[c.Source] {
			continue
		}
		ref := PortRef{Task: c.Source, Port: c.SourcePort}
		if d, ok := p.ports[ref]; ok && !d.Empty() {
			continue
		}
		count++
	}
	return count
}

func (p *Propagator) computeTask(tx *plan.Transaction, t *plan.Task) {
	taskDyn := p.tasks[t.ID]
	if taskDyn == nil {
		taskDyn = New()
		p.tasks[t.ID] = taskDyn
	}

	// input ports: merge of the dynamics of everything feeding them
	for _, port := range t.Model.InPorts() {
		ipd := New()
		for _, c := range tx.ConnectionsTo(t.ID) {
			if c.SinkPort != port.Name {
				continue
			}
			if src, ok := p.ports[PortRef{Task: c.Source, Port: c.SourcePort}]; ok {
				ipd.Merge(src)
			}
		}
		p.ports[PortRef{Task: t.ID, Port: port.Name}] = ipd
		if port.Triggered {
			taskDyn.Merge(ipd)
		}
	}

	// output ports: the task's activation dynamics, sampled per port
	for _, port := range t.Model.OutPorts() {
		ref := PortRef{Task: t.ID, Port: port.Name}
		opd := p.ports[ref]
		if opd == nil {
			opd = New()
			p.ports[ref] = opd
		}
		for _, trigger := range taskDyn.Triggers() {
			opd.AddTrigger(trigger.Name, trigger.Period, samples(port, trigger))
		}
	}
}

func samples(port model.Port, trigger Trigger) int {
	if port.SampleCount > 0 {
		return port.SampleCount
	}
	return trigger.SampleCount
}
