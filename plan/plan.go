package plan

import (
	"fmt"
	"sort"
)

// PolicyKind selects how a connection buffers samples.
type PolicyKind int

const (
	// PolicyData keeps only the latest value.
	PolicyData PolicyKind = iota
	// PolicyBuffer keeps a ring buffer of Size elements.
	PolicyBuffer
)

func (k PolicyKind) String() string {
	if k == PolicyBuffer {
		return "buffer"
	}
	return "data"
}

// Policy is the resolved transfer policy of a connection.
type Policy struct {
	Kind PolicyKind
	Size int
}

// ConnKey identifies a directed port-to-port connection.
type ConnKey struct {
	Source     TaskID
	SourcePort string
	Sink       TaskID
	SinkPort   string
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%d.%s -> %d.%s", k.Source, k.SourcePort, k.Sink, k.SinkPort)
}

// Connection is a dataflow edge. Reliable connections must not drop
// samples and receive buffer policies during policy computation.
type Connection struct {
	ConnKey
	Reliable bool
	Policy   *Policy
}

func (c *Connection) clone() *Connection {
	out := *c
	if c.Policy != nil {
		p := *c.Policy
		out.Policy = &p
	}
	return &out
}

type depKey struct {
	parent TaskID
	child  TaskID
}

// Plan is the committed base graph. All mutation happens through a
// Transaction; the plan itself only ever changes atomically on commit.
// A plan is single-owner: the engine drives exactly one pass at a time.
type Plan struct {
	nodes map[TaskID]*Task
	deps  map[depKey]map[string]struct{}
	conns map[ConnKey]*Connection

	nextID     TaskID
	generation uint64
}

func NewPlan() *Plan {
	return &Plan{
		nodes: map[TaskID]*Task{},
		deps:  map[depKey]map[string]struct{}{},
		conns: map[ConnKey]*Connection{},
	}
}

// Begin opens a copy-on-write overlay over the plan.
func (p *Plan) Begin() *Transaction {
	return &Transaction{
		base:         p,
		baseGen:      p.generation,
		nextID:       p.nextID,
		nodes:        map[TaskID]*Task{},
		removed:      map[TaskID]bool{},
		deps:         map[depKey]map[string]struct{}{},
		depsRemoved:  map[depKey]bool{},
		conns:        map[ConnKey]*Connection{},
		connsRemoved: map[ConnKey]bool{},
	}
}

// Task returns a committed task by id.
func (p *Plan) Task(id TaskID) (*Task, bool) {
	t, ok := p.nodes[id]
	return t, ok
}

// Tasks returns the committed tasks matching pred (nil matches all),
// sorted by id.
func (p *Plan) Tasks(pred func(*Task) bool) []*Task {
	var out []*Task
	for _, t := range p.nodes {
		if pred == nil || pred(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Generation counts committed transactions.
func (p *Plan) Generation() uint64 { return p.generation }
