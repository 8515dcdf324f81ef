package plan

import (
	"fmt"
	"sort"

	"github.com/nereid-robotics/sysweave/model"
)

// Transaction is a copy-on-write overlay over a Plan. Reads fall through
// to the base graph, writes land in the overlay, and Commit replays them
// atomically. Discard drops the overlay in O(1).
//
// A transaction is single-owner and must not outlive another commit on
// the same plan: Commit fails if the base generation moved.
type Transaction struct {
	base    *Plan
	baseGen uint64
	nextID  TaskID
	done    bool

	nodes   map[TaskID]*Task
	removed map[TaskID]bool

	deps        map[depKey]map[string]struct{}
	depsRemoved map[depKey]bool

	conns        map[ConnKey]*Connection
	connsRemoved map[ConnKey]bool
}

func (tx *Transaction) ensureLive() {
	if tx.done {
		panic("plan: use of finished transaction")
	}
}

// NewTask allocates a node in the overlay and returns it for further
// setup through UpdateTask.
func (tx *Transaction) NewTask(m *model.Type) *Task {
	tx.ensureLive()
	id := tx.nextID
	tx.nextID++
	t := &Task{
		ID:        id,
		Model:     m,
		Arguments: map[string]any{},
	}
	tx.nodes[id] = t
	return t
}

// Task returns the task as visible through the overlay. The returned task
// must be treated as read-only; use UpdateTask to mutate.
func (tx *Transaction) Task(id TaskID) (*Task, bool) {
	if tx.removed[id] {
		return nil, false
	}
	if t, ok := tx.nodes[id]; ok {
		return t, true
	}
	t, ok := tx.base.nodes[id]
	return t, ok
}

// UpdateTask copies the task into the overlay (when still only in the
// base) and applies fn to the copy.
func (tx *Transaction) UpdateTask(id TaskID, fn func(*Task)) error {
	tx.ensureLive()
	if tx.removed[id] {
		return fmt.Errorf("plan: task %d was removed", id)
	}
	t, ok := tx.nodes[id]
	if !ok {
		base, exists := tx.base.nodes[id]
		if !exists {
			return fmt.Errorf("plan: task %d does not exist", id)
		}
		t = base.clone()
		tx.nodes[id] = t
	}
	fn(t)
	return nil
}

// RemoveTask drops a node and every edge touching it.
func (tx *Transaction) RemoveTask(id TaskID) error {
	tx.ensureLive()
	if _, ok := tx.Task(id); !ok {
		return fmt.Errorf("plan: task %d does not exist", id)
	}
	tx.forEachDep(func(k depKey, _ map[string]struct{}) {
		if k.parent == id || k.child == id {
			delete(tx.deps, k)
			tx.depsRemoved[k] = true
		}
	})
	tx.forEachConn(func(c *Connection) {
		if c.Source == id || c.Sink == id {
			delete(tx.conns, c.ConnKey)
			tx.connsRemoved[c.ConnKey] = true
		}
	})
	delete(tx.nodes, id)
	tx.removed[id] = true
	return nil
}

// Tasks returns the tasks visible through the overlay that match pred
// (nil matches all), sorted by id for deterministic walks.
func (tx *Transaction) Tasks(pred func(*Task) bool) []*Task {
	var out []*Task
	seen := map[TaskID]bool{}
	collect := func(t *Task) {
		if seen[t.ID] || tx.removed[t.ID] {
			return
		}
		seen[t.ID] = true
		if pred == nil || pred(t) {
			out = append(out, t)
		}
	}
	for _, t := range tx.nodes {
		collect(t)
	}
	for _, t := range tx.base.nodes {
		collect(t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddChild adds a dependency edge parent -> child under the given role.
func (tx *Transaction) AddChild(parent, child TaskID, role string) error {
	tx.ensureLive()
	if parent == child {
		return fmt.Errorf("plan: task %d cannot depend on itself", parent)
	}
	for _, id := range []TaskID{parent, child} {
		if _, ok := tx.Task(id); !ok {
			return fmt.Errorf("plan: task %d does not exist", id)
		}
	}
	k := depKey{parent: parent, child: child}
	roles, ok := tx.deps[k]
	if !ok {
		roles = map[string]struct{}{}
		if base, exists := tx.base.deps[k]; exists && !tx.depsRemoved[k] {
			for r := range base {
				roles[r] = struct{}{}
			}
		}
		tx.deps[k] = roles
		delete(tx.depsRemoved, k)
	}
	roles[role] = struct{}{}
	return nil
}

// RemoveChild drops the dependency edge parent -> child entirely.
func (tx *Transaction) RemoveChild(parent, child TaskID) {
	tx.ensureLive()
	k := depKey{parent: parent, child: child}
	delete(tx.deps, k)
	tx.depsRemoved[k] = true
}

// Children returns the dependency children of id, sorted.
func (tx *Transaction) Children(id TaskID) []TaskID {
	var out []TaskID
	tx.forEachDep(func(k depKey, _ map[string]struct{}) {
		if k.parent == id {
			out = append(out, k.child)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parents returns the dependency parents of id, sorted.
func (tx *Transaction) Parents(id TaskID) []TaskID {
	var out []TaskID
	tx.forEachDep(func(k depKey, _ map[string]struct{}) {
		if k.child == id {
			out = append(out, k.parent)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Roles returns the role names of the parent -> child edge, sorted.
func (tx *Transaction) Roles(parent, child TaskID) []string {
	var out []string
	tx.forEachDep(func(k depKey, roles map[string]struct{}) {
		if k.parent == parent && k.child == child {
			for r := range roles {
				out = append(out, r)
			}
		}
	})
	sort.Strings(out)
	return out
}

// Connect ensures a connection edge exists; reliability is sticky across
// repeated connects.
func (tx *Transaction) Connect(key ConnKey, reliable bool) error {
	tx.ensureLive()
	for _, id := range []TaskID{key.Source, key.Sink} {
		if _, ok := tx.Task(id); !ok {
			return fmt.Errorf("plan: task %d does not exist", id)
		}
	}
	c := tx.connectionForWrite(key)
	if c == nil {
		c = &Connection{ConnKey: key}
		tx.conns[key] = c
		delete(tx.connsRemoved, key)
	}
	c.Reliable = c.Reliable || reliable
	return nil
}

// Connection returns the connection for key as visible in the overlay.
func (tx *Transaction) Connection(key ConnKey) (*Connection, bool) {
	if tx.connsRemoved[key] {
		return nil, false
	}
	if c, ok := tx.conns[key]; ok {
		return c, true
	}
	c, ok := tx.base.conns[key]
	return c, ok
}

// SetPolicy records the computed policy of an existing connection.
func (tx *Transaction) SetPolicy(key ConnKey, p Policy) error {
	tx.ensureLive()
	c := tx.connectionForWrite(key)
	if c == nil {
		return fmt.Errorf("plan: no connection %s", key)
	}
	c.Policy = &p
	return nil
}

// Connections returns all visible connections sorted by key.
func (tx *Transaction) Connections() []*Connection {
	var out []*Connection
	tx.forEachConn(func(c *Connection) { out = append(out, c) })
	sort.Slice(out, func(i, j int) bool { return connLess(out[i].ConnKey, out[j].ConnKey) })
	return out
}

// ConnectionsTo returns the visible connections whose sink is id.
func (tx *Transaction) ConnectionsTo(id TaskID) []*Connection {
	var out []*Connection
	tx.forEachConn(func(c *Connection) {
		if c.Sink == id {
			out = append(out, c)
		}
	})
	sort.Slice(out, func(i, j int) bool { return connLess(out[i].ConnKey, out[j].ConnKey) })
	return out
}

// ConnectionsFrom returns the visible connections whose source is id.
func (tx *Transaction) ConnectionsFrom(id TaskID) []*Connection {
	var out []*Connection
	tx.forEachConn(func(c *Connection) {
		if c.Source == id {
			out = append(out, c)
		}
	})
	sort.Slice(out, func(i, j int) bool { return connLess(out[i].ConnKey, out[j].ConnKey) })
	return out
}

// ReplaceTask absorbs task from into task into: every dependency edge and
// connection of from is moved onto into, missing arguments and the
// execution agent are carried over, and from is removed from the graph.
func (tx *Transaction) ReplaceTask(into, from TaskID) error {
	tx.ensureLive()
	if into == from {
		return fmt.Errorf("plan: cannot replace task %d with itself", into)
	}
	if _, ok := tx.Task(into); !ok {
		return fmt.Errorf("plan: task %d does not exist", into)
	}
	fromTask, ok := tx.Task(from)
	if !ok {
		return fmt.Errorf("plan: task %d does not exist", from)
	}

	// dependency edges
	type movedDep struct {
		parent, child TaskID
		roles         []string
	}
	var moved []movedDep
	tx.forEachDep(func(k depKey, roles map[string]struct{}) {
		if k.parent != from && k.child != from {
			return
		}
		m := movedDep{parent: k.parent, child: k.child}
		for r := range roles {
			m.roles = append(m.roles, r)
		}
		moved = append(moved, m)
	})
	for _, m := range moved {
		parent, child := m.parent, m.child
		if parent == from {
			parent = into
		}
		if child == from {
			child = into
		}
		if parent == child {
			continue
		}
		for _, r := range m.roles {
			if err := tx.AddChild(parent, child, r); err != nil {
				return err
			}
		}
	}

	// connections
	var rewired []*Connection
	tx.forEachConn(func(c *Connection) {
		if c.Source == from || c.Sink == from {
			rewired = append(rewired, c.clone())
		}
	})
	for _, c := range rewired {
		key := c.ConnKey
		if key.Source == from {
			key.Source = into
		}
		if key.Sink == from {
			key.Sink = into
		}
		if key.Source == key.Sink {
			continue
		}
		if err := tx.Connect(key, c.Reliable); err != nil {
			return err
		}
		if c.Policy != nil {
			if existing, _ := tx.Connection(key); existing.Policy == nil {
				if err := tx.SetPolicy(key, *c.Policy); err != nil {
					return err
				}
			}
		}
	}

	// node attributes
	err := tx.UpdateTask(into, func(t *Task) {
		for k, v := range fromTask.Arguments {
			if _, ok := t.Arguments[k]; !ok {
				t.Arguments[k] = v
			}
		}
		if !t.Deployed() && fromTask.Deployed() {
			t.Agent = fromTask.Agent
			t.ActivityPeriod = fromTask.ActivityPeriod
		}
		t.Executing = t.Executing || fromTask.Executing
		if t.Source == nil {
			t.Source = fromTask.Source
		}
	next:
		for _, bus := range fromTask.Buses {
			for _, have := range t.Buses {
				if have == bus {
					continue next
				}
			}
			t.Buses = append(t.Buses, bus)
		}
	})
	if err != nil {
		return err
	}

	return tx.RemoveTask(from)
}

// Commit replays the overlay into the base plan. It fails without side
// effects if another transaction committed since Begin.
func (tx *Transaction) Commit() error {
	tx.ensureLive()
	if tx.base.generation != tx.baseGen {
		return fmt.Errorf("plan: transaction is stale (base moved from generation %d to %d)",
			tx.baseGen, tx.base.generation)
	}
	tx.done = true

	for id := range tx.removed {
		delete(tx.base.nodes, id)
	}
	for k := range tx.depsRemoved {
		delete(tx.base.deps, k)
	}
	for k := range tx.connsRemoved {
		delete(tx.base.conns, k)
	}
	for id, t := range tx.nodes {
		tx.base.nodes[id] = t.clone()
	}
	for k, roles := range tx.deps {
		merged := map[string]struct{}{}
		for r := range roles {
			merged[r] = struct{}{}
		}
		tx.base.deps[k] = merged
	}
	for k, c := range tx.conns {
		tx.base.conns[k] = c.clone()
	}
	tx.base.nextID = tx.nextID
	tx.base.generation++
	return nil
}

// Discard drops the overlay.
func (tx *Transaction) Discard() {
	tx.done = true
}

func (tx *Transaction) connectionForWrite(key ConnKey) *Connection {
	if tx.connsRemoved[key] {
		return nil
	}
	if c, ok := tx.conns[key]; ok {
		return c
	}
	if base, ok := tx.base.conns[key]; ok {
		c := base.clone()
		tx.conns[key] = c
		return c
	}
	return nil
}

func (tx *Transaction) forEachDep(fn func(depKey, map[string]struct{})) {
	visited := map[depKey]bool{}
	for k, roles := range tx.deps {
		visited[k] = true
		fn(k, roles)
	}
	for k, roles := range tx.base.deps {
		if visited[k] || tx.depsRemoved[k] {
			continue
		}
		fn(k, roles)
	}
}

func (tx *Transaction) forEachConn(fn func(*Connection)) {
	visited := map[ConnKey]bool{}
	for k, c := range tx.conns {
		visited[k] = true
		fn(c)
	}
	for k, c := range tx.base.conns {
		if visited[k] || tx.connsRemoved[k] {
			continue
		}
		fn(c)
	}
}

func connLess(a, b ConnKey) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.SourcePort != b.SourcePort {
		return a.SourcePort < b.SourcePort
	}
	if a.Sink != b.Sink {
		return a.Sink < b.Sink
	}
	return a.SinkPort < b.SinkPort
}
