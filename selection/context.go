package selection

// Context is a stack of selection levels. Each level stores the fully
// resolved cumulative injection plus the increment that was pushed, so
// lookups only ever consult the top level. Save/restore points are stack
// size markers with LIFO discipline.
type Context struct {
	levels     []contextLevel
	savepoints []int
}

type contextLevel struct {
	resolver *Injection
	pushed   *Injection
}

// NewContext builds a context with a clean guard level and optionally
// pushes initial selections.
func NewContext(initial ...*Injection) (*Context, error) {
	c := &Context{
		levels: []contextLevel{{resolver: NewInjection()}},
	}
	for _, in := range initial {
		if err := c.Push(in); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Depth returns the number of levels including the guard level.
func (c *Context) Depth() int { return len(c.levels) }

// Current returns the resolved cumulative injection of the top level.
func (c *Context) Current() *Injection {
	return c.levels[len(c.levels)-1].resolver
}

// Push adds a level whose cumulative view is the previous level merged
// with sel and resolved. Pushing a nil or empty selection adds a no-op
// level reusing the previous resolver, keeping depth consistent for
// save/restore.
func (c *Context) Push(sel *Injection) error {
	top := c.levels[len(c.levels)-1].resolver
	if sel.Empty() {
		c.levels = append(c.levels, contextLevel{resolver: top, pushed: sel})
		return nil
	}
	cumulative := top.Dup()
	if err := cumulative.Merge(sel); err != nil {
		return err
	}
	if err := cumulative.Resolve(); err != nil {
		return err
	}
	c.levels = append(c.levels, contextLevel{resolver: cumulative, pushed: sel})
	return nil
}

// Pop removes the top level and returns its pushed selection. It refuses
// to cross a savepoint or to remove the guard level, returning nil.
func (c *Context) Pop() *Injection {
	if len(c.levels) <= 1 {
		return nil
	}
	if n := len(c.savepoints); n > 0 && len(c.levels) <= c.savepoints[n-1] {
		return nil
	}
	top := c.levels[len(c.levels)-1]
	c.levels = c.levels[:len(c.levels)-1]
	return top.pushed
}

// Save records the current stack size as a savepoint.
func (c *Context) Save() {
	c.savepoints = append(c.savepoints, len(c.levels))
}

// Restore truncates the stack back to the most recent savepoint. Without
// a savepoint it is a no-op.
func (c *Context) Restore() {
	n := len(c.savepoints)
	if n == 0 {
		return
	}
	marker := c.savepoints[n-1]
	c.savepoints = c.savepoints[:n-1]
	if marker <= len(c.levels) {
		c.levels = c.levels[:marker]
	}
}

// SaveDuring runs fn between a save and a restore. The restore happens on
// every exit path, including when fn returns an error.
func (c *Context) SaveDuring(fn func() error) error {
	c.Save()
	defer c.Restore()
	return fn()
}

// CandidatesFor resolves a key against the top level.
func (c *Context) CandidatesFor(key any) (any, bool) {
	return c.Current().CandidatesFor(key)
}
