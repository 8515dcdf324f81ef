package netgen

import (
	"fmt"

	"github.com/nereid-robotics/sysweave/plan"
	"github.com/nereid-robotics/sysweave/selection"
)

// SpecError means the requirement as stated cannot be satisfied: a
// missing concrete implementation, missing period data, a missing bus.
// The requirement must change for the pass to succeed.
type SpecError struct {
	msg string
}

func specf(format string, args ...any) *SpecError {
	return &SpecError{msg: fmt.Sprintf(format, args...)}
}

func (e *SpecError) Error() string { return e.msg }

// InternalError means the engine violated one of its own invariants, such
// as an unsupported multi-node merge cycle or a broken post-merge
// contract. It indicates a bug, not a user error.
type InternalError struct {
	msg string
}

func internalf(format string, args ...any) *InternalError {
	return &InternalError{msg: fmt.Sprintf(format, args...)}
}

func (e *InternalError) Error() string { return e.msg }

func ambiguousAllocation(t *plan.Task, candidates []string) error {
	return selection.Ambiguous(
		fmt.Sprintf("allocation of %s", t), candidates...)
}
