package instance

import (
	"fmt"

	"github.com/nereid-robotics/sysweave/model"
	"github.com/nereid-robotics/sysweave/plan"
	"github.com/nereid-robotics/sysweave/selection"
)

// BoundService names a service of an existing task, selectable as a
// whole: "use the camera service of that particular driver task".
type BoundService struct {
	Task    *plan.Task
	Service *model.Type
}

// Selected is the normal form every selection value reduces to: a
// requirement describing what was selected, optionally an existing task
// to use directly, and per-service selections.
type Selected struct {
	Requirements *Requirements
	Task         plan.TaskID
	// ServiceSelection records, per abstract service, which service of
	// the selected component satisfies it.
	ServiceSelection map[*model.Type]*model.Type

	hasTask bool
}

// BoundTask reports whether the selection names an existing task.
func (s *Selected) BoundTask() bool { return s.hasTask }

// FromObject normalizes a selection value: a task instance, a bound
// service, a service or component model, a nested requirement or a nested
// selection all reduce to a Selected. Anything else is an
// ErrInvalidSelection.
func FromObject(obj any) (*Selected, error) {
	switch v := obj.(type) {
	case *Selected:
		return v, nil
	case *Requirements:
		return &Selected{Requirements: v.Dup()}, nil
	case *plan.Task:
		return &Selected{
			Requirements: NewRequirements(v.Model),
			Task:         v.ID,
			hasTask:      true,
		}, nil
	case BoundService:
		if v.Task == nil || v.Service == nil {
			return nil, fmt.Errorf("bound service with missing task or service: %w", ErrInvalidSelection)
		}
		req := NewRequirements(v.Task.Model)
		if err := req.SelectService(v.Service); err != nil {
			return nil, err
		}
		return &Selected{
			Requirements:     req,
			Task:             v.Task.ID,
			hasTask:          true,
			ServiceSelection: map[*model.Type]*model.Type{v.Service: v.Service},
		}, nil
	case *model.Type:
		sel := &Selected{Requirements: NewRequirements(v)}
		if v.Kind == model.KindDataService {
			sel.ServiceSelection = map[*model.Type]*model.Type{v: v}
		}
		return sel, nil
	case *selection.Injection:
		req := NewRequirements()
		if err := req.selections.Merge(v); err != nil {
			return nil, err
		}
		return &Selected{Requirements: req}, nil
	default:
		return nil, fmt.Errorf("cannot use %T (%v) as a selection: %w", obj, obj, ErrInvalidSelection)
	}
}
