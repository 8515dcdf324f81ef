package selection

import (
	"errors"
	"testing"

	"github.com/nereid-robotics/sysweave/model"
)

func srv(name string, parents ...*model.Type) *model.Type {
	return &model.Type{Name: name, Kind: model.KindDataService, Parents: parents}
}

func comp(name string, parents ...*model.Type) *model.Type {
	return &model.Type{Name: name, Kind: model.KindComponent, Parents: parents}
}

func TestResolve_FlattensAliasChains(t *testing.T) {
	in := NewInjection()
	if err := in.Add(map[any]any{"A": "B", "B": "C", "C": 42}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := in.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	v, ok := in.CandidatesFor("A")
	if !ok || v != 42 {
		t.Fatalf("expected A to resolve through B and C to 42, got %v %v", v, ok)
	}
	v, ok = in.CandidatesFor("B")
	if !ok || v != 42 {
		t.Fatalf("expected B to resolve to 42, got %v %v", v, ok)
	}
}

func TestResolve_AliasCycleTerminates(t *testing.T) {
	in := NewInjection()
	if err := in.Add(map[any]any{"A": "B", "B": "A"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := in.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := in.CandidatesFor("A"); !ok {
		t.Fatal("cyclic aliases must still resolve to some member of the cycle")
	}
}

func TestResolve_IsIdempotent(t *testing.T) {
	camera := srv("srv.Camera")
	driver := comp("task.CameraDriver", camera)

	in := NewInjection()
	if err := in.Add(nil, driver); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := in.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	first := len(in.Explicit())
	if err := in.Resolve(); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if got := len(in.Explicit()); got != first {
		t.Fatalf("resolving twice changed the explicit map: %d != %d", got, first)
	}
}

func TestResolve_AssignsDefaultsToFulfilledRoles(t *testing.T) {
	camera := srv("srv.Camera")
	driver := comp("task.CameraDriver", camera)

	in := NewInjection()
	if err := in.Add(nil, driver); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := in.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	v, ok := in.CandidatesFor(camera)
	if !ok || v != driver {
		t.Fatalf("expected the default driver to claim srv.Camera, got %v %v", v, ok)
	}
}

func TestResolve_TwoDefaultsForOneRoleDropBoth(t *testing.T) {
	camera := srv("srv.Camera")
	left := comp("task.LeftCamera", camera)
	right := comp("task.RightCamera", camera)

	in := NewInjection()
	if err := in.Add(nil, left, right); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := in.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if _, ok := in.CandidatesFor(camera); ok {
		t.Fatal("a role claimed by two defaults must stay unselected")
	}
	if !in.AmbiguousRole("srv.Camera") {
		t.Fatal("expected the dropped role to be remembered as ambiguous")
	}
}

func TestResolve_ExplicitWinsOverDefaults(t *testing.T) {
	camera := srv("srv.Camera")
	left := comp("task.LeftCamera", camera)
	right := comp("task.RightCamera", camera)

	in := NewInjection()
	if err := in.Add(map[any]any{camera: left}, right); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := in.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	v, ok := in.CandidatesFor(camera)
	if !ok || v != left {
		t.Fatalf("explicit selection must beat default candidates, got %v %v", v, ok)
	}
}

func TestAdd_IncomparableModelsForSameKeyAreAmbiguous(t *testing.T) {
	laser := srv("srv.Laser")
	sonar := srv("srv.Sonar")

	in := NewInjection()
	if err := in.Add(map[any]any{"sensor": laser}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := in.Add(map[any]any{"sensor": sonar})
	var amb *AmbiguityError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguityError, got %v", err)
	}
	if len(amb.Candidates) != 2 {
		t.Fatalf("expected both candidates reported, got %v", amb.Candidates)
	}
}

func TestAdd_RefiningModelForSameKeyWins(t *testing.T) {
	camera := srv("srv.Camera")
	stereo := srv("srv.StereoCamera", camera)

	in := NewInjection()
	if err := in.Add(map[any]any{"sensor": camera}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := in.Add(map[any]any{"sensor": stereo}); err != nil {
		t.Fatalf("refining selection must not be ambiguous: %v", err)
	}
	v, _ := in.CandidatesFor("sensor")
	if v != stereo {
		t.Fatalf("last write must win, got %v", v)
	}
}

func TestUnresolvedNames(t *testing.T) {
	in := NewInjection()
	if err := in.Add(map[any]any{"camera": "task.MissingDriver"}, "task.AlsoMissing"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	known := func(name string) (any, bool) { return nil, false }
	got := in.UnresolvedNames(known)
	if len(got) != 2 {
		t.Fatalf("expected two unresolved names, got %v", got)
	}
}
