package netgen

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nereid-robotics/sysweave/instance"
	"github.com/nereid-robotics/sysweave/internal/semver"
	"github.com/nereid-robotics/sysweave/model"
	"github.com/nereid-robotics/sysweave/plan"
	"github.com/nereid-robotics/sysweave/selection"
)

func srv(name string, parents ...*model.Type) *model.Type {
	return &model.Type{Name: name, Kind: model.KindDataService, Parents: parents}
}

func comp(name string, parents ...*model.Type) *model.Type {
	return &model.Type{Name: name, Kind: model.KindComponent, Parents: parents}
}

func newEngine(t *testing.T, catalog *model.Catalog) *Engine {
	t.Helper()
	return New(catalog, plan.NewPlan(), Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func mustRegister(t *testing.T, c *model.Catalog, types ...*model.Type) {
	t.Helper()
	if err := c.Register(types...); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func mustDeploy(t *testing.T, c *model.Catalog, name, version string, tasks ...model.DeployedTask) {
	t.Helper()
	err := c.RegisterDeployment(&model.Deployment{
		Name: name, Version: semver.MustParse(version), Tasks: tasks,
	})
	if err != nil {
		t.Fatalf("RegisterDeployment: %v", err)
	}
}

func TestResolve_AllocatesImplementationFromCatalog(t *testing.T) {
	camera := srv("srv.Camera")
	driver := comp("task.CameraDriver", camera)

	catalog := model.NewCatalog()
	mustRegister(t, catalog, camera, driver)

	e := newEngine(t, catalog)
	if err := e.Add("camera", instance.NewRequirements(camera)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := e.Resolve(context.Background(), ResolveOptions{}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	tasks := e.Plan().Tasks(nil)
	if len(tasks) != 1 {
		t.Fatalf("expected one committed task, got %d", len(tasks))
	}
	if tasks[0].Model != driver || tasks[0].Abstract {
		t.Fatalf("expected a concrete driver task, got %s", tasks[0])
	}
}

func TestResolve_NoImplementationIsSpecError(t *testing.T) {
	camera := srv("srv.Camera")
	catalog := model.NewCatalog()
	mustRegister(t, catalog, camera)

	e := newEngine(t, catalog)
	if err := e.Add("camera", instance.NewRequirements(camera)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := e.Resolve(context.Background(), ResolveOptions{})
	var specErr *SpecError
	if !errors.As(err, &specErr) {
		t.Fatalf("expected SpecError, got %v", err)
	}
	if len(e.Plan().Tasks(nil)) != 0 {
		t.Fatal("a failed pass must leave the committed graph unchanged")
	}
	if e.Plan().Generation() != 0 {
		t.Fatal("a failed pass must not bump the generation")
	}
}

func TestResolve_AmbiguousImplementations(t *testing.T) {
	camera := srv("srv.Camera")
	left := comp("task.LeftDriver", camera)
	right := comp("task.RightDriver", camera)

	catalog := model.NewCatalog()
	mustRegister(t, catalog, camera, left, right)

	e := newEngine(t, catalog)
	if err := e.Add("camera", instance.NewRequirements(camera)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := e.Resolve(context.Background(), ResolveOptions{})
	var amb *selection.AmbiguityError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguityError, got %v", err)
	}
}

func TestResolve_ExplicitSelectionBreaksAmbiguity(t *testing.T) {
	camera := srv("srv.Camera")
	left := comp("task.LeftDriver", camera)
	right := comp("task.RightDriver", camera)

	catalog := model.NewCatalog()
	mustRegister(t, catalog, camera, left, right)

	e := newEngine(t, catalog)
	if err := e.Use(map[any]any{camera: left}); err != nil {
		t.Fatalf("Use: %v", err)
	}
	if err := e.Add("camera", instance.NewRequirements(camera)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := e.Resolve(context.Background(), ResolveOptions{}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	tasks := e.Plan().Tasks(nil)
	if len(tasks) != 1 || tasks[0].Model != left {
		t.Fatalf("expected the selected driver, got %v", tasks)
	}
}

func TestResolve_TwoRequirementsShareOneTask(t *testing.T) {
	camera := srv("srv.Camera")
	driver := comp("task.CameraDriver", camera)

	catalog := model.NewCatalog()
	mustRegister(t, catalog, camera, driver)

	e := newEngine(t, catalog)
	for _, name := range []string{"left", "right"} {
		if err := e.Add(name, instance.NewRequirements(camera)); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
	}
	if err := e.Resolve(context.Background(), ResolveOptions{}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if tasks := e.Plan().Tasks(nil); len(tasks) != 1 {
		t.Fatalf("expected identical requirements to share one task, got %d", len(tasks))
	}
}

func TestResolve_IsIdempotent(t *testing.T) {
	camera := srv("srv.Camera")
	driver := comp("task.CameraDriver", camera)

	catalog := model.NewCatalog()
	mustRegister(t, catalog, camera, driver)

	e := newEngine(t, catalog)
	if err := e.Add("camera", instance.NewRequirements(camera)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := e.Resolve(context.Background(), ResolveOptions{}); err != nil {
			t.Fatalf("Resolve #%d: %v", i+1, err)
		}
	}

	if tasks := e.Plan().Tasks(nil); len(tasks) != 1 {
		t.Fatalf("re-resolving must not grow the graph, got %d tasks", len(tasks))
	}
}

func TestResolve_BindsDeployment(t *testing.T) {
	camera := srv("srv.Camera")
	driver := comp("task.CameraDriver", camera)

	catalog := model.NewCatalog()
	mustRegister(t, catalog, camera, driver)
	mustDeploy(t, catalog, "nav", "1.0.0",
		model.DeployedTask{Name: "camera_task", Type: driver, Period: 0.02})

	e := newEngine(t, catalog)
	if err := e.Add("camera", instance.NewRequirements(camera)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := e.Resolve(context.Background(), ResolveOptions{ComputeDeployments: true}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	tasks := e.Plan().Tasks(nil)
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
	if tasks[0].Agent != "nav/camera_task" {
		t.Fatalf("expected agent nav/camera_task, got %q", tasks[0].Agent)
	}
	if tasks[0].ActivityPeriod != 0.02 {
		t.Fatalf("expected the activity period carried, got %v", tasks[0].ActivityPeriod)
	}
}

func TestResolve_MissingDeploymentIsSpecError(t *testing.T) {
	camera := srv("srv.Camera")
	driver := comp("task.CameraDriver", camera)

	catalog := model.NewCatalog()
	mustRegister(t, catalog, camera, driver)

	e := newEngine(t, catalog)
	if err := e.Add("camera", instance.NewRequirements(camera)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := e.Resolve(context.Background(), ResolveOptions{ComputeDeployments: true})
	var specErr *SpecError
	if !errors.As(err, &specErr) {
		t.Fatalf("expected SpecError for unbindable task, got %v", err)
	}
}

func TestResolve_DeployHintsDisambiguate(t *testing.T) {
	camera := srv("srv.Camera")
	driver := comp("task.CameraDriver", camera)

	catalog := model.NewCatalog()
	mustRegister(t, catalog, camera, driver)
	mustDeploy(t, catalog, "nav", "1.0.0",
		model.DeployedTask{Name: "camera_task", Type: driver, Period: 0.02})
	mustDeploy(t, catalog, "backup", "1.0.0",
		model.DeployedTask{Name: "camera_task", Type: driver, Period: 0.05})

	// without a hint: two deployment names are ambiguous
	e := newEngine(t, catalog)
	if err := e.Add("camera", instance.NewRequirements(camera)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := e.Resolve(context.Background(), ResolveOptions{ComputeDeployments: true})
	var amb *selection.AmbiguityError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguityError, got %v", err)
	}

	// with a hint the matching name wins
	e = newEngine(t, catalog)
	if err := e.Add("camera", instance.NewRequirements(camera).DeployHint("nav*")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := e.Resolve(context.Background(), ResolveOptions{ComputeDeployments: true}); err != nil {
		t.Fatalf("Resolve with hint: %v", err)
	}
	tasks := e.Plan().Tasks(nil)
	if len(tasks) != 1 || tasks[0].Agent != "nav/camera_task" {
		t.Fatalf("expected the hinted deployment, got %v", tasks)
	}
}

func TestResolve_DeployHintVersionConstraint(t *testing.T) {
	camera := srv("srv.Camera")
	driver := comp("task.CameraDriver", camera)

	catalog := model.NewCatalog()
	mustRegister(t, catalog, camera, driver)
	mustDeploy(t, catalog, "nav", "1.2.0",
		model.DeployedTask{Name: "camera_task", Type: driver, Period: 0.02})
	mustDeploy(t, catalog, "nav", "2.0.0",
		model.DeployedTask{Name: "camera_task", Type: driver, Period: 0.02})

	e := newEngine(t, catalog)
	req := instance.NewRequirements(camera).DeployHint("nav@<2.0.0")
	if err := e.Add("camera", req); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tx := e.plan.Begin()
	defer tx.Discard()
	task := tx.NewTask(driver)
	if err := tx.UpdateTask(task.ID, func(t *plan.Task) { t.Source = req }); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	got, err := e.pickDeployment(mustTask(t, tx, task.ID), map[string]bool{})
	if err != nil {
		t.Fatalf("pickDeployment: %v", err)
	}
	if got.Version.String() != "1.2.0" {
		t.Fatalf("expected the constrained version 1.2.0, got %s", got.Version)
	}
}

func mustTask(t *testing.T, tx *plan.Transaction, id plan.TaskID) *plan.Task {
	t.Helper()
	task, ok := tx.Task(id)
	if !ok {
		t.Fatalf("task %d missing", id)
	}
	return task
}

func TestResolve_BusWiring(t *testing.T) {
	canBus := &model.Type{Name: "can0", Kind: model.KindBus, MessageType: "can/Message"}
	busDriver := &model.Type{
		Name: "task.CANInterface", Kind: model.KindComponent,
		Parents: []*model.Type{canBus},
		Ports: []model.Port{
			{Name: "*", Direction: model.PortIn, TypeName: "can/Message"},
			{Name: "task.Servo*", Direction: model.PortOut, TypeName: "can/Message"},
		},
	}
	servo := &model.Type{Name: "dev.Servo", Kind: model.KindDevice, Bus: "can0"}
	servoDriver := &model.Type{
		Name: "task.ServoDriver", Kind: model.KindComponent,
		Parents: []*model.Type{servo},
		Ports: []model.Port{
			{Name: "can_out", Direction: model.PortOut, TypeName: "can/Message"},
			{Name: "can_in", Direction: model.PortIn, TypeName: "can/Message"},
		},
	}

	catalog := model.NewCatalog()
	mustRegister(t, catalog, canBus, busDriver, servo, servoDriver)

	e := newEngine(t, catalog)
	if err := e.Add("bus", instance.NewRequirements(canBus)); err != nil {
		t.Fatalf("Add(bus): %v", err)
	}
	if err := e.Add("servo", instance.NewRequirements(servo)); err != nil {
		t.Fatalf("Add(servo): %v", err)
	}
	if err := e.Resolve(context.Background(), ResolveOptions{}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	p := e.Plan()
	var busTask, servoTask *plan.Task
	for _, task := range p.Tasks(nil) {
		switch task.Model {
		case busDriver:
			busTask = task
		case servoDriver:
			servoTask = task
		}
	}
	if busTask == nil || servoTask == nil {
		t.Fatalf("expected both tasks allocated, got %v", p.Tasks(nil))
	}

	tx := p.Begin()
	defer tx.Discard()
	out := tx.ConnectionsFrom(servoTask.ID)
	in := tx.ConnectionsTo(servoTask.ID)
	if len(out) != 1 || out[0].Sink != busTask.ID {
		t.Fatalf("expected servo output wired into the bus, got %v", out)
	}
	if len(in) != 1 || in[0].Source != busTask.ID {
		t.Fatalf("expected bus output wired into the servo, got %v", in)
	}
	if !out[0].Reliable || !in[0].Reliable {
		t.Fatal("bus connections must be reliable")
	}
}

func TestResolve_MissingBusIsSpecError(t *testing.T) {
	servo := &model.Type{Name: "dev.Servo", Kind: model.KindDevice, Bus: "can0"}
	servoDriver := &model.Type{
		Name: "task.ServoDriver", Kind: model.KindComponent,
		Parents: []*model.Type{servo},
		Ports: []model.Port{
			{Name: "can_out", Direction: model.PortOut, TypeName: "can/Message"},
		},
	}

	catalog := model.NewCatalog()
	mustRegister(t, catalog, servo, servoDriver)

	e := newEngine(t, catalog)
	if err := e.Add("servo", instance.NewRequirements(servo)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := e.Resolve(context.Background(), ResolveOptions{})
	var specErr *SpecError
	if !errors.As(err, &specErr) {
		t.Fatalf("expected SpecError for a missing bus, got %v", err)
	}
}

func TestResolve_GarbageCollectDropsUnreachableTasks(t *testing.T) {
	camera := srv("srv.Camera")
	driver := comp("task.CameraDriver", camera)
	stray := comp("task.Stray")

	catalog := model.NewCatalog()
	mustRegister(t, catalog, camera, driver, stray)

	p := plan.NewPlan()
	tx := p.Begin()
	tx.NewTask(stray)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	e := New(catalog, p, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := e.Add("camera", instance.NewRequirements(camera)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := e.Resolve(context.Background(), ResolveOptions{GarbageCollect: true}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	tasks := p.Tasks(nil)
	if len(tasks) != 1 || tasks[0].Model != driver {
		t.Fatalf("expected only the required task to survive, got %v", tasks)
	}
}
