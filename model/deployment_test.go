package model

import (
	"testing"

	"github.com/nereid-robotics/sysweave/internal/semver"
)

func dep(name, version string, tasks ...DeployedTask) *Deployment {
	return &Deployment{Name: name, Version: semver.MustParse(version), Tasks: tasks}
}

func TestDeploymentByName_PicksHighestVersion(t *testing.T) {
	c := NewCatalog()
	for _, d := range []*Deployment{
		dep("nav", "1.0.0"),
		dep("nav", "1.4.2"),
		dep("nav", "1.2.0"),
	} {
		if err := c.RegisterDeployment(d); err != nil {
			t.Fatalf("RegisterDeployment: %v", err)
		}
	}

	got, ok := c.DeploymentByName("nav", semver.Range{})
	if !ok {
		t.Fatal("expected deployment nav to exist")
	}
	if got.Version.String() != "1.4.2" {
		t.Fatalf("expected highest version 1.4.2, got %s", got.Version)
	}

	r, err := semver.ParseRange(">=1.0.0 <1.3.0")
	if err != nil {
		t.Fatalf("ParseRange: %v", err)
	}
	got, ok = c.DeploymentByName("nav", r)
	if !ok || got.Version.String() != "1.2.0" {
		t.Fatalf("expected constrained pick 1.2.0, got %v %v", got, ok)
	}
}

func TestRegisterDeployment_RejectsDuplicateVersion(t *testing.T) {
	c := NewCatalog()
	if err := c.RegisterDeployment(dep("nav", "1.0.0")); err != nil {
		t.Fatalf("RegisterDeployment: %v", err)
	}
	if err := c.RegisterDeployment(dep("nav", "1.0.0")); err == nil {
		t.Fatal("expected duplicate (name, version) to fail")
	}
}

func TestDeploymentsOf_BestPerName(t *testing.T) {
	driver := comp("task.LaserDriver")
	other := comp("task.Other")

	c := NewCatalog()
	for _, d := range []*Deployment{
		dep("laser", "1.0.0", DeployedTask{Name: "laser_task", Type: driver, Period: 0.025}),
		dep("laser", "2.0.0", DeployedTask{Name: "laser_task", Type: driver, Period: 0.02}),
		dep("misc", "1.0.0", DeployedTask{Name: "other_task", Type: other}),
	} {
		if err := c.RegisterDeployment(d); err != nil {
			t.Fatalf("RegisterDeployment: %v", err)
		}
	}

	got := c.DeploymentsOf(driver)
	if len(got) != 1 {
		t.Fatalf("expected one deployment name hosting the driver, got %d", len(got))
	}
	if got[0].Version.String() != "2.0.0" {
		t.Fatalf("expected the highest version per name, got %s", got[0].Version)
	}
	activity, ok := got[0].TaskOf(driver)
	if !ok || activity.Period != 0.02 {
		t.Fatalf("expected laser_task at 20ms, got %+v %v", activity, ok)
	}
}
