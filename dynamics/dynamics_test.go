package dynamics

import (
	"context"
	"testing"

	"github.com/nereid-robotics/sysweave/model"
	"github.com/nereid-robotics/sysweave/plan"
)

func TestBufferSize_FiveCyclesAtTwentyMilliseconds(t *testing.T) {
	d := New()
	d.AddTrigger("activity", 0.02, 1)

	// 0.1 / 0.02 lands exactly on a cycle boundary; float artifacts
	// must not push it to 6
	if got := BufferSize(0.1, d); got != 5 {
		t.Fatalf("BufferSize(0.1) = %d, want 5", got)
	}
}

func TestBufferSize_RoundsPartialCyclesUp(t *testing.T) {
	d := New()
	d.AddTrigger("activity", 0.03, 2)

	// 0.1 / 0.03 = 3.33 cycles -> 4 cycles of 2 samples
	if got := BufferSize(0.1, d); got != 8 {
		t.Fatalf("BufferSize(0.1) = %d, want 8", got)
	}
}

func TestBufferSize_UnknownPeriodIsZero(t *testing.T) {
	if got := BufferSize(0.1, New()); got != 0 {
		t.Fatalf("BufferSize without period = %d, want 0", got)
	}
}

func TestBufferSize_Bursts(t *testing.T) {
	d := New()
	d.AddTrigger("activity", 0.02, 1)
	d.AddBurst(10, 1)

	// bursts every cycle add their size once
	if got := BufferSize(0.1, d); got != 15 {
		t.Fatalf("BufferSize with per-cycle burst = %d, want 15", got)
	}

	d = New()
	d.AddTrigger("activity", 0.02, 1)
	d.AddBurst(10, 2)

	// 5 cycles over a burst period of 2 -> 3 bursts
	if got := BufferSize(0.1, d); got != 35 {
		t.Fatalf("BufferSize with spread burst = %d, want 35", got)
	}
}

func TestMinimalPeriod_TakesMinimumAcrossTriggers(t *testing.T) {
	d := New()
	d.AddTrigger("slow", 0.1, 1)
	d.AddTrigger("fast", 0.01, 1)
	d.AddTrigger("data", 0, 1)

	if got := d.MinimalPeriod(); got != 0.01 {
		t.Fatalf("MinimalPeriod = %v, want 0.01", got)
	}
}

func TestMerge_DeduplicatesTriggers(t *testing.T) {
	a := New()
	a.AddTrigger("activity", 0.02, 1)
	b := New()
	b.AddTrigger("activity", 0.02, 1)
	b.AddTrigger("burst", 0.05, 4)

	a.Merge(b)
	if got := len(a.Triggers()); got != 2 {
		t.Fatalf("expected 2 distinct triggers after merge, got %d", got)
	}
	if got := a.SampleSize(); got != 4 {
		t.Fatalf("SampleSize = %d, want the largest sample count", got)
	}
}

func producerModel() *model.Type {
	return &model.Type{
		Name: "task.Producer", Kind: model.KindComponent,
		Ports: []model.Port{
			{Name: "out", Direction: model.PortOut, TypeName: "double"},
		},
	}
}

func consumerModel(triggered bool) *model.Type {
	return &model.Type{
		Name: "task.Consumer", Kind: model.KindComponent,
		Ports: []model.Port{
			{Name: "in", Direction: model.PortIn, TypeName: "double", Triggered: triggered},
			{Name: "out", Direction: model.PortOut, TypeName: "double"},
		},
	}
}

func TestPropagate_ActivityPeriodFlowsDownstream(t *testing.T) {
	p := plan.NewPlan()
	tx := p.Begin()

	producer := tx.NewTask(producerModel())
	if err := tx.UpdateTask(producer.ID, func(task *plan.Task) {
		task.Agent = "nav/producer"
		task.ActivityPeriod = 0.02
	}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	consumer := tx.NewTask(consumerModel(true))
	if err := tx.Connect(plan.ConnKey{
		Source: producer.ID, SourcePort: "out",
		Sink: consumer.ID, SinkPort: "in",
	}, true); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	prop := NewPropagator(nil)
	prop.Propagate(context.Background(), tx)

	d, ok := prop.PortDynamics(producer.ID, "out")
	if !ok || d.MinimalPeriod() != 0.02 {
		t.Fatalf("producer out dynamics: %v %v", d, ok)
	}

	// the triggered input drives the consumer, which drives its output
	d, ok = prop.PortDynamics(consumer.ID, "out")
	if !ok || d.MinimalPeriod() != 0.02 {
		t.Fatalf("consumer out dynamics: %v %v", d, ok)
	}
	td, ok := prop.TaskDynamics(consumer.ID)
	if !ok || td.MinimalPeriod() != 0.02 {
		t.Fatalf("consumer task dynamics: %v %v", td, ok)
	}
}

func TestPropagate_NoProgressTerminates(t *testing.T) {
	p := plan.NewPlan()
	tx := p.Begin()

	// two undeployed tasks feeding each other: nothing is derivable
	a := tx.NewTask(consumerModel(true))
	b := tx.NewTask(consumerModel(true))
	for _, key := range []plan.ConnKey{
		{Source: a.ID, SourcePort: "out", Sink: b.ID, SinkPort: "in"},
		{Source: b.ID, SourcePort: "out", Sink: a.ID, SinkPort: "in"},
	} {
		if err := tx.Connect(key, false); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}

	prop := NewPropagator(nil)
	prop.Propagate(context.Background(), tx)

	if _, ok := prop.PortDynamics(a.ID, "out"); ok {
		t.Fatal("expected no derivable dynamics in a silent cycle")
	}
}
