package netgen

import (
	"context"
	"log/slog"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/nereid-robotics/sysweave/dynamics"
	"github.com/nereid-robotics/sysweave/plan"
)

// computePolicies derives a policy for every connection that does not
// already carry one. Unreliable connections keep the latest value only;
// reliable connections get a ring buffer sized from the propagated
// source dynamics and the sink's reading latency.
func (e *Engine) computePolicies(ctx context.Context, tx *plan.Transaction, prop *dynamics.Propagator) error {
	log := slogcontext.FromCtx(ctx)

	for _, c := range tx.Connections() {
		if c.Policy != nil {
			continue
		}

		if !c.Reliable {
			if err := tx.SetPolicy(c.ConnKey, plan.Policy{Kind: plan.PolicyData}); err != nil {
				return internalf("policy: %v", err)
			}
			continue
		}

		d, ok := prop.PortDynamics(c.Source, c.SourcePort)
		if !ok || d.MinimalPeriod() == 0 {
			source, _ := tx.Task(c.Source)
			return specf("no period information for %s port %q feeding a reliable connection",
				source, c.SourcePort)
		}

		latency, err := readingLatency(tx, prop, c)
		if err != nil {
			return err
		}
		size := 1
		if latency > 0 {
			size = dynamics.BufferSize(latency, d)
		}
		if err := tx.SetPolicy(c.ConnKey, plan.Policy{Kind: plan.PolicyBuffer, Size: size}); err != nil {
			return internalf("policy: %v", err)
		}
		log.DebugContext(ctx, "derived buffer policy",
			slog.String("connection", c.ConnKey.String()),
			slog.Int("size", size))
	}
	return nil
}

// readingLatency is how long a sample may sit on the sink port before
// the sink reads it: the port's own trigger latency when data arrival
// drives the sink, else the worst case of the sink's activation period
// and that latency.
func readingLatency(tx *plan.Transaction, prop *dynamics.Propagator, c *plan.Connection) (float64, error) {
	sink, ok := tx.Task(c.Sink)
	if !ok {
		return 0, internalf("connection %s has no sink task", c.ConnKey)
	}
	port, ok := sink.Model.Port(c.SinkPort)
	if !ok {
		return 0, internalf("%s has no port %q", sink, c.SinkPort)
	}

	if port.Triggered {
		return port.TriggerLatency, nil
	}

	latency := port.TriggerLatency
	if td, ok := prop.TaskDynamics(sink.ID); ok {
		if period := td.MinimalPeriod(); period > latency {
			latency = period
		}
	}
	return latency, nil
}
