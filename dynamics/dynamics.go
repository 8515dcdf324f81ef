// Package dynamics computes per-port timing information (minimal update
// periods, sample sizes, bursts) by forward-propagating trigger
// information through the concrete dataflow graph, and derives buffer
// capacities from it.
package dynamics

import (
	"math"
	"sort"
)

// ceilEpsilon absorbs float artifacts so that e.g. 0.1/0.02 rounds to 5
// cycles and not 6.
const ceilEpsilon = 1e-9

// Trigger is one source of activity on a port or task: something fires
// every Period seconds and produces SampleCount elements per firing.
type Trigger struct {
	Name        string
	Period      float64
	SampleCount int
}

// Burst describes Size extra elements arriving every Period cycles of the
// main update period. Period 1 means the burst repeats every cycle.
type Burst struct {
	Size   int
	Period float64
}

// PortDynamics accumulates triggers for one port (or one task as a
// whole). Merging takes the union of triggers; the minimal period is the
// minimum across them.
type PortDynamics struct {
	triggers []Trigger
	bursts   []Burst
}

func New() *PortDynamics {
	return &PortDynamics{}
}

// AddTrigger records a trigger. Zero-sample triggers count one element.
func (d *PortDynamics) AddTrigger(name string, period float64, sampleCount int) {
	if sampleCount <= 0 {
		sampleCount = 1
	}
	for _, t := range d.triggers {
		if t.Name == name && t.Period == period && t.SampleCount == sampleCount {
			return
		}
	}
	d.triggers = append(d.triggers, Trigger{Name: name, Period: period, SampleCount: sampleCount})
}

// AddBurst records a burst entry.
func (d *PortDynamics) AddBurst(size int, period float64) {
	if size <= 0 {
		return
	}
	if period < 1 {
		period = 1
	}
	d.bursts = append(d.bursts, Burst{Size: size, Period: period})
}

// Merge folds the triggers and bursts of other into d.
func (d *PortDynamics) Merge(other *PortDynamics) {
	if other == nil {
		return
	}
	for _, t := range other.triggers {
		d.AddTrigger(t.Name, t.Period, t.SampleCount)
	}
	for _, b := range other.bursts {
		d.bursts = append(d.bursts, b)
	}
}

// Empty reports whether no trigger information is known.
func (d *PortDynamics) Empty() bool {
	return d == nil || len(d.triggers) == 0
}

// MinimalPeriod returns the smallest non-zero trigger period, zero when
// unknown.
func (d *PortDynamics) MinimalPeriod() float64 {
	minimal := 0.0
	for _, t := range d.triggers {
		if t.Period <= 0 {
			continue
		}
		if minimal == 0 || t.Period < minimal {
			minimal = t.Period
		}
	}
	return minimal
}

// SampleSize returns the number of elements produced per cycle: the
// largest sample count across triggers, at least one when any trigger is
// known.
func (d *PortDynamics) SampleSize() int {
	size := 0
	for _, t := range d.triggers {
		if t.SampleCount > size {
			size = t.SampleCount
		}
	}
	if size == 0 && len(d.triggers) > 0 {
		size = 1
	}
	return size
}

// Triggers returns the accumulated triggers sorted by name.
func (d *PortDynamics) Triggers() []Trigger {
	out := append([]Trigger(nil), d.triggers...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dup returns an independent copy.
func (d *PortDynamics) Dup() *PortDynamics {
	out := New()
	out.Merge(d)
	return out
}

// BufferSize computes the ring-buffer capacity needed so a sink reading
// every readingLatency seconds never drops a sample from a source with
// dynamics d: ceil(latency / period) * sample size, increased to
// accommodate bursts. A burst repeating every cycle adds its size once;
// otherwise it is spread over the latency window proportionally to
// latency cycles / burst period, rounded up. Returns zero when the source
// period is unknown.
func BufferSize(readingLatency float64, d *PortDynamics) int {
	period := d.MinimalPeriod()
	if period <= 0 {
		return 0
	}
	cycles := int(math.Ceil(readingLatency/period - ceilEpsilon))
	if cycles < 1 {
		cycles = 1
	}
	size := cycles * d.SampleSize()
	for _, b := range d.bursts {
		if b.Period <= 1 {
			size += b.Size
		} else {
			size += int(math.Ceil(float64(cycles)/b.Period-ceilEpsilon)) * b.Size
		}
	}
	return size
}
