package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the sandcastle instruments.
type Metrics struct {
	Transitions metric.Int64Counter
	RunDuration metric.Float64Histogram
	SlotsInUse  metric.Int64Gauge
	MergeFiles  metric.Int64Counter
	Trashed     metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Transitions, err = meter.Int64Counter("sandcastle.agent.transitions",
		metric.WithDescription("Persisted agent state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("sandcastle.agent.run.duration",
		metric.WithDescription("Time an agent held an execution slot, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SlotsInUse, err = meter.Int64Gauge("sandcastle.slots.in_use",
		metric.WithDescription("Execution slots currently held"),
	)
	if err != nil {
		return nil, err
	}

	m.MergeFiles, err = meter.Int64Counter("sandcastle.merge.files",
		metric.WithDescription("Files written into stable by accepted merges"),
	)
	if err != nil {
		return nil, err
	}

	m.Trashed, err = meter.Int64Counter("sandcastle.agent.trashed",
		metric.WithDescription("Terminal agents whose storage was removed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
