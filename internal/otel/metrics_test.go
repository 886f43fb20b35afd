package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/sandcastle/internal/bus"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.Transitions == nil || m.RunDuration == nil || m.SlotsInUse == nil || m.MergeFiles == nil || m.Trashed == nil {
		t.Fatalf("missing instrument: %+v", m)
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics on noop meter: %v", err)
	}
}

func sumOf(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return 0, false
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total, true
		}
	}
	return 0, false
}

func TestRecorder_CountsBusEvents(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	p, err := Init(ctx, Config{Enabled: true, Exporter: "none"}, WithMetricReader(reader))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(ctx)
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := bus.New()
	rec := NewRecorder(b, m, nil)
	rec.Start(ctx)

	b.Publish(bus.TopicAgentStateChanged, bus.AgentStateChanged{AgentID: "a", From: "QUEUED", To: "GENERATING"})
	b.Publish(bus.TopicAgentStateChanged, bus.AgentStateChanged{AgentID: "a", From: "SUBMITTING", To: "REVIEWING", RunDuration: 2 * time.Second})
	b.Publish(bus.TopicAgentMerged, bus.AgentMerged{AgentID: "a", FilesMerged: 3})

	deadline := time.Now().Add(2 * time.Second)
	for {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(ctx, &rm); err != nil {
			t.Fatalf("collect: %v", err)
		}
		transitions, _ := sumOf(rm, "sandcastle.agent.transitions")
		merged, _ := sumOf(rm, "sandcastle.merge.files")
		if transitions == 2 && merged == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics not recorded: transitions=%d merged=%d", transitions, merged)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec.Stop()
	if b.SubscriberCount() != 0 {
		t.Fatalf("recorder left %d subscriptions", b.SubscriberCount())
	}
}

func TestRecorder_StopWithoutStart(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	b := bus.New()
	NewRecorder(b, m, nil).Stop()
}
